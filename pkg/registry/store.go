package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scintilla-hq/scintilla/pkg/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the credential and source registry backed by database/sql.
// Supported dialects: sqlite, postgres, mysql.
type Store struct {
	db      *sql.DB
	dialect string
}

const createSourcesTableSQL = `
CREATE TABLE IF NOT EXISTS sources (
    source_id VARCHAR(64) NOT NULL,
    name VARCHAR(255) NOT NULL,
    server_url TEXT NOT NULL,
    auth_headers TEXT,
    owner_user_id VARCHAR(64),
    owner_bot_id VARCHAR(64),
    instructions TEXT,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    is_public BOOLEAN NOT NULL DEFAULT FALSE,
    cache_status VARCHAR(16) NOT NULL DEFAULT 'pending',
    cache_last_refreshed_at TIMESTAMP,
    cache_error TEXT,
    PRIMARY KEY (source_id)
);

CREATE INDEX IF NOT EXISTS idx_sources_owner_user ON sources(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_sources_owner_bot ON sources(owner_bot_id);
`

const createSourceToolsTableSQL = `
CREATE TABLE IF NOT EXISTS source_tools (
    source_id VARCHAR(64) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    description TEXT,
    schema_json TEXT,
    refreshed_at TIMESTAMP NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (source_id, tool_name),
    FOREIGN KEY (source_id) REFERENCES sources(source_id) ON DELETE CASCADE
);
`

const createBotSourcesTableSQL = `
CREATE TABLE IF NOT EXISTS bot_source_associations (
    bot_id VARCHAR(64) NOT NULL,
    source_id VARCHAR(64) NOT NULL,
    custom_instructions TEXT,
    PRIMARY KEY (bot_id, source_id),
    FOREIGN KEY (source_id) REFERENCES sources(source_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_bot_sources_bot ON bot_source_associations(bot_id);
`

const createAgentTokensTableSQL = `
CREATE TABLE IF NOT EXISTS user_agent_tokens (
    token_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    token_hash VARCHAR(64) NOT NULL,
    token_prefix VARCHAR(16) NOT NULL,
    name VARCHAR(255),
    expires_at TIMESTAMP,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    last_used_at TIMESTAMP,
    PRIMARY KEY (token_id)
);

CREATE INDEX IF NOT EXISTS idx_agent_tokens_prefix ON user_agent_tokens(token_prefix);
`

// New creates a store over an existing connection and initializes the schema.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewFromConfig opens the configured database and creates a store over it.
func NewFromConfig(cfg *config.DatabaseConfig) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	return New(db, cfg.Driver)
}

// DB exposes the underlying connection for collaborators sharing the pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{
		createSourcesTableSQL,
		createSourceToolsTableSQL,
		createBotSourcesTableSQL,
		createAgentTokensTableSQL,
	} {
		if s.dialect == "mysql" {
			// MySQL has no CREATE INDEX IF NOT EXISTS; drop the index
			// statements and rely on the primary keys.
			var kept []string
			for _, line := range strings.Split(stmt, ";") {
				if strings.Contains(line, "CREATE INDEX IF NOT EXISTS") {
					continue
				}
				kept = append(kept, line)
			}
			stmt = strings.Join(kept, ";")
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ============================================================================
// Sources
// ============================================================================

// CreateSource inserts a new source. Exactly one owner field must be set;
// cache status starts as pending.
func (s *Store) CreateSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if (src.OwnerUserID == "") == (src.OwnerBotID == "") {
		return fmt.Errorf("exactly one of owner_user_id and owner_bot_id must be set")
	}

	headers, err := json.Marshal(src.AuthHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal auth headers: %w", err)
	}

	status := src.CacheStatus
	if status == "" {
		status = CacheStatusPending
	}

	query := s.rebind(`
INSERT INTO sources (source_id, name, server_url, auth_headers, owner_user_id, owner_bot_id, instructions, is_active, is_public, cache_status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		src.ID, src.Name, src.ServerURL, string(headers),
		nullable(src.OwnerUserID), nullable(src.OwnerBotID),
		nullable(src.Instructions), true, src.IsPublic, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert source: %w", err)
	}
	return nil
}

// DeleteSource soft-deletes a source.
func (s *Store) DeleteSource(ctx context.Context, sourceID string) error {
	query := s.rebind(`UPDATE sources SET is_active = ? WHERE source_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, false, sourceID); err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	return nil
}

// SetInstructions updates a source's free-text instructions.
func (s *Store) SetInstructions(ctx context.Context, sourceID, instructions string) error {
	query := s.rebind(`UPDATE sources SET instructions = ? WHERE source_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, nullable(instructions), sourceID); err != nil {
		return fmt.Errorf("failed to update instructions: %w", err)
	}
	return nil
}

const sourceColumns = `source_id, name, server_url, auth_headers, owner_user_id, owner_bot_id, instructions, is_active, is_public, cache_status, cache_last_refreshed_at, cache_error`

func scanSource(row interface{ Scan(...any) error }) (*Source, error) {
	var (
		src                             Source
		headers                         sql.NullString
		ownerUser, ownerBot, instr, cerr sql.NullString
		refreshedAt                     sql.NullTime
		status                          string
	)
	err := row.Scan(&src.ID, &src.Name, &src.ServerURL, &headers,
		&ownerUser, &ownerBot, &instr, &src.IsActive, &src.IsPublic,
		&status, &refreshedAt, &cerr)
	if err != nil {
		return nil, err
	}

	src.OwnerUserID = ownerUser.String
	src.OwnerBotID = ownerBot.String
	src.Instructions = instr.String
	src.CacheStatus = CacheStatus(status)
	src.CacheError = cerr.String
	if refreshedAt.Valid {
		t := refreshedAt.Time
		src.CacheLastRefreshedAt = &t
	}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &src.AuthHeaders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal auth headers: %w", err)
		}
	}
	return &src, nil
}

// GetSource returns a source by id, or nil when absent.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*Source, error) {
	query := s.rebind(`SELECT ` + sourceColumns + ` FROM sources WHERE source_id = ?`)
	src, err := scanSource(s.db.QueryRowContext(ctx, query, sourceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query source: %w", err)
	}
	return src, nil
}

// GetSourceAuth resolves a source id to its server URL and auth headers.
// Returns nil when the source does not exist or is inactive.
func (s *Store) GetSourceAuth(ctx context.Context, sourceID string) (*SourceAuth, error) {
	src, err := s.GetSource(ctx, sourceID)
	if err != nil || src == nil || !src.IsActive {
		return nil, err
	}
	return &SourceAuth{ServerURL: src.ServerURL, AuthHeaders: src.AuthHeaders}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ListSourcesForUser returns active sources the user can access: sources they
// own, public sources, and sources reachable through their bots
// (botSourceIDs). When cachedOnly is set, only sources with a cached tool
// catalog are returned; the management path passes false.
func (s *Store) ListSourcesForUser(ctx context.Context, userID string, botSourceIDs []string, cachedOnly bool) ([]*Source, error) {
	var (
		conds []string
		args  []any
	)

	access := `(owner_user_id = ? OR is_public = ?`
	args = append(args, userID, true)
	if len(botSourceIDs) > 0 {
		access += ` OR source_id IN (` + placeholders(len(botSourceIDs)) + `)`
		for _, id := range botSourceIDs {
			args = append(args, id)
		}
	}
	access += `)`
	conds = append(conds, access, `is_active = ?`)
	args = append(args, true)

	if cachedOnly {
		conds = append(conds, `cache_status = ?`)
		args = append(args, string(CacheStatusCached))
	}

	query := s.rebind(`SELECT ` + sourceColumns + ` FROM sources WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY name`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ListSpecificSources returns the requested sources, filtered by the same
// access rules as ListSourcesForUser.
func (s *Store) ListSpecificSources(ctx context.Context, userID string, sourceIDs []string) ([]*Source, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(sourceIDs)+3)
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	args = append(args, userID, true, true)

	query := s.rebind(`SELECT ` + sourceColumns + ` FROM sources
WHERE source_id IN (` + placeholders(len(sourceIDs)) + `)
  AND (owner_user_id = ? OR is_public = ? OR owner_bot_id IS NOT NULL)
  AND is_active = ?
ORDER BY name`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// SetCacheStatus transitions a source's cache status. The error message is
// stored for the error status and cleared otherwise.
func (s *Store) SetCacheStatus(ctx context.Context, sourceID string, status CacheStatus, cacheErr string) error {
	query := s.rebind(`UPDATE sources SET cache_status = ?, cache_error = ? WHERE source_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(status), nullable(cacheErr), sourceID); err != nil {
		return fmt.Errorf("failed to set cache status: %w", err)
	}
	return nil
}

// ============================================================================
// Source tools
// ============================================================================

// ClearTools removes every cached tool row for the source.
func (s *Store) ClearTools(ctx context.Context, sourceID string) error {
	query := s.rebind(`DELETE FROM source_tools WHERE source_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, sourceID); err != nil {
		return fmt.Errorf("failed to clear tools: %w", err)
	}
	return nil
}

// ReplaceTools atomically replaces the source's tool catalog and marks the
// source cached. Deletion of old rows, insertion of new rows, and the status
// transition share one transaction and one timestamp, so readers never
// observe a half-written catalog.
func (s *Store) ReplaceTools(ctx context.Context, sourceID string, tools []SourceTool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM source_tools WHERE source_id = ?`), sourceID); err != nil {
		return fmt.Errorf("failed to delete old tools: %w", err)
	}

	insert := s.rebind(`
INSERT INTO source_tools (source_id, tool_name, description, schema_json, refreshed_at, is_active)
VALUES (?, ?, ?, ?, ?, ?)`)
	for _, tool := range tools {
		schema := tool.Schema
		if schema == nil {
			schema = map[string]any{}
		}
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("failed to marshal schema for %s: %w", tool.ToolName, err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			sourceID, tool.ToolName, nullable(tool.Description), string(schemaJSON), now, true,
		); err != nil {
			return fmt.Errorf("failed to insert tool %s: %w", tool.ToolName, err)
		}
	}

	update := s.rebind(`
UPDATE sources SET cache_status = ?, cache_error = NULL, cache_last_refreshed_at = ? WHERE source_id = ?`)
	if _, err := tx.ExecContext(ctx, update, string(CacheStatusCached), now, sourceID); err != nil {
		return fmt.Errorf("failed to update cache status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tool catalog: %w", err)
	}
	return nil
}

// ListCachedTools returns active tool rows for the given sources, restricted
// to sources that are active and fully cached.
func (s *Store) ListCachedTools(ctx context.Context, sourceIDs []string) ([]SourceTool, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(sourceIDs)+3)
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	args = append(args, true, true, string(CacheStatusCached))

	query := s.rebind(`
SELECT t.source_id, t.tool_name, t.description, t.schema_json, t.refreshed_at, t.is_active
FROM source_tools t
JOIN sources s ON s.source_id = t.source_id
WHERE t.source_id IN (` + placeholders(len(sourceIDs)) + `)
  AND t.is_active = ? AND s.is_active = ? AND s.cache_status = ?
ORDER BY t.source_id, t.tool_name`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached tools: %w", err)
	}
	defer rows.Close()

	var tools []SourceTool
	for rows.Next() {
		var (
			tool       SourceTool
			desc       sql.NullString
			schemaJSON sql.NullString
		)
		if err := rows.Scan(&tool.SourceID, &tool.ToolName, &desc, &schemaJSON, &tool.RefreshedAt, &tool.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tool.Description = desc.String
		if schemaJSON.Valid && schemaJSON.String != "" {
			if err := json.Unmarshal([]byte(schemaJSON.String), &tool.Schema); err != nil {
				return nil, fmt.Errorf("failed to unmarshal schema for %s: %w", tool.ToolName, err)
			}
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// ============================================================================
// Bot-source associations
// ============================================================================

// AssociateBotSource links a bot to a source with an optional per-bot
// instruction override.
func (s *Store) AssociateBotSource(ctx context.Context, assoc BotSourceAssociation) error {
	query := s.rebind(`
INSERT INTO bot_source_associations (bot_id, source_id, custom_instructions)
VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, assoc.BotID, assoc.SourceID, nullable(assoc.CustomInstructions)); err != nil {
		return fmt.Errorf("failed to associate bot source: %w", err)
	}
	return nil
}

// ListBotSourceAssociations returns the associations for the given bots.
func (s *Store) ListBotSourceAssociations(ctx context.Context, botIDs []string) ([]BotSourceAssociation, error) {
	if len(botIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(botIDs))
	for _, id := range botIDs {
		args = append(args, id)
	}

	query := s.rebind(`
SELECT bot_id, source_id, custom_instructions FROM bot_source_associations
WHERE bot_id IN (` + placeholders(len(botIDs)) + `)`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot sources: %w", err)
	}
	defer rows.Close()

	var assocs []BotSourceAssociation
	for rows.Next() {
		var (
			assoc BotSourceAssociation
			instr sql.NullString
		)
		if err := rows.Scan(&assoc.BotID, &assoc.SourceID, &instr); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		assoc.CustomInstructions = instr.String
		assocs = append(assocs, assoc)
	}
	return assocs, rows.Err()
}

// ============================================================================
// Agent tokens
// ============================================================================

// CreateAgentToken stores a minted token record.
func (s *Store) CreateAgentToken(ctx context.Context, token *AgentToken) error {
	query := s.rebind(`
INSERT INTO user_agent_tokens (token_id, user_id, token_hash, token_prefix, name, expires_at, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	var expires any
	if token.ExpiresAt != nil {
		expires = *token.ExpiresAt
	}
	if _, err := s.db.ExecContext(ctx, query,
		token.TokenID, token.UserID, token.TokenHash, token.TokenPrefix,
		nullable(token.Name), expires, true,
	); err != nil {
		return fmt.Errorf("failed to insert agent token: %w", err)
	}
	return nil
}

// ListAgentTokensByPrefix returns active tokens with the given prefix.
// Validation hashes the presented secret and compares against each row.
func (s *Store) ListAgentTokensByPrefix(ctx context.Context, prefix string) ([]AgentToken, error) {
	query := s.rebind(`
SELECT token_id, user_id, token_hash, token_prefix, name, expires_at, is_active, last_used_at
FROM user_agent_tokens WHERE token_prefix = ? AND is_active = ?`)

	rows, err := s.db.QueryContext(ctx, query, prefix, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent tokens: %w", err)
	}
	defer rows.Close()

	var tokens []AgentToken
	for rows.Next() {
		var (
			token      AgentToken
			name       sql.NullString
			expiresAt  sql.NullTime
			lastUsedAt sql.NullTime
		)
		if err := rows.Scan(&token.TokenID, &token.UserID, &token.TokenHash, &token.TokenPrefix,
			&name, &expiresAt, &token.IsActive, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent token: %w", err)
		}
		token.Name = name.String
		if expiresAt.Valid {
			t := expiresAt.Time
			token.ExpiresAt = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time
			token.LastUsedAt = &t
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// TouchAgentToken records a successful validation.
func (s *Store) TouchAgentToken(ctx context.Context, tokenID string) error {
	query := s.rebind(`UPDATE user_agent_tokens SET last_used_at = ? WHERE token_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), tokenID); err != nil {
		return fmt.Errorf("failed to touch agent token: %w", err)
	}
	return nil
}

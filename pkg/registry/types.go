// Package registry persists sources, their cached tool catalogs, bot-source
// associations, and local-agent tokens in a relational store.
package registry

import "time"

// CacheStatus tracks the tool-catalog lifecycle of a source.
type CacheStatus string

const (
	CacheStatusPending CacheStatus = "pending"
	CacheStatusCaching CacheStatus = "caching"
	CacheStatusCached  CacheStatus = "cached"
	CacheStatusError   CacheStatus = "error"
)

// Source is a configured MCP server. Exactly one of OwnerUserID and
// OwnerBotID is set; sources owned by a bot are visible to every principal
// with bot access, user-owned sources require ownership or the public flag.
type Source struct {
	ID          string
	Name        string
	ServerURL   string
	AuthHeaders map[string]string
	// Instructions is free-text guidance injected into the system prompt
	// when this source's tools are bound.
	Instructions string

	OwnerUserID string
	OwnerBotID  string

	IsActive bool
	IsPublic bool

	CacheStatus          CacheStatus
	CacheError           string
	CacheLastRefreshedAt *time.Time
}

// IsLocal reports whether the source is reachable only through a polling
// local agent rather than a remote SSE endpoint.
func (s *Source) IsLocal() bool {
	return IsLocalURL(s.ServerURL)
}

// SourceTool is one cached tool definition belonging to a source.
type SourceTool struct {
	SourceID    string
	ToolName    string
	Description string
	// Schema is the tool's JSON-Schema input definition, stored verbatim.
	// A missing schema is stored as an empty object.
	Schema      map[string]any
	RefreshedAt time.Time
	IsActive    bool
}

// SourceAuth is the credential lookup result for one source.
type SourceAuth struct {
	ServerURL   string
	AuthHeaders map[string]string
}

// BotSourceAssociation links a bot to a source, optionally overriding the
// source's instructions for that bot.
type BotSourceAssociation struct {
	BotID              string
	SourceID           string
	CustomInstructions string
}

// AgentToken is a stored local-agent credential. The secret itself is never
// stored; TokenHash is the SHA-256 of the full scat_-prefixed token.
type AgentToken struct {
	TokenID     string
	UserID      string
	TokenHash   string
	TokenPrefix string
	Name        string
	ExpiresAt   *time.Time
	IsActive    bool
	LastUsedAt  *time.Time
}

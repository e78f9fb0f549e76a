// Package conversation persists per-conversation message history so the
// agent loop can carry context across queries.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scintilla-hq/scintilla/pkg/protocol"
)

// DefaultHistoryLimit is how many recent messages the loop replays.
const DefaultHistoryLimit = 10

// Store is the conversation history interface. The loop treats it as a black
// box: append messages, read back the recent tail.
type Store interface {
	Append(ctx context.Context, conversationID, userID string, msg protocol.Message) error
	Recent(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error)
}

// SQLStore persists conversations in the relational store alongside the
// source registry.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    message_id VARCHAR(64) NOT NULL,
    conversation_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT,
    tool_calls_json TEXT,
    tool_call_id VARCHAR(64),
    tool_name VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (message_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, created_at);
`

// NewSQLStore initializes the message table over an existing connection.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &SQLStore{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmt := createMessagesTableSQL
	if dialect == "mysql" {
		var kept []string
		for _, line := range strings.Split(stmt, ";") {
			if strings.Contains(line, "CREATE INDEX IF NOT EXISTS") {
				continue
			}
			kept = append(kept, line)
		}
		stmt = strings.Join(kept, ";")
	}
	for _, single := range strings.Split(stmt, ";") {
		if strings.TrimSpace(single) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, single); err != nil {
			return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
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

// Append stores one message at the tail of the conversation.
func (s *SQLStore) Append(ctx context.Context, conversationID, userID string, msg protocol.Message) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	var toolCallsJSON any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCallsJSON = string(data)
	}

	query := s.rebind(`
		INSERT INTO conversation_messages
			(message_id, conversation_id, user_id, role, content, tool_calls_json, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), conversationID, userID,
		string(msg.Role), msg.Content, toolCallsJSON,
		msg.ToolCallID, msg.ToolName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Recent returns the newest messages of the conversation in chronological
// order. A non-positive limit falls back to DefaultHistoryLimit.
func (s *SQLStore) Recent(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := s.rebind(`
		SELECT role, content, tool_calls_json, tool_call_id, tool_name
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var role, toolCallID, toolName string
		var content, toolCallsJSON sql.NullString
		if err := rows.Scan(&role, &content, &toolCallsJSON, &toolCallID, &toolName); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg := protocol.Message{
			Role:       protocol.Role(role),
			Content:    content.String,
			ToolCallID: toolCallID,
			ToolName:   toolName,
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("corrupt tool calls in history: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came newest first; restore chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "github.com/mattn/go-sqlite3"

	"github.com/scintilla-hq/scintilla/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "c1", "u1", protocol.NewUserMessage("first question")))
	require.NoError(t, store.Append(ctx, "c1", "u1", protocol.NewAssistantMessage("first answer")))
	require.NoError(t, store.Append(ctx, "c1", "u1", protocol.NewUserMessage("second question")))

	messages, err := store.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, "first question", messages[0].Content)
	assert.Equal(t, protocol.RoleAssistant, messages[1].Role)
	assert.Equal(t, "second question", messages[2].Content)
}

func TestRecentHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, store.Append(ctx, "c1", "u1", protocol.NewUserMessage(fmt.Sprintf("message %02d", i))))
	}

	messages, err := store.Recent(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, messages, DefaultHistoryLimit)

	// The newest ten, oldest of them first.
	assert.Equal(t, "message 05", messages[0].Content)
	assert.Equal(t, "message 14", messages[len(messages)-1].Content)
}

func TestRecentIsolatesConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "c1", "u1", protocol.NewUserMessage("in c1")))
	require.NoError(t, store.Append(ctx, "c2", "u1", protocol.NewUserMessage("in c2")))

	messages, err := store.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "in c1", messages[0].Content)
}

func TestAppendPersistsToolCalls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assistant := protocol.Message{
		Role: protocol.RoleAssistant,
		ToolCalls: []protocol.ToolCall{
			{ID: "call_1", Name: "jira_search", Arguments: map[string]any{"jql": "project = ENG"}},
		},
	}
	require.NoError(t, store.Append(ctx, "c1", "u1", assistant))
	require.NoError(t, store.Append(ctx, "c1", "u1", protocol.NewToolMessage("call_1", "jira_search", "3 issues")))

	messages, err := store.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, "call_1", messages[0].ToolCalls[0].ID)
	assert.Equal(t, "jira_search", messages[0].ToolCalls[0].Name)

	assert.Equal(t, protocol.RoleTool, messages[1].Role)
	assert.Equal(t, "call_1", messages[1].ToolCallID)
}

func TestAppendRequiresConversationID(t *testing.T) {
	store := newTestStore(t)
	err := store.Append(context.Background(), "", "u1", protocol.NewUserMessage("hi"))
	require.Error(t, err)
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintilla-hq/scintilla/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewFromConfig(&config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func remoteSource(id, userID string) *Source {
	return &Source{
		ID:          id,
		Name:        "Acme Jira",
		ServerURL:   "https://mcp.acme.dev/jira/sse",
		AuthHeaders: map[string]string{"Authorization": "Bearer tok"},
		OwnerUserID: userID,
	}
}

func TestCreateSourceOwnerInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateSource(ctx, &Source{ID: "s1", Name: "no owner", ServerURL: "https://x/sse"})
	require.Error(t, err, "no owner must be rejected")

	err = store.CreateSource(ctx, &Source{
		ID: "s2", Name: "both owners", ServerURL: "https://x/sse",
		OwnerUserID: "u1", OwnerBotID: "b1",
	})
	require.Error(t, err, "two owners must be rejected")

	require.NoError(t, store.CreateSource(ctx, remoteSource("s3", "u1")))
}

func TestGetSourceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := remoteSource("s1", "u1")
	src.Instructions = "Always search project ENG"
	require.NoError(t, store.CreateSource(ctx, src))

	got, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme Jira", got.Name)
	assert.Equal(t, map[string]string{"Authorization": "Bearer tok"}, got.AuthHeaders)
	assert.Equal(t, "Always search project ENG", got.Instructions)
	assert.Equal(t, CacheStatusPending, got.CacheStatus)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.CacheLastRefreshedAt)

	missing, err := store.GetSource(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetSourceAuth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("s1", "u1")))

	auth, err := store.GetSourceAuth(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "https://mcp.acme.dev/jira/sse", auth.ServerURL)

	require.NoError(t, store.DeleteSource(ctx, "s1"))
	auth, err = store.GetSourceAuth(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, auth, "inactive source must not resolve credentials")
}

func TestReplaceToolsSharesOneTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("s1", "u1")))

	tools := []SourceTool{
		{SourceID: "s1", ToolName: "jira_search", Description: "Search issues", Schema: map[string]any{"type": "object"}},
		{SourceID: "s1", ToolName: "jira_get_issue", Description: "Get one issue"},
	}
	require.NoError(t, store.ReplaceTools(ctx, "s1", tools))

	src, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, CacheStatusCached, src.CacheStatus)
	require.NotNil(t, src.CacheLastRefreshedAt)

	cached, err := store.ListCachedTools(ctx, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, cached, 2)
	for _, tool := range cached {
		assert.True(t, tool.RefreshedAt.Equal(*src.CacheLastRefreshedAt),
			"tool refreshed_at %v != source cache_last_refreshed_at %v", tool.RefreshedAt, *src.CacheLastRefreshedAt)
	}

	// Missing schema is stored as an empty object.
	for _, tool := range cached {
		if tool.ToolName == "jira_get_issue" {
			assert.NotNil(t, tool.Schema)
			assert.Empty(t, tool.Schema)
		}
	}
}

func TestReplaceToolsReplacesOldCatalog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("s1", "u1")))
	require.NoError(t, store.ReplaceTools(ctx, "s1", []SourceTool{{SourceID: "s1", ToolName: "old_tool"}}))
	require.NoError(t, store.ReplaceTools(ctx, "s1", []SourceTool{{SourceID: "s1", ToolName: "new_tool"}}))

	cached, err := store.ListCachedTools(ctx, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "new_tool", cached[0].ToolName)
}

func TestListCachedToolsHidesUncachedSources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("s1", "u1")))
	require.NoError(t, store.ReplaceTools(ctx, "s1", []SourceTool{{SourceID: "s1", ToolName: "jira_search"}}))

	// A refresh in flight hides the catalog from readers.
	require.NoError(t, store.SetCacheStatus(ctx, "s1", CacheStatusCaching, ""))
	cached, err := store.ListCachedTools(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Empty(t, cached)

	require.NoError(t, store.SetCacheStatus(ctx, "s1", CacheStatusCached, ""))
	cached, err = store.ListCachedTools(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestSetCacheStatusStoresError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("s1", "u1")))
	require.NoError(t, store.SetCacheStatus(ctx, "s1", CacheStatusError, "connection refused"))

	src, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, CacheStatusError, src.CacheStatus)
	assert.Equal(t, "connection refused", src.CacheError)

	require.NoError(t, store.SetCacheStatus(ctx, "s1", CacheStatusCaching, ""))
	src, err = store.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, src.CacheError)
}

func TestListSourcesForUserAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("mine", "u1")))
	require.NoError(t, store.CreateSource(ctx, remoteSource("theirs", "u2")))

	public := remoteSource("shared", "u2")
	public.IsPublic = true
	require.NoError(t, store.CreateSource(ctx, public))

	botOwned := &Source{ID: "bots", Name: "Bot Source", ServerURL: "local://jira_operations", OwnerBotID: "b1"}
	require.NoError(t, store.CreateSource(ctx, botOwned))

	sources, err := store.ListSourcesForUser(ctx, "u1", []string{"bots"}, false)
	require.NoError(t, err)

	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		ids = append(ids, src.ID)
	}
	assert.ElementsMatch(t, []string{"mine", "shared", "bots"}, ids)
}

func TestBotSourceAssociations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSource(ctx, remoteSource("s1", "u1")))
	require.NoError(t, store.AssociateBotSource(ctx, BotSourceAssociation{
		BotID: "b1", SourceID: "s1", CustomInstructions: "Only project XINETBSE",
	}))

	assocs, err := store.ListBotSourceAssociations(ctx, []string{"b1"})
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, "s1", assocs[0].SourceID)
	assert.Equal(t, "Only project XINETBSE", assocs[0].CustomInstructions)

	assocs, err = store.ListBotSourceAssociations(ctx, []string{"unknown"})
	require.NoError(t, err)
	assert.Empty(t, assocs)
}

func TestAgentTokenPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC()
	token := &AgentToken{
		TokenID:     "t1",
		UserID:      "u1",
		TokenHash:   "deadbeef",
		TokenPrefix: "scat_abc123",
		Name:        "laptop",
		ExpiresAt:   &expires,
		IsActive:    true,
	}
	require.NoError(t, store.CreateAgentToken(ctx, token))

	found, err := store.ListAgentTokensByPrefix(ctx, "scat_abc123")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "deadbeef", found[0].TokenHash)
	assert.Equal(t, "u1", found[0].UserID)
	assert.Nil(t, found[0].LastUsedAt)

	require.NoError(t, store.TouchAgentToken(ctx, "t1"))
	found, err = store.ListAgentTokensByPrefix(ctx, "scat_abc123")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotNil(t, found[0].LastUsedAt)
}

func TestLocalURLHelpers(t *testing.T) {
	assert.True(t, IsLocalURL("local://jira_operations"))
	assert.True(t, IsLocalURL("stdio:///usr/bin/agent"))
	assert.True(t, IsLocalURL("agent://confluence_operations"))
	assert.False(t, IsLocalURL("https://mcp.acme.dev/sse"))

	assert.Equal(t, "jira_operations", LocalCapability("local://jira_operations"))
	assert.Equal(t, "", LocalCapability("https://mcp.acme.dev/sse"))
}

package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintilla-hq/scintilla/pkg/config"
	"github.com/scintilla-hq/scintilla/pkg/registry"
)

func newTestValidator(t *testing.T) *AgentTokenValidator {
	t.Helper()
	store, err := registry.NewFromConfig(&config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewAgentTokenValidator(store)
}

func TestMintAndValidateRoundTrip(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	token, err := v.MintAgentToken(ctx, "u1", "laptop", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "scat_"), "token %q missing scheme prefix", token)
	// scat_ plus a 64-hex-char secret.
	assert.Len(t, token, len("scat_")+64)

	userID, err := v.ValidateAgentToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	_, err := v.ValidateAgentToken(ctx, "scat_"+strings.Repeat("ab", 32))
	require.Error(t, err)
}

func TestValidateRejectsWrongScheme(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.ValidateAgentToken(context.Background(), "Bearer something")
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	token, err := v.MintAgentToken(ctx, "u1", "old", &past)
	require.NoError(t, err)

	_, err = v.ValidateAgentToken(ctx, token)
	require.Error(t, err)
}

func TestMintedTokensAreUnique(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	first, err := v.MintAgentToken(ctx, "u1", "a", nil)
	require.NoError(t, err)
	second, err := v.MintAgentToken(ctx, "u1", "b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

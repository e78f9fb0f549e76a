// Package auth provides principal validation for the query endpoint and
// opaque bearer-token validation for local agents.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scintilla-hq/scintilla/pkg/registry"
)

// AgentTokenScheme prefixes every local-agent token.
const AgentTokenScheme = "scat_"

// agentTokenPrefixLen is the number of characters (including the scheme)
// stored in the token_prefix column for lookup.
const agentTokenPrefixLen = 12

// AgentTokenValidator validates scat_ bearer tokens against the registry.
type AgentTokenValidator struct {
	store *registry.Store
}

func NewAgentTokenValidator(store *registry.Store) *AgentTokenValidator {
	return &AgentTokenValidator{store: store}
}

// MintAgentToken creates a new token for the user and returns the one-time
// plaintext secret. Only the SHA-256 hash and a short prefix are stored.
func (v *AgentTokenValidator) MintAgentToken(ctx context.Context, userID, name string, expiresAt *time.Time) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	token := AgentTokenScheme + hex.EncodeToString(secret)
	hash := sha256.Sum256([]byte(token))

	record := &registry.AgentToken{
		TokenID:     uuid.New().String(),
		UserID:      userID,
		TokenHash:   hex.EncodeToString(hash[:]),
		TokenPrefix: token[:agentTokenPrefixLen],
		Name:        name,
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}
	if err := v.store.CreateAgentToken(ctx, record); err != nil {
		return "", err
	}
	return token, nil
}

// ValidateAgentToken checks a presented token and returns the owning user id.
func (v *AgentTokenValidator) ValidateAgentToken(ctx context.Context, token string) (string, error) {
	if !strings.HasPrefix(token, AgentTokenScheme) || len(token) < agentTokenPrefixLen {
		return "", fmt.Errorf("invalid agent token format")
	}

	hash := sha256.Sum256([]byte(token))
	hashHex := hex.EncodeToString(hash[:])

	candidates, err := v.store.ListAgentTokensByPrefix(ctx, token[:agentTokenPrefixLen])
	if err != nil {
		return "", fmt.Errorf("failed to look up agent token: %w", err)
	}

	now := time.Now()
	for _, candidate := range candidates {
		if subtle.ConstantTimeCompare([]byte(candidate.TokenHash), []byte(hashHex)) != 1 {
			continue
		}
		if candidate.ExpiresAt != nil && candidate.ExpiresAt.Before(now) {
			return "", fmt.Errorf("agent token expired")
		}
		if err := v.store.TouchAgentToken(ctx, candidate.TokenID); err != nil {
			return "", err
		}
		return candidate.UserID, nil
	}

	return "", fmt.Errorf("unknown agent token")
}

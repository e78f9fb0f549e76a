package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	agentUserContextKey contextKey = "agent_user"
)

// Principal identifies the verified caller of the query endpoint.
type Principal struct {
	UserID string
	Email  string
}

// PrincipalFromRequest returns the principal attached by middleware, if any.
func PrincipalFromRequest(r *http.Request) *Principal {
	if p, ok := r.Context().Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// PrincipalMiddleware attaches a verified principal to each request.
// With a JWT validator configured, the Authorization bearer token is
// validated; otherwise the X-User-ID header is trusted (deployments behind a
// trusted gateway).
func PrincipalMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				userID := r.Header.Get("X-User-ID")
				if userID == "" {
					http.Error(w, `{"error":"missing X-User-ID header"}`, http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), principalContextKey, &Principal{UserID: userID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			principal := &Principal{UserID: claims.Subject, Email: claims.Email}
			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentUserFromRequest returns the user id that owns the presenting agent
// token, if agent middleware ran.
func AgentUserFromRequest(r *http.Request) string {
	if id, ok := r.Context().Value(agentUserContextKey).(string); ok {
		return id
	}
	return ""
}

// AgentTokenMiddleware validates the scat_ bearer token on local-agent
// endpoints.
func AgentTokenMiddleware(validator *AgentTokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				http.Error(w, `{"success":false,"message":"missing agent token"}`, http.StatusUnauthorized)
				return
			}

			userID, err := validator.ValidateAgentToken(r.Context(), tokenString)
			if err != nil {
				http.Error(w, `{"success":false,"message":"invalid agent token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), agentUserContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

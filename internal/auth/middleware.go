package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/merchward/bastion/internal/models"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for storing validated token claims in context
	ClaimsContextKey contextKey = "claims"
)

// SessionChecker verifies that the session an access token references still
// exists, so revocation takes effect before the token expires.
type SessionChecker interface {
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// RequireSession validates the bearer access token, confirms its session has
// not been revoked, and injects the claims into the request context.
func RequireSession(tm *TokenManager, sessions SessionChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			// Step-up tokens only authorize the second-factor endpoints
			if claims.Type != models.TokenTypeAccess || claims.SessionID == "" {
				http.Error(w, "token cannot be used for API access", http.StatusUnauthorized)
				return
			}

			exists, err := sessions.SessionExists(r.Context(), claims.SessionID)
			if err != nil {
				http.Error(w, "unable to verify session", http.StatusServiceUnavailable)
				return
			}
			if !exists {
				http.Error(w, "session has been revoked", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves validated claims placed by RequireSession.
func ClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*models.TokenClaims)
	return claims, ok
}

package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/config"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
)

type contextKey string

const UserIDKey contextKey = "userID"

// SecretHeader carries the secret shared with the authenticating proxy.
const SecretHeader = "X-Proxy-Secret"

// Identity resolves the caller's user ID. Authentication happens in front of
// this service: when enabled, the proxy forwards the user in cfg.AuthHeader
// and proves itself with the shared secret. When disabled every request is the
// anonymous user.
func Identity(cfg *config.Config) func(http.Handler) http.Handler {
	secret := []byte(cfg.AuthSharedSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled {
				ctx := context.WithValue(r.Context(), UserIDKey, model.AnonymousUserID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), secret) != 1 {
				http.Error(w, `{"error":"Authentication required"}`, http.StatusUnauthorized)
				return
			}

			userID := r.Header.Get(cfg.AuthHeader)
			if userID == "" {
				http.Error(w, `{"error":"Authentication required"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/angrav-gateway/internal/config"
)

// authContextKey is the context key type for the authenticated key name.
type authContextKey struct{}

// AuthMiddleware validates API keys from the Authorization header, the
// X-API-Key header, or an api_key query param (the last so SSE clients
// that can't set headers still authenticate).
type AuthMiddleware struct {
	keys    map[string]string
	enabled bool
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{keys: cfg.Keys, enabled: cfg.Enabled}
}

// Wrap wraps an http.Handler with API key authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		name, ok := am.lookupKey(key)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header,
// api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (string, bool) {
	for name, k := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return name, true
		}
	}
	return "", false
}

// KeyNameFromContext retrieves the authenticated key's configured name.
func KeyNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(authContextKey{}).(string); ok {
		return name
	}
	return ""
}

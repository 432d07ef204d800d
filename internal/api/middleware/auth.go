package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"buildrunner/internal/config"
	"buildrunner/internal/logger"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// APIKeyContextKey is the context key for the API key
const APIKeyContextKey ContextKey = "api_key"

// AuthMiddleware rejects requests without a configured API key
type AuthMiddleware struct {
	apiKeys [][]byte
}

// NewAuthMiddleware creates a new AuthMiddleware instance. Empty keys are ignored.
func NewAuthMiddleware(cfg config.APIConfig) *AuthMiddleware {
	am := &AuthMiddleware{apiKeys: make([][]byte, 0, len(cfg.Keys))}
	for _, key := range cfg.Keys {
		if key != "" {
			am.apiKeys = append(am.apiKeys, []byte(key))
		}
	}
	return am
}

// ValidateAPIKey reports whether apiKey, with or without a Bearer prefix, is configured
func (am *AuthMiddleware) ValidateAPIKey(apiKey string) bool {
	candidate := []byte(strings.TrimSpace(strings.TrimPrefix(apiKey, "Bearer ")))
	if len(candidate) == 0 {
		return false
	}

	// every key is compared so timing does not reveal which one matched
	valid := 0
	for _, key := range am.apiKeys {
		valid |= subtle.ConstantTimeCompare(candidate, key)
	}
	return valid == 1
}

// GetAPIKey extracts the API key from the Authorization header.
// Query parameters are not accepted since they end up in access logs.
func GetAPIKey(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// APIKeyFromContext returns the API key stored by the auth middleware, or "unknown"
func APIKeyFromContext(ctx context.Context) string {
	if apiKey, ok := ctx.Value(APIKeyContextKey).(string); ok && apiKey != "" {
		return apiKey
	}
	return "unknown"
}

// Middleware returns an HTTP handler that validates API keys
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := GetAPIKey(r)
		if !am.ValidateAPIKey(apiKey) {
			logger.Get().WarnContext(r.Context(), "Invalid API key", "ip", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, strings.TrimSpace(apiKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

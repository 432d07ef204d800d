package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"buildrunner/internal/logger"
)

// RequestIDContextKey is the context key for the request ID
const RequestIDContextKey ContextKey = "request_id"

// maxRequestIDLength bounds client supplied request ids
const maxRequestIDLength = 128

// GetRequestID extracts the request ID from the request context
func GetRequestID(r *http.Request) string {
	if requestID, ok := r.Context().Value(RequestIDContextKey).(string); ok {
		return requestID
	}
	return ""
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse the caller's request ID when it looks sane
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
		ctx = logger.WithAttrs(ctx, slog.String("request_id", requestID))
		r = r.WithContext(ctx)

		w.Header().Set("X-Request-ID", requestID)

		logger.Get().InfoContext(ctx, "Request received", "method", r.Method, "path", r.URL.Path, "ip", r.RemoteAddr)

		next.ServeHTTP(w, r)
	})
}

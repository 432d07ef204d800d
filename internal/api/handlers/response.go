package handlers

import (
	"encoding/json"
	"net/http"

	"buildrunner/internal/api/middleware"
	"buildrunner/internal/logger"
)

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().ErrorContext(r.Context(), "Failed to encode response", "error", err, "status", status)
	}
}

// writeErrorWithRequestID writes a standardized error response with optional request ID
func writeErrorWithRequestID(w http.ResponseWriter, r *http.Request, status int, message string) {
	response := map[string]any{
		"error":  message,
		"status": http.StatusText(status),
	}

	// Add request ID if available (from context, not header)
	if r != nil {
		if requestID := middleware.GetRequestID(r); requestID != "" {
			response["request_id"] = requestID
		}
	}

	writeJSON(w, r, status, response)
}

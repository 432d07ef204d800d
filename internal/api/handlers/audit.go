package handlers

import (
	"net/http"
	"strconv"

	"buildrunner/internal/logger"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// AuditHandler handles audit log-related API requests
type AuditHandler struct {
	store AuditStore
}

// NewAuditHandler creates a new AuditHandler instance
func NewAuditHandler(store AuditStore) *AuditHandler {
	return &AuditHandler{store: store}
}

// GetAuditLogs handles the GET /api/v1/audit request
func (h *AuditHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeErrorWithRequestID(w, r, http.StatusServiceUnavailable, "Audit log is not configured")
		return
	}

	limit, offset := pagination(r)
	logs, err := h.store.GetAuditLogs(r.Context(), limit, offset)
	if err != nil {
		logger.Get().ErrorContext(r.Context(), "Failed to get audit logs", "error", err)
		writeErrorWithRequestID(w, r, http.StatusInternalServerError, "Failed to get audit logs")
		return
	}

	writeJSON(w, r, http.StatusOK, logs)
}

// pagination reads limit and offset query parameters, ignoring invalid values
func pagination(r *http.Request) (limit, offset int) {
	limit, offset = defaultPageLimit, 0

	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		limit = min(parsed, maxPageLimit)
	}
	if parsed, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && parsed >= 0 {
		offset = parsed
	}
	return limit, offset
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"buildrunner/internal/api/middleware"
	"buildrunner/internal/engine"
	"buildrunner/internal/logger"
	"buildrunner/internal/storage/models"
)

// AuditStore keeps the audit trail of API calls
type AuditStore interface {
	InsertAuditLog(ctx context.Context, log models.AuditLog) error
	GetAuditLogs(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
}

// JenkinsHandler handles fire-and-forget Jenkins requests
type JenkinsHandler struct {
	jenkinsEngine engine.CIEngine
	audit         AuditStore
	validator     *RequestValidator
}

// NewJenkinsHandler creates a new JenkinsHandler instance
func NewJenkinsHandler(jenkinsEngine engine.CIEngine, audit AuditStore, v *RequestValidator) *JenkinsHandler {
	return &JenkinsHandler{
		jenkinsEngine: jenkinsEngine,
		audit:         audit,
		validator:     v,
	}
}

// TriggerJenkinsBuildRequest represents the request body for triggering a Jenkins build
type TriggerJenkinsBuildRequest struct {
	Job        string            `json:"job" validate:"required,max=255,jobname"`
	Parameters map[string]string `json:"parameters" validate:"max=100,dive,keys,required,max=255,endkeys,max=10240"`
}

// TriggerJenkinsBuild handles the POST /api/v1/trigger/jenkins request
func (h *JenkinsHandler) TriggerJenkinsBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.Get()

	var req TriggerJenkinsBuildRequest
	if !decodeRequest(w, r, h.validator, &req) {
		return
	}

	result, err := h.jenkinsEngine.TriggerBuild(ctx, req.Job, req.Parameters)
	if err != nil {
		log.ErrorContext(ctx, "Failed to trigger Jenkins build", "error", err, "job", req.Job)
		h.recordAudit(r, models.AuditLog{
			Status:  http.StatusBadGateway,
			JobName: req.Job,
			Params:  marshalParams(req.Parameters),
			Result:  "failed",
			Error:   err.Error(),
		})
		writeJSON(w, r, http.StatusBadGateway, result)
		return
	}

	h.recordAudit(r, models.AuditLog{
		Status:  http.StatusOK,
		JobName: req.Job,
		Params:  marshalParams(req.Parameters),
		Result:  "success",
	})
	writeJSON(w, r, http.StatusOK, result)
}

// GetJenkinsBuildStatus handles the GET /api/v1/trigger/jenkins/status?build_id=job/number request
func (h *JenkinsHandler) GetJenkinsBuildStatus(w http.ResponseWriter, r *http.Request) {
	buildID := r.URL.Query().Get("build_id")
	if buildID == "" {
		writeErrorWithRequestID(w, r, http.StatusBadRequest, "build_id is required")
		return
	}

	result, err := h.jenkinsEngine.GetBuildStatus(r.Context(), buildID)
	if err != nil {
		logger.Get().WarnContext(r.Context(), "Failed to get Jenkins build status", "error", err, "build_id", buildID)
		status := http.StatusBadGateway
		if errors.Is(err, engine.ErrInvalidBuildID) {
			status = http.StatusBadRequest
		}
		writeJSON(w, r, status, result)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// recordAudit stores an audit entry for the current request; failures are only logged
func (h *JenkinsHandler) recordAudit(r *http.Request, entry models.AuditLog) {
	insertAudit(r, h.audit, entry)
}

func insertAudit(r *http.Request, audit AuditStore, entry models.AuditLog) {
	if audit == nil {
		return
	}
	entry.Timestamp = time.Now()
	entry.APIKey = middleware.APIKeyFromContext(r.Context())
	entry.Method = r.Method
	entry.Path = r.URL.Path
	if err := audit.InsertAuditLog(r.Context(), entry); err != nil {
		logger.Get().WarnContext(r.Context(), "Failed to write audit log", "error", err)
	}
}

// decodeRequest parses and validates a JSON body, writing the error response on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, v *RequestValidator, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Get().WarnContext(r.Context(), "Failed to parse request body", "error", err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeErrorWithRequestID(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeErrorWithRequestID(w, r, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := v.Validate(dst); err != nil {
		logger.Get().WarnContext(r.Context(), "Invalid request", "error", err)
		writeErrorWithRequestID(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// marshalParams marshals parameters to a JSON string
func marshalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	jsonParams, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(jsonParams)
}

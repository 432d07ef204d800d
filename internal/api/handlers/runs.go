package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"buildrunner/internal/logger"
	"buildrunner/internal/runner"
	"buildrunner/internal/service"
	"buildrunner/internal/storage/models"
)

// RunManager starts and tracks job runs
type RunManager interface {
	Start(ctx context.Context, req service.Request) (*service.Run, error)
	Get(id string) (service.Snapshot, error)
	List() []service.Snapshot
	Console(id string, offset int64) (service.ConsoleChunk, error)
	Cancel(id string) error
}

// RunHistory lists persisted finished runs
type RunHistory interface {
	GetRuns(ctx context.Context, limit, offset int) ([]models.RunRecord, error)
}

// RunsHandler handles job run requests
type RunsHandler struct {
	runs      RunManager
	history   RunHistory
	audit     AuditStore
	validator *RequestValidator
}

// NewRunsHandler creates a new RunsHandler instance
func NewRunsHandler(runs RunManager, history RunHistory, audit AuditStore, v *RequestValidator) *RunsHandler {
	return &RunsHandler{
		runs:      runs,
		history:   history,
		audit:     audit,
		validator: v,
	}
}

// StartRunRequest represents the request body for starting a job run
type StartRunRequest struct {
	Job            string            `json:"job" validate:"required,max=255,jobname"`
	Parameters     map[string]string `json:"parameters" validate:"max=100,dive,keys,required,max=255,endkeys,max=10240"`
	MonitorConsole *bool             `json:"monitor_console"`
}

// StartRun handles the POST /api/v1/runs request. With ?wait=true it
// responds once the run ended, otherwise right after it was started.
func (h *RunsHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !decodeRequest(w, r, h.validator, &req) {
		return
	}

	// the run outlives the request unless the caller waits for it
	run, err := h.runs.Start(context.WithoutCancel(r.Context()), service.Request{
		Job:            req.Job,
		Parameters:     req.Parameters,
		MonitorConsole: req.MonitorConsole,
	})
	if err != nil {
		status := startErrorStatus(err)
		insertAudit(r, h.audit, models.AuditLog{
			Status:  status,
			JobName: req.Job,
			Params:  marshalParams(req.Parameters),
			Result:  "failed",
			Error:   err.Error(),
		})
		writeErrorWithRequestID(w, r, status, err.Error())
		return
	}

	insertAudit(r, h.audit, models.AuditLog{
		Status:  http.StatusAccepted,
		JobName: req.Job,
		Params:  marshalParams(req.Parameters),
		RunID:   run.ID,
		Result:  "started",
	})

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, r, http.StatusAccepted, run.Snapshot())
		return
	}

	select {
	case <-run.Done():
		writeJSON(w, r, runErrorStatus(run.Err()), run.Snapshot())
	case <-r.Context().Done():
		logger.Get().InfoContext(r.Context(), "Client stopped waiting for run", "run_id", run.ID)
		writeJSON(w, r, http.StatusAccepted, run.Snapshot())
	}
}

// ListRuns handles the GET /api/v1/runs request
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.runs.List())
}

// GetRun handles the GET /api/v1/runs/{id} request
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorWithRequestID(w, r, lookupErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// GetRunConsole handles the GET /api/v1/runs/{id}/console?offset=N request
func (h *RunsHandler) GetRunConsole(w http.ResponseWriter, r *http.Request) {
	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeErrorWithRequestID(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	chunk, err := h.runs.Console(chi.URLParam(r, "id"), offset)
	if err != nil {
		writeErrorWithRequestID(w, r, lookupErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, chunk)
}

// CancelRun handles the DELETE /api/v1/runs/{id} request
func (h *RunsHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runs.Cancel(id); err != nil {
		writeErrorWithRequestID(w, r, lookupErrorStatus(err), err.Error())
		return
	}

	insertAudit(r, h.audit, models.AuditLog{
		Status: http.StatusAccepted,
		RunID:  id,
		Result: "cancelled",
	})

	snap, err := h.runs.Get(id)
	if err != nil {
		writeErrorWithRequestID(w, r, lookupErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, snap)
}

// GetRunHistory handles the GET /api/v1/runs/history request
func (h *RunsHandler) GetRunHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeErrorWithRequestID(w, r, http.StatusServiceUnavailable, "Run history is not configured")
		return
	}

	limit, offset := pagination(r)
	runs, err := h.history.GetRuns(r.Context(), limit, offset)
	if err != nil {
		logger.Get().ErrorContext(r.Context(), "Failed to get run history", "error", err)
		writeErrorWithRequestID(w, r, http.StatusInternalServerError, "Failed to get run history")
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func lookupErrorStatus(err error) int {
	if errors.Is(err, service.ErrRunNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// runErrorStatus maps the outcome of a finished run to an HTTP status
func runErrorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, runner.ErrQueueTimeout),
		errors.Is(err, runner.ErrBuildTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

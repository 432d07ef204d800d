package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"buildrunner/internal/api/handlers"
	"buildrunner/internal/api/middleware"
	"buildrunner/internal/config"
	"buildrunner/internal/engine"
	"buildrunner/internal/logger"
	"buildrunner/internal/storage/models"
)

// Version is reported by the root endpoint
var Version = "dev"

// Store is the persistence the API reads and writes
type Store interface {
	Ping(ctx context.Context) error
	InsertAuditLog(ctx context.Context, log models.AuditLog) error
	GetAuditLogs(ctx context.Context, limit, offset int) ([]models.AuditLog, error)
	GetRuns(ctx context.Context, limit, offset int) ([]models.RunRecord, error)
}

// Router represents the API router
type Router struct {
	mux            *chi.Mux
	store          Store
	allowedOrigins []string
}

// NewRouter creates a new Router instance. store may be nil, in which case
// audit and history endpoints answer 503 and health skips the database check.
func NewRouter(
	cfg config.Config,
	jenkinsEngine engine.CIEngine,
	runs handlers.RunManager,
	store Store,
) *Router {
	rt := &Router{
		mux:            chi.NewRouter(),
		store:          store,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	validator := handlers.NewRequestValidator()
	var audit handlers.AuditStore
	var history handlers.RunHistory
	if store != nil {
		audit, history = store, store
	}

	jenkinsHandler := handlers.NewJenkinsHandler(jenkinsEngine, audit, validator)
	auditHandler := handlers.NewAuditHandler(audit)
	runsHandler := handlers.NewRunsHandler(runs, history, audit, validator)
	authMiddleware := middleware.NewAuthMiddleware(cfg.API)

	r := rt.mux
	r.Use(middleware.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LimitBodySize(cfg.Server.MaxBodySize))
	r.Use(rt.corsMiddleware)

	// Public routes
	r.Get("/", rt.index)
	r.Get("/health", rt.health)

	// Protected routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware.Middleware)

		r.Post("/trigger/jenkins", jenkinsHandler.TriggerJenkinsBuild)
		r.Get("/trigger/jenkins/status", jenkinsHandler.GetJenkinsBuildStatus)
		r.Get("/audit", auditHandler.GetAuditLogs)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", runsHandler.StartRun)
			r.Get("/", runsHandler.ListRuns)
			r.Get("/history", runsHandler.GetRunHistory)
			r.Get("/{id}", runsHandler.GetRun)
			r.Get("/{id}/console", runsHandler.GetRunConsole)
			r.Delete("/{id}", runsHandler.CancelRun)
		})
	})

	return rt
}

// ServeHTTP implements the http.Handler interface
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt.mux.ServeHTTP(w, req)
}

func (rt *Router) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"message": "buildrunner API",
		"version": Version,
		"endpoints": []string{
			"/health - Health check",
			"/api/v1/trigger/jenkins - Trigger Jenkins build",
			"/api/v1/trigger/jenkins/status - Get Jenkins build status",
			"/api/v1/runs - Start and list job runs",
			"/api/v1/runs/history - Finished runs",
			"/api/v1/audit - Get audit logs",
		},
	})
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	if rt.store != nil {
		if err := rt.store.Ping(r.Context()); err != nil {
			logger.Get().ErrorContext(r.Context(), "Health check failed", "error", err)
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "healthy"})
}

// corsMiddleware handles CORS headers and preflight requests
func (rt *Router) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")

		if len(rt.allowedOrigins) == 0 {
			// Empty allowed origins means allow all
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			switch {
			case !isValidOrigin(origin):
				logger.Get().WarnContext(req.Context(), "Invalid origin format", "origin", origin)
			case rt.isOriginAllowed(origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				// Not allowed: no CORS headers, same-origin requests still pass
				logger.Get().WarnContext(req.Context(), "Origin not allowed", "origin", origin)
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, req)
	})
}

// isValidOrigin validates the origin format (must be http:// or https://)
func isValidOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

// isOriginAllowed checks if the given origin is in the allowed list
func (rt *Router) isOriginAllowed(origin string) bool {
	for _, allowed := range rt.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().ErrorContext(r.Context(), "Failed to encode response", "error", err)
	}
}

// Package server exposes the engine's operations over HTTP, plus the SSE
// subscription endpoint. It is a thin adapter: every logical operation
// has exactly one route and no business logic of its own.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/quotaguard/quotaguard/internal/backup"
	"github.com/quotaguard/quotaguard/internal/monitor"
	"github.com/quotaguard/quotaguard/internal/quota"
	"github.com/quotaguard/quotaguard/internal/session"
	"github.com/quotaguard/quotaguard/internal/sse"
)

// Server wires the engine components to HTTP routes.
type Server struct {
	manager   *session.Manager
	monitor   *monitor.Monitor
	evaluator *quota.Evaluator
	backups   *backup.Service
	hub       *sse.Broadcaster
	estimator *monitor.Estimator
}

// New creates a server. estimator may be nil; the estimate endpoint then
// responds 503.
func New(manager *session.Manager, mon *monitor.Monitor, evaluator *quota.Evaluator, backups *backup.Service, hub *sse.Broadcaster, estimator *monitor.Estimator) *Server {
	return &Server{
		manager:   manager,
		monitor:   mon,
		evaluator: evaluator,
		backups:   backups,
		hub:       hub,
		estimator: estimator,
	}
}

// Router builds the chi router for all endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/pause", s.handlePauseSession)
				r.Post("/resume", s.handleResumeSession)
				r.Post("/complete", s.handleCompleteSession)
				r.Post("/usage", s.handleRecordUsage)
				r.Get("/usage", s.handleCurrentUsage)
				r.Get("/projection", s.handleProjection)
				r.Post("/checkpoints", s.handleAddCheckpoint)
				r.Get("/checkpoints", s.handleListCheckpoints)
				r.Get("/events", s.handleEvents)
			})
		})

		r.Route("/quota", func(r chi.Router) {
			r.Post("/evaluate", s.handleEvaluateAllocation)
			r.Get("/{tier}", s.handleQuotaUsage)
			r.Post("/{tier}/reset", s.handleQuotaReset)
		})

		r.Route("/backups", func(r chi.Router) {
			r.Post("/", s.handleCreateBackup)
			r.Get("/", s.handleListBackups)
			r.Post("/{backupID}/restore", s.handleRestoreBackup)
		})

		r.Get("/integrity", s.handleValidateIntegrity)
		r.Post("/estimate", s.handleEstimateTokens)
		r.Get("/health", s.handleHealth)
	})

	return r
}

// requestLogger logs each request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

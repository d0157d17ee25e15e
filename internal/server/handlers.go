package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/quotaguard/quotaguard/pkg/models"
)

type createSessionRequest struct {
	Name        string `json:"name"`
	DurationMs  int64  `json:"duration_ms"`
	TokenBudget int64  `json:"token_budget"`
}

type recordUsageRequest struct {
	Tokens    int64  `json:"tokens"`
	Operation string `json:"operation"`
}

type addCheckpointRequest struct {
	Phase       string            `json:"phase"`
	PromptCount int64             `json:"prompt_count"`
	Metadata    map[string]string `json:"metadata"`
}

type evaluateAllocationRequest struct {
	Tier           models.QuotaTier `json:"tier"`
	RequestedHours float64          `json:"requested_hours"`
}

type estimateTokensRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.manager.Create(r.Context(), req.Name, time.Duration(req.DurationMs)*time.Millisecond, req.TokenBudget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Pause(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Complete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if !decode(w, r, &req) {
		return
	}
	total, err := s.monitor.Record(r.Context(), chi.URLParam(r, "sessionID"), req.Tokens, req.Operation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total_used": total})
}

func (s *Server) handleCurrentUsage(w http.ResponseWriter, r *http.Request) {
	total, err := s.monitor.CurrentUsage(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total_used": total})
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	proj, err := s.monitor.Projection(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleAddCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req addCheckpointRequest
	if !decode(w, r, &req) {
		return
	}
	cp, err := s.manager.AddCheckpoint(r.Context(), chi.URLParam(r, "sessionID"), req.Phase, req.PromptCount, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.manager.Checkpoints(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.manager.Get(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.HandleSSE(w, r, sessionID)
}

func (s *Server) handleEvaluateAllocation(w http.ResponseWriter, r *http.Request) {
	var req evaluateAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	alloc, err := s.evaluator.Evaluate(req.Tier, req.RequestedHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.evaluator.Usage(models.QuotaTier(chi.URLParam(r, "tier")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if err := s.evaluator.ResetTier(models.QuotaTier(chi.URLParam(r, "tier"))); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.backups.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	list, err := s.backups.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.backups.Restore(r.Context(), chi.URLParam(r, "backupID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleValidateIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.backups.ValidateIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEstimateTokens(w http.ResponseWriter, r *http.Request) {
	if s.estimator == nil {
		http.Error(w, "token estimation unavailable", http.StatusServiceUnavailable)
		return
	}
	var req estimateTokensRequest
	if !decode(w, r, &req) {
		return
	}
	tokens, err := s.estimator.EstimateTokens(req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"tokens": tokens})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode parses a JSON request body, responding 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *models.ValidationError
		notFoundErr   *models.NotFoundError
		transitionErr *models.InvalidTransitionError
		integrityErr  *models.IntegrityError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &notFoundErr):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &transitionErr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &integrityErr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

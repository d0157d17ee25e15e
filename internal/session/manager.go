// Package session owns session lifecycle: create, pause, resume,
// complete, checkpoint recording, and recovery after restart.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	gdb "github.com/quotaguard/quotaguard/internal/db/gorm"
	"github.com/quotaguard/quotaguard/pkg/models"
)

// UsageTracker is the slice of the token monitor the manager needs.
type UsageTracker interface {
	CurrentUsage(ctx context.Context, sessionID string) (int64, error)
	Flush(ctx context.Context) error
	Seal(sessionID string)
	Unseal(sessionID string)
	Forget(sessionID string)
}

// Publisher receives state-change events for fan-out.
type Publisher interface {
	Publish(event models.Event)
}

// Manager owns the session state machine: active ⇄ paused → completed.
// Status transitions persist synchronously before the caller is
// acknowledged; they are rare and must be durable.
type Manager struct {
	sessions    *gdb.SessionStore
	usage       *gdb.UsageStore
	checkpoints *gdb.CheckpointStore
	tracker     UsageTracker
	hub         Publisher

	// mu serializes transitions per process; per-session granularity is
	// not needed for rare status changes.
	mu sync.Mutex
}

// NewManager creates a session manager. tracker and hub may be nil.
func NewManager(sessions *gdb.SessionStore, usage *gdb.UsageStore, checkpoints *gdb.CheckpointStore, tracker UsageTracker, hub Publisher) *Manager {
	return &Manager{
		sessions:    sessions,
		usage:       usage,
		checkpoints: checkpoints,
		tracker:     tracker,
		hub:         hub,
	}
}

// Create starts a new session in the active state.
func (m *Manager) Create(ctx context.Context, name string, duration time.Duration, tokenBudget int64) (*models.Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, models.NewValidationError("name", "is required")
	}
	if duration < 0 {
		return nil, models.NewValidationError("duration", "must not be negative")
	}
	if tokenBudget < 0 {
		return nil, models.NewValidationError("token_budget", "must not be negative")
	}

	now := time.Now()
	sess := &models.Session{
		ID:          uuid.NewString(),
		Name:        name,
		StartTime:   now,
		Duration:    duration,
		TokenBudget: tokenBudget,
		Status:      models.SessionStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	log.Info().Str("sessionId", sess.ID).Str("name", name).Msg("Session created")
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &models.NotFoundError{Entity: models.EntitySessions, ID: id}
	}
	return sess, nil
}

// List returns all sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]*models.Session, error) {
	return m.sessions.List(ctx)
}

// Pause transitions active → paused. Quota accrual stops being
// attributed to the session; already-recorded usage is kept.
func (m *Manager) Pause(ctx context.Context, id string) (*models.Session, error) {
	return m.transition(ctx, id, models.SessionStatusPaused, func(from models.SessionStatus) bool {
		return from == models.SessionStatusActive
	})
}

// Resume transitions paused → active. It also serves crash recovery:
// resuming a session the store still shows as active re-attaches to it
// and reconciles its total against the usage records.
func (m *Manager) Resume(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &models.NotFoundError{Entity: models.EntitySessions, ID: id}
	}

	switch sess.Status {
	case models.SessionStatusPaused:
		if err := m.sessions.UpdateStatus(ctx, id, models.SessionStatusActive); err != nil {
			return nil, err
		}
		m.publishStatus(id, sess.Status, models.SessionStatusActive)
		sess.Status = models.SessionStatusActive
	case models.SessionStatusActive:
		// Re-attach after restart; no transition.
	default:
		return nil, &models.InvalidTransitionError{SessionID: id, From: sess.Status, To: models.SessionStatusActive}
	}

	if err := m.reconcile(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Complete transitions any non-terminal state to completed. The tracker
// is sealed first so a racing recorder cannot slip usage in behind the
// final flush, then buffered usage is flushed so the terminal total is
// durable.
func (m *Manager) Complete(ctx context.Context, id string) (*models.Session, error) {
	if m.tracker != nil {
		m.tracker.Seal(id)
		if err := m.tracker.Flush(ctx); err != nil {
			m.tracker.Unseal(id)
			return nil, err
		}
	}

	sess, err := m.transition(ctx, id, models.SessionStatusCompleted, func(from models.SessionStatus) bool {
		return !from.Terminal()
	})
	if err != nil {
		// Keep the seal when the session is already terminal; it is
		// correct and dropping it would reopen a racing recorder's window.
		var transitionErr *models.InvalidTransitionError
		if m.tracker != nil && !(errors.As(err, &transitionErr) && transitionErr.Terminal()) {
			m.tracker.Unseal(id)
		}
		return nil, err
	}
	if m.tracker != nil {
		m.tracker.Forget(id)
	}
	log.Info().Str("sessionId", id).Int64("tokensUsed", sess.TokensUsed).Msg("Session completed")
	return sess, nil
}

// AddCheckpoint appends a checkpoint stamped with the session's current
// usage total. Completed sessions accept no further checkpoints.
func (m *Manager) AddCheckpoint(ctx context.Context, id, phase string, promptCount int64, metadata map[string]string) (*models.Checkpoint, error) {
	if strings.TrimSpace(phase) == "" {
		return nil, models.NewValidationError("phase", "is required")
	}
	if promptCount <= 0 {
		return nil, models.NewValidationError("prompt_count", "must be positive")
	}

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, &models.InvalidTransitionError{SessionID: id, From: sess.Status, To: sess.Status}
	}

	tokensUsed := sess.TokensUsed
	if m.tracker != nil {
		if total, err := m.tracker.CurrentUsage(ctx, id); err == nil {
			tokensUsed = total
		}
	}

	cp := &models.Checkpoint{
		ID:          uuid.NewString(),
		SessionID:   id,
		Phase:       phase,
		PromptCount: promptCount,
		Timestamp:   time.Now(),
		TokensUsed:  tokensUsed,
		Metadata:    metadata,
	}
	if err := m.checkpoints.Append(ctx, cp); err != nil {
		return nil, err
	}

	if m.hub != nil {
		m.hub.Publish(models.NewCheckpointEvent(cp))
	}
	return cp, nil
}

// Checkpoints returns a session's checkpoints in timestamp order.
func (m *Manager) Checkpoints(ctx context.Context, id string) ([]*models.Checkpoint, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.checkpoints.ListBySession(ctx, id)
}

// RecoverActiveSessions re-attaches to sessions the store shows as
// active after a restart, reconciling each total against its records.
// Returns the recovered sessions.
func (m *Manager) RecoverActiveSessions(ctx context.Context) ([]*models.Session, error) {
	active, err := m.sessions.ListByStatus(ctx, models.SessionStatusActive)
	if err != nil {
		return nil, err
	}

	recovered := make([]*models.Session, 0, len(active))
	for _, sess := range active {
		if err := m.reconcile(ctx, sess); err != nil {
			log.Error().Err(err).Str("sessionId", sess.ID).Msg("Failed to recover session")
			continue
		}
		recovered = append(recovered, sess)
	}
	log.Info().Int("recovered", len(recovered)).Int("candidates", len(active)).Msg("Session recovery finished")
	return recovered, nil
}

// reconcile re-derives the session total from the usage-record prefix
// sum. Records are the ground truth; the session row is corrected when
// they disagree.
func (m *Manager) reconcile(ctx context.Context, sess *models.Session) error {
	sum, err := m.usage.SumBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if sum != sess.TokensUsed {
		log.Warn().
			Str("sessionId", sess.ID).
			Int64("stored", sess.TokensUsed).
			Int64("recordSum", sum).
			Msg("Session total disagrees with records, correcting from records")
		if err := m.sessions.UpdateTokensUsed(ctx, sess.ID, sum); err != nil {
			return err
		}
		sess.TokensUsed = sum
	}
	return nil
}

// transition applies a guarded status change and persists it before
// returning.
func (m *Manager) transition(ctx context.Context, id string, to models.SessionStatus, allowed func(models.SessionStatus) bool) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &models.NotFoundError{Entity: models.EntitySessions, ID: id}
	}
	if !allowed(sess.Status) {
		return nil, &models.InvalidTransitionError{SessionID: id, From: sess.Status, To: to}
	}

	if err := m.sessions.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	m.publishStatus(id, sess.Status, to)
	sess.Status = to
	sess.UpdatedAt = time.Now()
	return sess, nil
}

func (m *Manager) publishStatus(id string, from, to models.SessionStatus) {
	if m.hub != nil {
		m.hub.Publish(models.NewStatusEvent(id, from, to))
	}
}

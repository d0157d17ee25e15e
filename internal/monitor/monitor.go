// Package monitor records token usage against sessions, serializing
// increments per session and batching writes to the store.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	gdb "github.com/quotaguard/quotaguard/internal/db/gorm"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/pkg/models"
)

const (
	// DefaultFlushInterval bounds how long an accepted record can sit in
	// the buffer before it is durable.
	DefaultFlushInterval = 50 * time.Millisecond
	// DefaultBatchSize triggers an early flush when the buffer fills.
	DefaultBatchSize = 32
	// maxFlushBackoff caps the retry backoff after store failures.
	maxFlushBackoff = 5 * time.Second
)

// Publisher receives state-change events for fan-out. Satisfied by
// sse.Broadcaster.
type Publisher interface {
	Publish(event models.Event)
}

// sessionState is the in-memory accumulator for one session. Its mutex
// is the per-session critical section: no two increments for the same
// session interleave, while different sessions proceed in parallel.
// sealed marks the session terminal; a sealed accumulator accepts no
// further usage.
type sessionState struct {
	mu       sync.Mutex
	sealed   bool
	total    int64
	budget   int64
	duration time.Duration
	started  time.Time
	samples  []usageSample
}

type usageSample struct {
	at     time.Time
	tokens int64
}

// Config tunes the monitor's batching behavior.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
}

// Monitor maintains running totals per session and flushes buffered
// usage records to the store on a short timer or when the batch fills.
type Monitor struct {
	sessions *gdb.SessionStore
	usage    *gdb.UsageStore
	hub      Publisher
	metrics  *metrics.Metrics

	stateMu sync.Mutex
	state   map[string]*sessionState
	// sealed holds terminal tombstones. An entry outlives Forget so a
	// recorder that loaded the store before the terminal status persisted
	// cannot re-install an accumulator for a completed session.
	sealed map[string]struct{}

	bufMu     sync.Mutex
	pending   []*models.UsageRecord
	dirty     map[string]int64
	nextRetry time.Time
	failures  int

	flushInterval time.Duration
	batchSize     int

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. The hub and metrics may be nil.
func NewMonitor(sessions *gdb.SessionStore, usage *gdb.UsageStore, hub Publisher, m *metrics.Metrics, cfg Config) *Monitor {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon := &Monitor{
		sessions:      sessions,
		usage:         usage,
		hub:           hub,
		metrics:       m,
		state:         make(map[string]*sessionState),
		sealed:        make(map[string]struct{}),
		dirty:         make(map[string]int64),
		flushInterval: cfg.FlushInterval,
		batchSize:     cfg.BatchSize,
		flushCh:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	mon.wg.Add(1)
	go mon.flushLoop()
	return mon
}

// Record accepts one usage event for a session. The new cumulative total
// is computed under the session's lock, the record is buffered for the
// next flush, and a token_update event is published. Returns the new
// running total.
func (m *Monitor) Record(ctx context.Context, sessionID string, tokens int64, operation string) (int64, error) {
	if tokens <= 0 {
		return 0, models.NewValidationError("tokens", "must be positive")
	}

	st, err := m.sessionState(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	if st.sealed {
		st.mu.Unlock()
		return 0, terminalError(sessionID)
	}
	now := time.Now()
	st.total += tokens
	st.appendSampleLocked(now, tokens)
	total := st.total
	record := &models.UsageRecord{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		TokensUsed:      tokens,
		Operation:       operation,
		Timestamp:       now,
		CumulativeTotal: total,
	}
	// Buffer while still holding the session lock: the buffer order is
	// the persist order, and a record must never reach the buffer ahead
	// of one with a smaller cumulative total.
	m.bufMu.Lock()
	m.pending = append(m.pending, record)
	m.dirty[sessionID] = total
	full := len(m.pending) >= m.batchSize
	m.bufMu.Unlock()
	st.mu.Unlock()

	if full {
		m.signalFlush()
	}

	m.metrics.RecordUsageEvent(ctx)
	if m.hub != nil {
		m.hub.Publish(models.NewTokenUpdateEvent(sessionID, tokens, operation, total))
		m.metrics.RecordEventPublished(ctx, string(models.EventTokenUpdate))
	}
	return total, nil
}

// CurrentUsage returns the authoritative running total: from memory when
// the session is resident, else reconstructed from the store.
func (m *Monitor) CurrentUsage(ctx context.Context, sessionID string) (int64, error) {
	m.stateMu.Lock()
	st := m.state[sessionID]
	m.stateMu.Unlock()
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.total, nil
	}

	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess == nil {
		return 0, &models.NotFoundError{Entity: models.EntitySessions, ID: sessionID}
	}
	return m.usage.SumBySession(ctx, sessionID)
}

// Seal marks a session terminal for the monitor before the status
// persists: every Record from this point on is rejected, including from
// recorders that raced the completion. Seal before the final flush so
// the flushed batch is the session's last.
func (m *Monitor) Seal(sessionID string) {
	m.stateMu.Lock()
	m.sealed[sessionID] = struct{}{}
	st := m.state[sessionID]
	m.stateMu.Unlock()

	if st != nil {
		st.mu.Lock()
		st.sealed = true
		st.mu.Unlock()
	}
}

// Unseal reopens a session after a completion attempt failed. The store
// status was never persisted as terminal, so usage may flow again.
func (m *Monitor) Unseal(sessionID string) {
	m.stateMu.Lock()
	delete(m.sealed, sessionID)
	st := m.state[sessionID]
	m.stateMu.Unlock()

	if st != nil {
		st.mu.Lock()
		st.sealed = false
		st.mu.Unlock()
	}
}

// Forget drops a session's in-memory accumulator. Call after the session
// completed and its buffered usage flushed. The seal tombstone, if any,
// stays.
func (m *Monitor) Forget(sessionID string) {
	m.stateMu.Lock()
	delete(m.state, sessionID)
	m.stateMu.Unlock()
}

// Flush synchronously persists all buffered records. Used on session
// completion and shutdown.
func (m *Monitor) Flush(ctx context.Context) error {
	return m.flushOnce(ctx, true)
}

// Close stops the flush loop after a final flush attempt.
func (m *Monitor) Close() error {
	m.cancel()
	m.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.flushOnce(ctx, true)
}

// sessionState returns the accumulator for a session, loading it from
// the store on first touch.
func (m *Monitor) sessionState(ctx context.Context, sessionID string) (*sessionState, error) {
	m.stateMu.Lock()
	if _, ok := m.sealed[sessionID]; ok {
		m.stateMu.Unlock()
		return nil, terminalError(sessionID)
	}
	if st, ok := m.state[sessionID]; ok {
		m.stateMu.Unlock()
		return st, nil
	}
	m.stateMu.Unlock()

	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &models.NotFoundError{Entity: models.EntitySessions, ID: sessionID}
	}
	if sess.Status.Terminal() {
		return nil, &models.InvalidTransitionError{SessionID: sessionID, From: sess.Status, To: sess.Status}
	}

	// Records are the ground truth for the running total.
	total, err := m.usage.SumBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	// The session may have been sealed while we read the store; the
	// stale status read must not re-install an accumulator.
	if _, ok := m.sealed[sessionID]; ok {
		return nil, terminalError(sessionID)
	}
	if st, ok := m.state[sessionID]; ok {
		return st, nil
	}
	st := &sessionState{
		total:    total,
		budget:   sess.TokenBudget,
		duration: sess.Duration,
		started:  sess.StartTime,
	}
	m.state[sessionID] = st
	return st, nil
}

func terminalError(sessionID string) error {
	return &models.InvalidTransitionError{
		SessionID: sessionID,
		From:      models.SessionStatusCompleted,
		To:        models.SessionStatusCompleted,
	}
}

func (m *Monitor) signalFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			_ = m.flushOnce(context.Background(), false)
		case <-m.flushCh:
			_ = m.flushOnce(context.Background(), false)
		}
	}
}

// flushOnce drains the buffer and persists it. On store failure the
// batch is requeued in order and retried with exponential backoff;
// accepted totals are never dropped. force skips the backoff gate.
func (m *Monitor) flushOnce(ctx context.Context, force bool) error {
	m.bufMu.Lock()
	if len(m.pending) == 0 && len(m.dirty) == 0 {
		m.bufMu.Unlock()
		return nil
	}
	if !force && time.Now().Before(m.nextRetry) {
		m.bufMu.Unlock()
		return nil
	}
	records := m.pending
	totals := m.dirty
	m.pending = nil
	m.dirty = make(map[string]int64)
	m.bufMu.Unlock()

	if err := m.usage.AppendBatch(ctx, records, totals); err != nil {
		m.bufMu.Lock()
		// Requeue ahead of anything recorded meanwhile, preserving
		// per-session persist order.
		m.pending = append(records, m.pending...)
		for id, total := range totals {
			if _, ok := m.dirty[id]; !ok {
				m.dirty[id] = total
			}
		}
		m.failures++
		backoff := m.flushInterval << uint(m.failures)
		if backoff > maxFlushBackoff {
			backoff = maxFlushBackoff
		}
		m.nextRetry = time.Now().Add(backoff)
		m.bufMu.Unlock()

		m.metrics.RecordFlushRetry(ctx)
		log.Error().Err(err).
			Int("records", len(records)).
			Dur("backoff", backoff).
			Msg("Usage flush failed, will retry")
		return err
	}

	m.bufMu.Lock()
	m.failures = 0
	m.nextRetry = time.Time{}
	m.bufMu.Unlock()

	m.metrics.RecordFlush(ctx, len(records))
	return nil
}

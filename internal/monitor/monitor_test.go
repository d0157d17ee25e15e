package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	gdb "github.com/quotaguard/quotaguard/internal/db/gorm"
	"github.com/quotaguard/quotaguard/pkg/models"
)

// capturingHub records published events for assertions.
type capturingHub struct {
	mu     sync.Mutex
	events []models.Event
}

func (h *capturingHub) Publish(event models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *capturingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// MonitorSuite is a test suite for the token monitor backed by a real
// temp-dir store.
type MonitorSuite struct {
	suite.Suite
	store    *gdb.Store
	sessions *gdb.SessionStore
	usage    *gdb.UsageStore
	hub      *capturingHub
	mon      *Monitor
	ctx      context.Context
}

func (s *MonitorSuite) SetupTest() {
	tmpDir, err := os.MkdirTemp("", "monitor_test_*")
	s.Require().NoError(err)
	s.T().Cleanup(func() { os.RemoveAll(tmpDir) })

	s.store, err = gdb.NewStore(gdb.Config{
		Path:     filepath.Join(tmpDir, "test.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { s.store.Close() })

	s.sessions = gdb.NewSessionStore(s.store)
	s.usage = gdb.NewUsageStore(s.store)
	s.hub = &capturingHub{}
	s.mon = NewMonitor(s.sessions, s.usage, s.hub, nil, Config{})
	s.T().Cleanup(func() { s.mon.Close() })
	s.ctx = context.Background()
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) createSession(budget int64) *models.Session {
	now := time.Now()
	sess := &models.Session{
		ID:          uuid.NewString(),
		Name:        "test",
		StartTime:   now,
		TokenBudget: budget,
		Status:      models.SessionStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.Require().NoError(s.sessions.Create(s.ctx, sess))
	return sess
}

func (s *MonitorSuite) TestRecordAccumulates() {
	sess := s.createSession(0)

	total, err := s.mon.Record(s.ctx, sess.ID, 100, "generate")
	s.Require().NoError(err)
	s.Equal(int64(100), total)

	total, err = s.mon.Record(s.ctx, sess.ID, 50, "review")
	s.Require().NoError(err)
	s.Equal(int64(150), total)

	got, err := s.mon.CurrentUsage(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(int64(150), got)

	s.Equal(2, s.hub.count())
}

func (s *MonitorSuite) TestRecordValidation() {
	sess := s.createSession(0)

	var validationErr *models.ValidationError
	_, err := s.mon.Record(s.ctx, sess.ID, 0, "x")
	s.ErrorAs(err, &validationErr)
	_, err = s.mon.Record(s.ctx, sess.ID, -5, "x")
	s.ErrorAs(err, &validationErr)
}

func (s *MonitorSuite) TestRecordUnknownSession() {
	var notFoundErr *models.NotFoundError
	_, err := s.mon.Record(s.ctx, "no-such-session", 10, "x")
	s.ErrorAs(err, &notFoundErr)
}

func (s *MonitorSuite) TestRecordCompletedSessionRejected() {
	sess := s.createSession(0)
	s.Require().NoError(s.sessions.UpdateStatus(s.ctx, sess.ID, models.SessionStatusCompleted))

	var transitionErr *models.InvalidTransitionError
	_, err := s.mon.Record(s.ctx, sess.ID, 10, "x")
	s.ErrorAs(err, &transitionErr)
}

func (s *MonitorSuite) TestConcurrentIncrementsSerialized() {
	sess := s.createSession(0)

	const goroutines = 10
	const perGoroutine = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := s.mon.Record(s.ctx, sess.ID, 2, "generate")
				s.NoError(err)
			}
		}()
	}
	wg.Wait()

	total, err := s.mon.CurrentUsage(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(int64(goroutines*perGoroutine*2), total)

	s.Require().NoError(s.mon.Flush(s.ctx))

	// Persisted records must hold the strictly-increasing prefix sums.
	records, err := s.usage.ListBySession(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().Len(records, goroutines*perGoroutine)

	seen := make(map[int64]bool, len(records))
	for _, r := range records {
		s.False(seen[r.CumulativeTotal], "cumulative totals must be unique")
		seen[r.CumulativeTotal] = true
	}

	sum, err := s.usage.SumBySession(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(total, sum)
}

func (s *MonitorSuite) TestSealRejectsFurtherUsage() {
	sess := s.createSession(0)

	_, err := s.mon.Record(s.ctx, sess.ID, 50, "generate")
	s.Require().NoError(err)

	s.mon.Seal(sess.ID)

	var transitionErr *models.InvalidTransitionError
	_, err = s.mon.Record(s.ctx, sess.ID, 10, "generate")
	s.Require().ErrorAs(err, &transitionErr)
	s.True(transitionErr.Terminal())

	// A failed completion reopens the session.
	s.mon.Unseal(sess.ID)
	total, err := s.mon.Record(s.ctx, sess.ID, 10, "generate")
	s.Require().NoError(err)
	s.Equal(int64(60), total)
}

func (s *MonitorSuite) TestSealSurvivesForget() {
	sess := s.createSession(0)

	_, err := s.mon.Record(s.ctx, sess.ID, 25, "generate")
	s.Require().NoError(err)
	s.mon.Seal(sess.ID)
	s.Require().NoError(s.mon.Flush(s.ctx))
	s.mon.Forget(sess.ID)

	// Forget drops the accumulator but not the tombstone, so the store
	// state cannot be re-loaded into a fresh accumulator.
	var transitionErr *models.InvalidTransitionError
	_, err = s.mon.Record(s.ctx, sess.ID, 10, "generate")
	s.ErrorAs(err, &transitionErr)
}

func (s *MonitorSuite) TestFlushedOrderMatchesCumulativeOrder() {
	sess := s.createSession(0)
	mon := NewMonitor(s.sessions, s.usage, nil, nil, Config{
		FlushInterval: time.Millisecond,
		BatchSize:     2,
	})
	defer mon.Close()

	const goroutines = 8
	const perGoroutine = 40
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := mon.Record(s.ctx, sess.ID, 1, "generate")
				s.NoError(err)
			}
		}()
	}
	wg.Wait()
	s.Require().NoError(mon.Flush(s.ctx))

	// Insertion order must follow cumulative order: a record may never
	// be persisted ahead of one with a smaller running total.
	var totals []int64
	err := s.store.DB.
		Raw("SELECT cumulative_total FROM usage_records WHERE session_id = ? ORDER BY rowid", sess.ID).
		Scan(&totals).Error
	s.Require().NoError(err)
	s.Require().Len(totals, goroutines*perGoroutine)
	for i := 1; i < len(totals); i++ {
		s.Greater(totals[i], totals[i-1], "persist order inverted at index %d", i)
	}
}

func (s *MonitorSuite) TestCurrentUsageFromStoreAfterForget() {
	sess := s.createSession(0)

	_, err := s.mon.Record(s.ctx, sess.ID, 75, "generate")
	s.Require().NoError(err)
	s.Require().NoError(s.mon.Flush(s.ctx))

	s.mon.Forget(sess.ID)

	total, err := s.mon.CurrentUsage(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(int64(75), total)
}

func (s *MonitorSuite) TestFlushOnTimer() {
	sess := s.createSession(0)

	_, err := s.mon.Record(s.ctx, sess.ID, 30, "generate")
	s.Require().NoError(err)

	// The 50ms ticker should persist the record without an explicit
	// flush.
	s.Eventually(func() bool {
		sum, err := s.usage.SumBySession(s.ctx, sess.ID)
		return err == nil && sum == 30
	}, 2*time.Second, 20*time.Millisecond)
}

func (s *MonitorSuite) TestBatchSizeTriggersFlush() {
	sess := s.createSession(0)
	mon := NewMonitor(s.sessions, s.usage, nil, nil, Config{
		FlushInterval: time.Hour, // only the batch threshold can flush
		BatchSize:     4,
	})
	defer mon.Close()

	for i := 0; i < 4; i++ {
		_, err := mon.Record(s.ctx, sess.ID, 10, "generate")
		s.Require().NoError(err)
	}

	s.Eventually(func() bool {
		sum, err := s.usage.SumBySession(s.ctx, sess.ID)
		return err == nil && sum == 40
	}, 2*time.Second, 20*time.Millisecond)
}

func (s *MonitorSuite) TestProjection() {
	sess := s.createSession(10000)

	for i := 0; i < 12; i++ {
		_, err := s.mon.Record(s.ctx, sess.ID, 100, "generate")
		s.Require().NoError(err)
		time.Sleep(5 * time.Millisecond)
	}

	proj, err := s.mon.Projection(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Greater(proj.CurrentRate, 0.0)
	s.Greater(proj.Confidence, 0.0)
	s.LessOrEqual(proj.Confidence, 1.0)
	s.Require().NotNil(proj.TimeToExhaustion)
	s.Greater(*proj.TimeToExhaustion, time.Duration(0))
}

func (s *MonitorSuite) TestProjectionNoHistory() {
	sess := s.createSession(10000)

	proj, err := s.mon.Projection(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Zero(proj.CurrentRate)
	s.Zero(proj.Confidence)
	s.Nil(proj.TimeToExhaustion)
}

func (s *MonitorSuite) TestProjectionUnknownSession() {
	var notFoundErr *models.NotFoundError
	_, err := s.mon.Projection(s.ctx, "no-such-session")
	s.ErrorAs(err, &notFoundErr)
}

package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	gdb "github.com/quotaguard/quotaguard/internal/db/gorm"
	"github.com/quotaguard/quotaguard/internal/monitor"
	"github.com/quotaguard/quotaguard/pkg/models"
)

// ManagerSuite is a test suite for Manager operations backed by a real
// temp-dir store.
type ManagerSuite struct {
	suite.Suite
	store   *gdb.Store
	usage   *gdb.UsageStore
	mon     *monitor.Monitor
	manager *Manager
	ctx     context.Context
}

func (s *ManagerSuite) SetupTest() {
	tmpDir, err := os.MkdirTemp("", "session_test_*")
	s.Require().NoError(err)
	s.T().Cleanup(func() { os.RemoveAll(tmpDir) })

	s.store, err = gdb.NewStore(gdb.Config{
		Path:     filepath.Join(tmpDir, "test.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { s.store.Close() })

	sessions := gdb.NewSessionStore(s.store)
	s.usage = gdb.NewUsageStore(s.store)
	checkpoints := gdb.NewCheckpointStore(s.store)

	s.mon = monitor.NewMonitor(sessions, s.usage, nil, nil, monitor.Config{})
	s.T().Cleanup(func() { s.mon.Close() })

	s.manager = NewManager(sessions, s.usage, checkpoints, s.mon, nil)
	s.ctx = context.Background()
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) TestCreateSession() {
	sess, err := s.manager.Create(s.ctx, "research", 2*time.Hour, 100000)
	s.Require().NoError(err)
	s.NotEmpty(sess.ID)
	s.Equal(models.SessionStatusActive, sess.Status)
	s.Zero(sess.TokensUsed)

	got, err := s.manager.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(sess.ID, got.ID)
}

func (s *ManagerSuite) TestCreateValidation() {
	var validationErr *models.ValidationError

	_, err := s.manager.Create(s.ctx, "", time.Hour, 0)
	s.ErrorAs(err, &validationErr)

	_, err = s.manager.Create(s.ctx, "x", -time.Hour, 0)
	s.ErrorAs(err, &validationErr)

	_, err = s.manager.Create(s.ctx, "x", time.Hour, -1)
	s.ErrorAs(err, &validationErr)
}

func (s *ManagerSuite) TestPauseResume() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	paused, err := s.manager.Pause(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusPaused, paused.Status)

	// Pausing a paused session is an invalid transition.
	_, err = s.manager.Pause(s.ctx, sess.ID)
	var transitionErr *models.InvalidTransitionError
	s.ErrorAs(err, &transitionErr)

	resumed, err := s.manager.Resume(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusActive, resumed.Status)
}

func (s *ManagerSuite) TestResumeActiveReattaches() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	// Resuming a still-active session is crash recovery, not an error.
	resumed, err := s.manager.Resume(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusActive, resumed.Status)
}

func (s *ManagerSuite) TestResumeMissing() {
	_, err := s.manager.Resume(s.ctx, "no-such-session")
	var notFoundErr *models.NotFoundError
	s.ErrorAs(err, &notFoundErr)
}

func (s *ManagerSuite) TestCompleteIsTerminal() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	completed, err := s.manager.Complete(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusCompleted, completed.Status)

	var transitionErr *models.InvalidTransitionError
	_, err = s.manager.Pause(s.ctx, sess.ID)
	s.ErrorAs(err, &transitionErr)
	_, err = s.manager.Resume(s.ctx, sess.ID)
	s.ErrorAs(err, &transitionErr)
	_, err = s.manager.Complete(s.ctx, sess.ID)
	s.ErrorAs(err, &transitionErr)
}

func (s *ManagerSuite) TestCompleteFromPaused() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)
	_, err = s.manager.Pause(s.ctx, sess.ID)
	s.Require().NoError(err)

	completed, err := s.manager.Complete(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusCompleted, completed.Status)
}

func (s *ManagerSuite) TestCompleteFlushesUsage() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	_, err = s.mon.Record(s.ctx, sess.ID, 120, "generate")
	s.Require().NoError(err)
	_, err = s.mon.Record(s.ctx, sess.ID, 80, "review")
	s.Require().NoError(err)

	_, err = s.manager.Complete(s.ctx, sess.ID)
	s.Require().NoError(err)

	got, err := s.manager.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(int64(200), got.TokensUsed)
}

func (s *ManagerSuite) TestAddCheckpoint() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	_, err = s.mon.Record(s.ctx, sess.ID, 50, "generate")
	s.Require().NoError(err)

	cp, err := s.manager.AddCheckpoint(s.ctx, sess.ID, "analysis", 3, map[string]string{"model": "large"})
	s.Require().NoError(err)
	s.Equal("analysis", cp.Phase)
	s.Equal(int64(50), cp.TokensUsed)

	cps, err := s.manager.Checkpoints(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().Len(cps, 1)
	s.Equal(cp.ID, cps[0].ID)
	s.Equal("large", cps[0].Metadata["model"])
}

func (s *ManagerSuite) TestAddCheckpointValidation() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	var validationErr *models.ValidationError
	_, err = s.manager.AddCheckpoint(s.ctx, sess.ID, "", 1, nil)
	s.ErrorAs(err, &validationErr)
	_, err = s.manager.AddCheckpoint(s.ctx, sess.ID, "phase", 0, nil)
	s.ErrorAs(err, &validationErr)
}

func (s *ManagerSuite) TestAddCheckpointOnCompletedFails() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)
	_, err = s.manager.Complete(s.ctx, sess.ID)
	s.Require().NoError(err)

	var transitionErr *models.InvalidTransitionError
	_, err = s.manager.AddCheckpoint(s.ctx, sess.ID, "phase", 1, nil)
	s.ErrorAs(err, &transitionErr)
	s.True(transitionErr.Terminal())
}

func (s *ManagerSuite) TestRecoveryReconcilesTotals() {
	sess, err := s.manager.Create(s.ctx, "work", 0, 0)
	s.Require().NoError(err)

	_, err = s.mon.Record(s.ctx, sess.ID, 100, "generate")
	s.Require().NoError(err)
	s.Require().NoError(s.mon.Flush(s.ctx))

	// Simulate a stale stored total, as after a crash between the
	// record insert and the session update.
	sessions := gdb.NewSessionStore(s.store)
	s.Require().NoError(sessions.UpdateTokensUsed(s.ctx, sess.ID, 9999))

	recovered, err := s.manager.RecoverActiveSessions(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(recovered, 1)
	s.Equal(int64(100), recovered[0].TokensUsed)

	got, err := s.manager.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(int64(100), got.TokensUsed)
}

func (s *ManagerSuite) TestConcurrentRecordAndComplete() {
	// A recorder racing the completion must never land usage in a
	// completed session: once Complete returns, the durable record sum
	// and the session row both equal exactly what was accepted.
	for i := 0; i < 20; i++ {
		sess, err := s.manager.Create(s.ctx, "race", 0, 0)
		s.Require().NoError(err)

		var accepted atomic.Int64
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, err := s.mon.Record(s.ctx, sess.ID, 10, "generate"); err != nil {
					var transitionErr *models.InvalidTransitionError
					s.ErrorAs(err, &transitionErr)
					return
				}
				accepted.Add(10)
			}
		}()

		time.Sleep(time.Millisecond)
		_, err = s.manager.Complete(s.ctx, sess.ID)
		s.Require().NoError(err)
		<-done

		sum, err := s.usage.SumBySession(s.ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(accepted.Load(), sum, "tokens accepted into a terminal session")

		got, err := s.manager.Get(s.ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(accepted.Load(), got.TokensUsed)
	}
}

func (s *ManagerSuite) TestConcurrentCreates() {
	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sess, err := s.manager.Create(s.ctx, "burst", 0, 0)
			if err != nil {
				errs[idx] = err
				return
			}
			ids[idx] = sess.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		s.Require().NoError(errs[i])
		s.False(seen[ids[i]], "session ids must be distinct")
		seen[ids[i]] = true

		got, err := s.manager.Get(s.ctx, ids[i])
		s.Require().NoError(err)
		s.Equal(ids[i], got.ID)
	}
}

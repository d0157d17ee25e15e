package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// SessionStoreSuite tests session persistence.
type SessionStoreSuite struct {
	suite.Suite
	store    *Store
	sessions *SessionStore
	ctx      context.Context
}

func (s *SessionStoreSuite) SetupTest() {
	s.store = newTestStore(s.T())
	s.sessions = NewSessionStore(s.store)
	s.ctx = context.Background()
}

func TestSessionStoreSuite(t *testing.T) {
	suite.Run(t, new(SessionStoreSuite))
}

func (s *SessionStoreSuite) TestCreateAndGet() {
	now := time.Now()
	sess := &models.Session{
		ID:          uuid.NewString(),
		Name:        "research",
		StartTime:   now,
		Duration:    2 * time.Hour,
		TokenBudget: 100000,
		Status:      models.SessionStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.Require().NoError(s.sessions.Create(s.ctx, sess))

	got, err := s.sessions.GetByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("research", got.Name)
	s.Equal(models.SessionStatusActive, got.Status)
	s.Equal(2*time.Hour, got.Duration)
	s.Equal(int64(100000), got.TokenBudget)
}

func (s *SessionStoreSuite) TestGetMissing() {
	got, err := s.sessions.GetByID(s.ctx, "no-such-id")
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *SessionStoreSuite) TestUpdateStatus() {
	sess := s.create("one")
	s.Require().NoError(s.sessions.UpdateStatus(s.ctx, sess.ID, models.SessionStatusPaused))

	got, err := s.sessions.GetByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusPaused, got.Status)
}

func (s *SessionStoreSuite) TestListByStatus() {
	a := s.create("a")
	s.create("b")
	s.Require().NoError(s.sessions.UpdateStatus(s.ctx, a.ID, models.SessionStatusCompleted))

	active, err := s.sessions.ListByStatus(s.ctx, models.SessionStatusActive)
	s.Require().NoError(err)
	s.Len(active, 1)
	s.Equal("b", active[0].Name)
}

func (s *SessionStoreSuite) TestCount() {
	s.create("a")
	s.create("b")
	n, err := s.sessions.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), n)
}

func (s *SessionStoreSuite) create(name string) *models.Session {
	now := time.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Name:      name,
		StartTime: now,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Require().NoError(s.sessions.Create(s.ctx, sess))
	return sess
}

package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// SessionStore provides session-related database operations.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB}
}

// Create persists a new session.
func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	return s.db.WithContext(ctx).Create(fromModelSession(sess)).Error
}

// GetByID retrieves a session by id. Returns (nil, nil) when absent.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var row Session
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelSession(&row), nil
}

// List returns all sessions ordered by start time, newest first.
func (s *SessionStore) List(ctx context.Context) ([]*models.Session, error) {
	var rows []Session
	err := s.db.WithContext(ctx).Order("started_at_epoch DESC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelSessions(rows), nil
}

// ListByStatus returns all sessions in the given status.
func (s *SessionStore) ListByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	var rows []Session
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("started_at_epoch DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelSessions(rows), nil
}

// UpdateStatus persists a status transition. Status changes are rare and
// must be durable before the caller is acknowledged, so this writes
// synchronously (never batched).
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           string(status),
			"updated_at":       now.Format(time.RFC3339),
			"updated_at_epoch": now.UnixMilli(),
		}).Error
}

// UpdateTokensUsed persists a session's running total.
func (s *SessionStore) UpdateTokensUsed(ctx context.Context, id string, tokensUsed int64) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"tokens_used":      tokensUsed,
			"updated_at":       now.Format(time.RFC3339),
			"updated_at_epoch": now.UnixMilli(),
		}).Error
}

// Count returns the number of sessions.
func (s *SessionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Session{}).Count(&n).Error
	return n, err
}

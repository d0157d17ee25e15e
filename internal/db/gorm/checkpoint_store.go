package gorm

import (
	"context"

	"gorm.io/gorm"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// CheckpointStore provides checkpoint database operations. Checkpoints
// are append-only; there is no update path.
type CheckpointStore struct {
	db *gorm.DB
}

// NewCheckpointStore creates a new checkpoint store.
func NewCheckpointStore(store *Store) *CheckpointStore {
	return &CheckpointStore{db: store.DB}
}

// Append persists a checkpoint.
func (s *CheckpointStore) Append(ctx context.Context, cp *models.Checkpoint) error {
	return s.db.WithContext(ctx).Create(fromModelCheckpoint(cp)).Error
}

// ListBySession returns a session's checkpoints in timestamp order.
func (s *CheckpointStore) ListBySession(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	var rows []Checkpoint
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("recorded_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelCheckpoints(rows), nil
}

// Count returns the number of checkpoints.
func (s *CheckpointStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Checkpoint{}).Count(&n).Error
	return n, err
}

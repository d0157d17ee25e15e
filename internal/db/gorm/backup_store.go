package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// BackupStore persists backup snapshots and performs restores. Restore
// spans all entity tables, so it lives here rather than in the per-entity
// stores.
type BackupStore struct {
	db *gorm.DB
}

// NewBackupStore creates a new backup store.
func NewBackupStore(store *Store) *BackupStore {
	return &BackupStore{db: store.DB}
}

// Save persists a backup row. Backups are immutable once written.
func (s *BackupStore) Save(ctx context.Context, row *Backup) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// Get retrieves a backup row by id. Returns (nil, nil) when absent.
func (s *BackupStore) Get(ctx context.Context, id string) (*Backup, error) {
	var row Backup
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns all backup rows, newest first, without contents blobs.
func (s *BackupStore) List(ctx context.Context) ([]Backup, error) {
	var rows []Backup
	err := s.db.WithContext(ctx).
		Omit("contents").
		Order("created_at_epoch DESC").
		Find(&rows).Error
	return rows, err
}

// ListAllUsageRecords returns every usage record ordered by session then
// time, for snapshotting.
func (s *BackupStore) ListAllUsageRecords(ctx context.Context) ([]*models.UsageRecord, error) {
	var rows []UsageRecord
	err := s.db.WithContext(ctx).
		Order("session_id ASC, recorded_at_epoch ASC, cumulative_total ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelUsageRecords(rows), nil
}

// ListAllCheckpoints returns every checkpoint ordered by session then
// time, for snapshotting.
func (s *BackupStore) ListAllCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	var rows []Checkpoint
	err := s.db.WithContext(ctx).
		Order("session_id ASC, recorded_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelCheckpoints(rows), nil
}

// ReplaceAll overwrites the live entity tables with the given snapshot in
// one transaction. Running it twice with the same snapshot yields the
// same final state.
func (s *BackupStore) ReplaceAll(ctx context.Context, sessions []*models.Session, records []*models.UsageRecord, checkpoints []*models.Checkpoint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"usage_records", "checkpoints", "sessions"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}
		for _, sess := range sessions {
			if err := tx.Create(fromModelSession(sess)).Error; err != nil {
				return err
			}
		}
		for _, rec := range records {
			if err := tx.Create(fromModelUsageRecord(rec)).Error; err != nil {
				return err
			}
		}
		for _, cp := range checkpoints {
			if err := tx.Create(fromModelCheckpoint(cp)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

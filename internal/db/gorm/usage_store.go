package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// UsageStore provides usage-record database operations.
type UsageStore struct {
	db *gorm.DB
}

// NewUsageStore creates a new usage store.
func NewUsageStore(store *Store) *UsageStore {
	return &UsageStore{db: store.DB}
}

// AppendBatch persists a batch of usage records and the resulting session
// totals in one transaction. The slice order is the per-session persist
// order; records for one session must already be in cumulative order.
func (s *UsageStore) AppendBatch(ctx context.Context, records []*models.UsageRecord, totals map[string]int64) error {
	if len(records) == 0 && len(totals) == 0 {
		return nil
	}
	rows := make([]*UsageRecord, 0, len(records))
	for _, r := range records {
		rows = append(rows, fromModelUsageRecord(r))
	}
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		for sessionID, total := range totals {
			err := tx.Model(&Session{}).
				Where("id = ?", sessionID).
				Updates(map[string]interface{}{
					"tokens_used":      total,
					"updated_at":       now.Format(time.RFC3339),
					"updated_at_epoch": now.UnixMilli(),
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListBySession returns a session's records in timestamp order (ties
// broken by cumulative total, which is strictly increasing).
func (s *UsageStore) ListBySession(ctx context.Context, sessionID string) ([]*models.UsageRecord, error) {
	var rows []UsageRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("recorded_at_epoch ASC, cumulative_total ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelUsageRecords(rows), nil
}

// SumBySession returns the prefix sum of a session's records. This is the
// ground truth for the session's running total.
func (s *UsageStore) SumBySession(ctx context.Context, sessionID string) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&UsageRecord{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(SUM(tokens_used), 0)").
		Scan(&sum).Error
	return sum, err
}

// ListRecent returns a session's records within the trailing window,
// oldest first. Used for burn-rate projections.
func (s *UsageStore) ListRecent(ctx context.Context, sessionID string, since time.Time) ([]*models.UsageRecord, error) {
	var rows []UsageRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND recorded_at_epoch >= ?", sessionID, since.UnixMilli()).
		Order("recorded_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelUsageRecords(rows), nil
}

// Count returns the number of usage records.
func (s *UsageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&UsageRecord{}).Count(&n).Error
	return n, err
}

package gorm

import (
	"time"

	"gorm.io/gorm"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// GORM models. Timestamps are stored as epoch milliseconds alongside an
// RFC3339 string for readability in ad-hoc queries, matching the rest of
// the schema conventions.

// Session represents a tracked work session.
type Session struct {
	ID          string `gorm:"primaryKey;type:text"`
	Name        string `gorm:"index;not null"`
	Status      string `gorm:"type:text;check:status IN ('active', 'paused', 'completed');default:'active';index"`
	TokenBudget int64  `gorm:"default:0"`
	TokensUsed  int64  `gorm:"default:0"`
	DurationMs  int64  `gorm:"default:0"`

	StartedAt      string `gorm:"not null"`
	StartedAtEpoch int64  `gorm:"index:idx_sessions_started,sort:desc;not null"`
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
	UpdatedAt      string `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"not null"`
}

func (Session) TableName() string { return "sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.StartedAtEpoch == 0 {
		s.StartedAtEpoch = now.UnixMilli()
	}
	if s.StartedAt == "" {
		s.StartedAt = now.Format(time.RFC3339)
	}
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now.UnixMilli()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = now.Format(time.RFC3339)
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now.UnixMilli()
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = now.Format(time.RFC3339)
	}
	return nil
}

// UsageRecord represents one immutable usage entry.
type UsageRecord struct {
	ID              string `gorm:"primaryKey;type:text"`
	SessionID       string `gorm:"index:idx_usage_session;index:idx_usage_session_time,priority:1;not null"`
	TokensUsed      int64  `gorm:"not null"`
	Operation       string `gorm:"type:text"`
	CumulativeTotal int64  `gorm:"not null"`

	RecordedAt      string `gorm:"not null"`
	RecordedAtEpoch int64  `gorm:"index:idx_usage_session_time,priority:2;not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// BeforeCreate hook to ensure timestamps are set.
func (r *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if r.RecordedAtEpoch == 0 {
		r.RecordedAtEpoch = time.Now().UnixMilli()
	}
	if r.RecordedAt == "" {
		r.RecordedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// Checkpoint represents an append-only progress marker.
type Checkpoint struct {
	ID          string               `gorm:"primaryKey;type:text"`
	SessionID   string               `gorm:"index:idx_checkpoints_session;not null"`
	Phase       string               `gorm:"type:text;not null"`
	PromptCount int64                `gorm:"not null"`
	TokensUsed  int64                `gorm:"default:0"`
	Metadata    models.JSONStringMap `gorm:"type:text"`

	RecordedAt      string `gorm:"not null"`
	RecordedAtEpoch int64  `gorm:"index:idx_checkpoints_time,sort:desc;not null"`
}

func (Checkpoint) TableName() string { return "checkpoints" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Checkpoint) BeforeCreate(tx *gorm.DB) error {
	if c.RecordedAtEpoch == 0 {
		c.RecordedAtEpoch = time.Now().UnixMilli()
	}
	if c.RecordedAt == "" {
		c.RecordedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// Backup represents an immutable snapshot. Manifest and Contents are
// JSON blobs; Contents holds the serialized entity groups.
type Backup struct {
	ID              string `gorm:"primaryKey;type:text"`
	Manifest        string `gorm:"type:text;not null"`
	Contents        []byte `gorm:"type:blob;not null"`
	SessionCount    int    `gorm:"default:0"`
	RecordCount     int    `gorm:"default:0"`
	CheckpointCount int    `gorm:"default:0"`

	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"index:idx_backups_created,sort:desc;not null"`
}

func (Backup) TableName() string { return "backups" }

// BeforeCreate hook to ensure timestamps are set.
func (b *Backup) BeforeCreate(tx *gorm.DB) error {
	if b.CreatedAtEpoch == 0 {
		b.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if b.CreatedAt == "" {
		b.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

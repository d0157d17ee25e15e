package models

import "time"

// EntityKind names one durable entity group in a backup.
type EntityKind string

const (
	EntitySessions     EntityKind = "sessions"
	EntityUsageRecords EntityKind = "usage_records"
	EntityCheckpoints  EntityKind = "checkpoints"
	EntityBackups      EntityKind = "backups"
)

// GroupManifest describes one entity group inside a backup: how many
// records it holds and the checksum of their canonical serialization.
type GroupManifest struct {
	Entity   EntityKind `json:"entity"`
	Count    int        `json:"count"`
	Checksum string     `json:"checksum"`
}

// Backup is an immutable snapshot of all entity tables.
type Backup struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Contents  []GroupManifest `json:"contents"`
	Metadata  BackupMetadata  `json:"metadata"`
}

// BackupMetadata summarizes what a snapshot includes.
type BackupMetadata struct {
	SessionCount    int `json:"session_count"`
	RecordCount     int `json:"record_count"`
	CheckpointCount int `json:"checkpoint_count"`
}

// IntegritySeverity classifies an integrity violation. Low-severity
// issues may be auto-repaired; high-severity issues are only reported.
type IntegritySeverity string

const (
	SeverityLow  IntegritySeverity = "low"
	SeverityHigh IntegritySeverity = "high"
)

// IntegrityIssue is one violation found by an integrity walk.
type IntegrityIssue struct {
	Severity    IntegritySeverity `json:"severity"`
	Entity      EntityKind        `json:"entity"`
	EntityID    string            `json:"entity_id"`
	Description string            `json:"description"`
	Repaired    bool              `json:"repaired"`
}

// IntegrityReport is the outcome of one integrity validation run.
type IntegrityReport struct {
	CheckedSessions    int              `json:"checked_sessions"`
	CheckedRecords     int              `json:"checked_records"`
	CheckedCheckpoints int              `json:"checked_checkpoints"`
	Issues             []IntegrityIssue `json:"issues"`
	RepairedCount      int              `json:"repaired_count"`
	ManualCount        int              `json:"manual_count"`
}

// Clean reports whether the walk found no violations at all.
func (r IntegrityReport) Clean() bool {
	return len(r.Issues) == 0
}

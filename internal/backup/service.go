// Package backup snapshots the entity tables with per-group checksums,
// restores from snapshots, and validates cross-entity consistency.
package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	gdb "github.com/quotaguard/quotaguard/internal/db/gorm"
	"github.com/quotaguard/quotaguard/pkg/models"
)

// Service implements backup, restore, and integrity validation.
type Service struct {
	sessions *gdb.SessionStore
	usage    *gdb.UsageStore
	backups  *gdb.BackupStore

	// mu serializes snapshot/restore so a restore never interleaves with
	// a snapshot of the same tables.
	mu sync.Mutex
}

// NewService creates a backup service.
func NewService(sessions *gdb.SessionStore, usage *gdb.UsageStore, backups *gdb.BackupStore) *Service {
	return &Service{sessions: sessions, usage: usage, backups: backups}
}

// snapshot is the serialized form of all entity tables, in canonical
// order so checksums are reproducible.
type snapshot struct {
	Sessions     []*models.Session     `json:"sessions"`
	UsageRecords []*models.UsageRecord `json:"usage_records"`
	Checkpoints  []*models.Checkpoint  `json:"checkpoints"`
}

// Create snapshots all sessions, usage records, and checkpoints and
// persists the snapshot with a count and checksum per entity group.
func (s *Service) Create(ctx context.Context) (*models.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.readSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	manifest, err := manifestFor(snap)
	if err != nil {
		return nil, err
	}

	contents, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	now := time.Now()
	row := &gdb.Backup{
		ID:              uuid.NewString(),
		Manifest:        string(manifestJSON),
		Contents:        contents,
		SessionCount:    len(snap.Sessions),
		RecordCount:     len(snap.UsageRecords),
		CheckpointCount: len(snap.Checkpoints),
	}
	if err := s.backups.Save(ctx, row); err != nil {
		return nil, err
	}

	log.Info().
		Str("backupId", row.ID).
		Int("sessions", row.SessionCount).
		Int("records", row.RecordCount).
		Int("checkpoints", row.CheckpointCount).
		Msg("Backup created")

	return &models.Backup{
		ID:        row.ID,
		Timestamp: now,
		Contents:  manifest,
		Metadata: models.BackupMetadata{
			SessionCount:    row.SessionCount,
			RecordCount:     row.RecordCount,
			CheckpointCount: row.CheckpointCount,
		},
	}, nil
}

// Restore overwrites the live entity tables with a backup's contents.
// Restoring the same backup twice yields identical final state. The
// snapshot's checksums are verified before anything is touched.
func (s *Service) Restore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.backups.Get(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return &models.NotFoundError{Entity: models.EntityBackups, ID: id}
	}

	var snap snapshot
	if err := json.Unmarshal(row.Contents, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	var manifest []models.GroupManifest
	if err := json.Unmarshal([]byte(row.Manifest), &manifest); err != nil {
		return fmt.Errorf("unmarshal manifest: %w", err)
	}
	current, err := manifestFor(&snap)
	if err != nil {
		return err
	}
	for i, group := range manifest {
		if i >= len(current) || current[i] != group {
			return &models.IntegrityError{Issues: []models.IntegrityIssue{{
				Severity:    models.SeverityHigh,
				Entity:      group.Entity,
				EntityID:    id,
				Description: "backup contents do not match manifest checksum",
			}}}
		}
	}

	if err := s.backups.ReplaceAll(ctx, snap.Sessions, snap.UsageRecords, snap.Checkpoints); err != nil {
		return err
	}
	log.Info().Str("backupId", id).Msg("Backup restored")
	return nil
}

// Get returns a backup's manifest by id, without its contents.
func (s *Service) Get(ctx context.Context, id string) (*models.Backup, error) {
	row, err := s.backups.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &models.NotFoundError{Entity: models.EntityBackups, ID: id}
	}
	return toModelBackup(row)
}

// List returns all backup manifests, newest first.
func (s *Service) List(ctx context.Context) ([]*models.Backup, error) {
	rows, err := s.backups.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Backup, 0, len(rows))
	for i := range rows {
		b, err := toModelBackup(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func toModelBackup(row *gdb.Backup) (*models.Backup, error) {
	var manifest []models.GroupManifest
	if err := json.Unmarshal([]byte(row.Manifest), &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &models.Backup{
		ID:        row.ID,
		Timestamp: time.UnixMilli(row.CreatedAtEpoch),
		Contents:  manifest,
		Metadata: models.BackupMetadata{
			SessionCount:    row.SessionCount,
			RecordCount:     row.RecordCount,
			CheckpointCount: row.CheckpointCount,
		},
	}, nil
}

// readSnapshot reads all entity tables in canonical order.
func (s *Service) readSnapshot(ctx context.Context) (*snapshot, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	records, err := s.backups.ListAllUsageRecords(ctx)
	if err != nil {
		return nil, err
	}
	checkpoints, err := s.backups.ListAllCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	return &snapshot{Sessions: sessions, UsageRecords: records, Checkpoints: checkpoints}, nil
}

// manifestFor computes the per-group count and checksum of a snapshot.
func manifestFor(snap *snapshot) ([]models.GroupManifest, error) {
	sessionSum, err := checksum(snap.Sessions)
	if err != nil {
		return nil, err
	}
	recordSum, err := checksum(snap.UsageRecords)
	if err != nil {
		return nil, err
	}
	checkpointSum, err := checksum(snap.Checkpoints)
	if err != nil {
		return nil, err
	}
	return []models.GroupManifest{
		{Entity: models.EntitySessions, Count: len(snap.Sessions), Checksum: sessionSum},
		{Entity: models.EntityUsageRecords, Count: len(snap.UsageRecords), Checksum: recordSum},
		{Entity: models.EntityCheckpoints, Count: len(snap.Checkpoints), Checksum: checkpointSum},
	}, nil
}

// checksum is a BLAKE2b-256 digest of the group's canonical JSON.
func checksum(group interface{}) (string, error) {
	data, err := json.Marshal(group)
	if err != nil {
		return "", fmt.Errorf("marshal group: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

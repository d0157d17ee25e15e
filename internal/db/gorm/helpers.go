package gorm

import (
	"time"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// Conversions between GORM rows and domain models.

func toModelSession(s *Session) *models.Session {
	return &models.Session{
		ID:          s.ID,
		Name:        s.Name,
		StartTime:   time.UnixMilli(s.StartedAtEpoch),
		Duration:    time.Duration(s.DurationMs) * time.Millisecond,
		TokenBudget: s.TokenBudget,
		TokensUsed:  s.TokensUsed,
		Status:      models.SessionStatus(s.Status),
		CreatedAt:   time.UnixMilli(s.CreatedAtEpoch),
		UpdatedAt:   time.UnixMilli(s.UpdatedAtEpoch),
	}
}

func toModelSessions(rows []Session) []*models.Session {
	out := make([]*models.Session, 0, len(rows))
	for i := range rows {
		out = append(out, toModelSession(&rows[i]))
	}
	return out
}

func fromModelSession(s *models.Session) *Session {
	return &Session{
		ID:             s.ID,
		Name:           s.Name,
		Status:         string(s.Status),
		TokenBudget:    s.TokenBudget,
		TokensUsed:     s.TokensUsed,
		DurationMs:     s.Duration.Milliseconds(),
		StartedAt:      s.StartTime.Format(time.RFC3339),
		StartedAtEpoch: s.StartTime.UnixMilli(),
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
		CreatedAtEpoch: s.CreatedAt.UnixMilli(),
		UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
		UpdatedAtEpoch: s.UpdatedAt.UnixMilli(),
	}
}

func toModelUsageRecord(r *UsageRecord) *models.UsageRecord {
	return &models.UsageRecord{
		ID:              r.ID,
		SessionID:       r.SessionID,
		TokensUsed:      r.TokensUsed,
		Operation:       r.Operation,
		Timestamp:       time.UnixMilli(r.RecordedAtEpoch),
		CumulativeTotal: r.CumulativeTotal,
	}
}

func toModelUsageRecords(rows []UsageRecord) []*models.UsageRecord {
	out := make([]*models.UsageRecord, 0, len(rows))
	for i := range rows {
		out = append(out, toModelUsageRecord(&rows[i]))
	}
	return out
}

func fromModelUsageRecord(r *models.UsageRecord) *UsageRecord {
	return &UsageRecord{
		ID:              r.ID,
		SessionID:       r.SessionID,
		TokensUsed:      r.TokensUsed,
		Operation:       r.Operation,
		CumulativeTotal: r.CumulativeTotal,
		RecordedAt:      r.Timestamp.Format(time.RFC3339),
		RecordedAtEpoch: r.Timestamp.UnixMilli(),
	}
}

func toModelCheckpoint(c *Checkpoint) *models.Checkpoint {
	return &models.Checkpoint{
		ID:          c.ID,
		SessionID:   c.SessionID,
		Phase:       c.Phase,
		PromptCount: c.PromptCount,
		Timestamp:   time.UnixMilli(c.RecordedAtEpoch),
		TokensUsed:  c.TokensUsed,
		Metadata:    map[string]string(c.Metadata),
	}
}

func toModelCheckpoints(rows []Checkpoint) []*models.Checkpoint {
	out := make([]*models.Checkpoint, 0, len(rows))
	for i := range rows {
		out = append(out, toModelCheckpoint(&rows[i]))
	}
	return out
}

func fromModelCheckpoint(c *models.Checkpoint) *Checkpoint {
	return &Checkpoint{
		ID:              c.ID,
		SessionID:       c.SessionID,
		Phase:           c.Phase,
		PromptCount:     c.PromptCount,
		TokensUsed:      c.TokensUsed,
		Metadata:        models.JSONStringMap(c.Metadata),
		RecordedAt:      c.Timestamp.Format(time.RFC3339),
		RecordedAtEpoch: c.Timestamp.UnixMilli(),
	}
}

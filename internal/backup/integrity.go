package backup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// ValidateIntegrity walks all entities checking referential consistency,
// cumulative-total prefix consistency, and duplicate ids. A session total
// that disagrees with its records is low severity and repaired in place
// (records are the ground truth). Orphaned records, orphaned checkpoints,
// broken prefixes, and duplicate ids are high severity and only reported.
func (s *Service) ValidateIntegrity(ctx context.Context) (*models.IntegrityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &models.IntegrityReport{}

	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	sessionByID := make(map[string]*models.Session, len(sessions))
	for _, sess := range sessions {
		sessionByID[sess.ID] = sess
	}
	report.CheckedSessions = len(sessions)

	records, err := s.backups.ListAllUsageRecords(ctx)
	if err != nil {
		return nil, err
	}
	report.CheckedRecords = len(records)

	seenRecordIDs := make(map[string]bool, len(records))
	recordSums := make(map[string]int64)
	prefix := make(map[string]int64) // running expectation per session

	for _, rec := range records {
		if seenRecordIDs[rec.ID] {
			report.Issues = append(report.Issues, models.IntegrityIssue{
				Severity:    models.SeverityHigh,
				Entity:      models.EntityUsageRecords,
				EntityID:    rec.ID,
				Description: "duplicate usage record id",
			})
		}
		seenRecordIDs[rec.ID] = true

		if _, ok := sessionByID[rec.SessionID]; !ok {
			report.Issues = append(report.Issues, models.IntegrityIssue{
				Severity:    models.SeverityHigh,
				Entity:      models.EntityUsageRecords,
				EntityID:    rec.ID,
				Description: fmt.Sprintf("references missing session %q", rec.SessionID),
			})
			continue
		}

		// Within a session, cumulative totals must be strictly increasing
		// and equal the prefix sum in timestamp order.
		expected := prefix[rec.SessionID] + rec.TokensUsed
		if rec.CumulativeTotal != expected {
			report.Issues = append(report.Issues, models.IntegrityIssue{
				Severity: models.SeverityHigh,
				Entity:   models.EntityUsageRecords,
				EntityID: rec.ID,
				Description: fmt.Sprintf("cumulative total %d does not match prefix sum %d",
					rec.CumulativeTotal, expected),
			})
		}
		prefix[rec.SessionID] = expected
		recordSums[rec.SessionID] += rec.TokensUsed
	}

	// Session totals that drifted from their records are auto-repaired.
	for _, sess := range sessions {
		sum := recordSums[sess.ID]
		if sess.TokensUsed == sum {
			continue
		}
		issue := models.IntegrityIssue{
			Severity: models.SeverityLow,
			Entity:   models.EntitySessions,
			EntityID: sess.ID,
			Description: fmt.Sprintf("tokens_used %d disagrees with record sum %d",
				sess.TokensUsed, sum),
		}
		if err := s.sessions.UpdateTokensUsed(ctx, sess.ID, sum); err != nil {
			log.Error().Err(err).Str("sessionId", sess.ID).Msg("Failed to repair session total")
		} else {
			issue.Repaired = true
		}
		report.Issues = append(report.Issues, issue)
	}

	checkpoints, err := s.backups.ListAllCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	report.CheckedCheckpoints = len(checkpoints)

	seenCheckpointIDs := make(map[string]bool, len(checkpoints))
	lastCheckpointTokens := make(map[string]int64)
	for _, cp := range checkpoints {
		if seenCheckpointIDs[cp.ID] {
			report.Issues = append(report.Issues, models.IntegrityIssue{
				Severity:    models.SeverityHigh,
				Entity:      models.EntityCheckpoints,
				EntityID:    cp.ID,
				Description: "duplicate checkpoint id",
			})
		}
		seenCheckpointIDs[cp.ID] = true

		if _, ok := sessionByID[cp.SessionID]; !ok {
			report.Issues = append(report.Issues, models.IntegrityIssue{
				Severity:    models.SeverityHigh,
				Entity:      models.EntityCheckpoints,
				EntityID:    cp.ID,
				Description: fmt.Sprintf("references missing session %q", cp.SessionID),
			})
			continue
		}
		if cp.TokensUsed < lastCheckpointTokens[cp.SessionID] {
			report.Issues = append(report.Issues, models.IntegrityIssue{
				Severity:    models.SeverityHigh,
				Entity:      models.EntityCheckpoints,
				EntityID:    cp.ID,
				Description: "tokens_used decreased from previous checkpoint",
			})
		}
		lastCheckpointTokens[cp.SessionID] = cp.TokensUsed
	}

	for _, issue := range report.Issues {
		if issue.Repaired {
			report.RepairedCount++
		} else if issue.Severity == models.SeverityHigh {
			report.ManualCount++
		}
	}

	if !report.Clean() {
		log.Warn().
			Int("issues", len(report.Issues)).
			Int("repaired", report.RepairedCount).
			Int("manual", report.ManualCount).
			Msg("Integrity validation found issues")
	}
	return report, nil
}

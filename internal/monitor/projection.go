package monitor

import (
	"context"
	"time"

	"github.com/quotaguard/quotaguard/pkg/models"
)

// ProjectionWindow is the trailing window for the burn-rate estimate.
const ProjectionWindow = 5 * time.Minute

// fullConfidenceSamples is how many samples the window needs before the
// history is considered dense enough for full confidence.
const fullConfidenceSamples = 10

// Projection is a usage forecast for one session.
type Projection struct {
	SessionID string `json:"session_id"`
	// CurrentRate is the recent burn rate in tokens per minute.
	CurrentRate float64 `json:"current_rate"`
	// ProjectedTotal is the expected total at the end of the session's
	// advisory duration at the current rate. Equals the current total
	// when the session has no duration or no measurable rate.
	ProjectedTotal int64 `json:"projected_total"`
	// TimeToExhaustion extrapolates when the session's token budget runs
	// out. Nil without a positive rate and budget headroom.
	TimeToExhaustion *time.Duration `json:"time_to_exhaustion,omitempty"`
	// Confidence is 0-1 and degrades when the history window is short.
	Confidence float64 `json:"confidence"`
}

// Projection computes a usage forecast from the trailing window. It uses
// the in-memory sample history when the session is resident, else the
// store's recent records.
func (m *Monitor) Projection(ctx context.Context, sessionID string) (*Projection, error) {
	now := time.Now()

	m.stateMu.Lock()
	st := m.state[sessionID]
	m.stateMu.Unlock()

	var (
		total    int64
		budget   int64
		duration time.Duration
		started  time.Time
		samples  []usageSample
	)

	if st != nil {
		st.mu.Lock()
		total = st.total
		budget = st.budget
		duration = st.duration
		started = st.started
		samples = append([]usageSample(nil), st.samples...)
		st.mu.Unlock()
	} else {
		sess, err := m.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, &models.NotFoundError{Entity: models.EntitySessions, ID: sessionID}
		}
		total, err = m.usage.SumBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		budget = sess.TokenBudget
		duration = sess.Duration
		started = sess.StartTime

		records, err := m.usage.ListRecent(ctx, sessionID, now.Add(-ProjectionWindow))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			samples = append(samples, usageSample{at: r.Timestamp, tokens: r.TokensUsed})
		}
	}

	rate, confidence := burnRate(samples, now)

	p := &Projection{
		SessionID:      sessionID,
		CurrentRate:    rate,
		ProjectedTotal: total,
		Confidence:     confidence,
	}

	if rate > 0 {
		if duration > 0 {
			remaining := duration - now.Sub(started)
			if remaining > 0 {
				p.ProjectedTotal = total + int64(rate*remaining.Minutes())
			}
		}
		if budget > 0 && budget > total {
			tte := time.Duration(float64(budget-total) / rate * float64(time.Minute))
			p.TimeToExhaustion = &tte
		}
	}
	return p, nil
}

// burnRate computes tokens per minute over the trailing window and a
// confidence value that degrades for short or sparse histories.
func burnRate(samples []usageSample, now time.Time) (rate, confidence float64) {
	cutoff := now.Add(-ProjectionWindow)
	var total int64
	var oldest time.Time
	n := 0
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		if n == 0 || s.at.Before(oldest) {
			oldest = s.at
		}
		total += s.tokens
		n++
	}
	if n == 0 || total == 0 {
		return 0, 0
	}

	elapsed := now.Sub(oldest)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	rate = float64(total) / elapsed.Minutes()

	coverage := elapsed.Minutes() / ProjectionWindow.Minutes()
	if coverage > 1 {
		coverage = 1
	}
	density := float64(n) / fullConfidenceSamples
	if density > 1 {
		density = 1
	}
	confidence = coverage * density
	return rate, confidence
}

// appendSampleLocked records a usage sample and trims entries that fell
// out of the window. Caller holds st.mu.
func (st *sessionState) appendSampleLocked(now time.Time, tokens int64) {
	st.samples = append(st.samples, usageSample{at: now, tokens: tokens})
	cutoff := now.Add(-ProjectionWindow)
	i := 0
	for i < len(st.samples) && st.samples[i].at.Before(cutoff) {
		i++
	}
	st.samples = st.samples[i:]
}

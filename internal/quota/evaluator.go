// Package quota evaluates allocation requests against per-tier weekly
// budgets with a hard safety ceiling at 90% of each tier's limit.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/pkg/models"
)

// burnWindow is the trailing window used for the recent burn rate.
const burnWindow = time.Hour

type burnSample struct {
	at    time.Time
	hours float64
}

// tierState serializes all grant decisions for one tier. Holding the
// mutex across the whole evaluate-and-commit step is what keeps N
// concurrent callers from jointly pushing used past the ceiling.
type tierState struct {
	mu      sync.Mutex
	used    float64
	limit   float64
	samples []burnSample
}

// Evaluator answers whether an additional allocation is safe and clamps
// it to the grantable headroom when it is not.
type Evaluator struct {
	mu      sync.RWMutex
	tiers   map[models.QuotaTier]*tierState
	metrics *metrics.Metrics

	now func() time.Time // overridable in tests
}

// NewEvaluator creates an evaluator with the given per-tier weekly
// limits, in hours. m may be nil.
func NewEvaluator(limits map[models.QuotaTier]float64, m *metrics.Metrics) *Evaluator {
	e := &Evaluator{
		tiers:   make(map[models.QuotaTier]*tierState),
		metrics: m,
		now:     time.Now,
	}
	for tier, limit := range limits {
		e.tiers[tier] = &tierState{limit: limit}
	}
	return e
}

func (e *Evaluator) tier(t models.QuotaTier) *tierState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tiers[t]
}

// Evaluate computes the grantable amount for requestedHours against the
// tier's safety ceiling and commits it. The grant is clamped to
// max(0, ceiling-used), never rounded up; a zero grant is the degenerate
// full block, reported in the allocation rather than as an error.
func (e *Evaluator) Evaluate(tier models.QuotaTier, requestedHours float64) (models.Allocation, error) {
	if !tier.Valid() {
		return models.Allocation{}, &models.NotFoundError{Entity: "quota_tier", ID: string(tier)}
	}
	if requestedHours < 0 {
		return models.Allocation{}, models.NewValidationError("requested_hours", "must not be negative")
	}

	ts := e.tier(tier)
	if ts == nil {
		return models.Allocation{}, &models.NotFoundError{Entity: "quota_tier", ID: string(tier)}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ceiling := ts.limit * models.SafetyCeilingRatio
	headroom := ceiling - ts.used
	if headroom < 0 {
		headroom = 0
	}

	granted := requestedHours
	if granted > headroom {
		granted = headroom
	}
	ts.used += granted
	if granted > 0 {
		ts.recordSampleLocked(e.now(), granted)
	}

	usage := models.QuotaUsage{Tier: tier, Used: ts.used, Limit: ts.limit}
	alloc := models.Allocation{
		Tier:         tier,
		Requested:    requestedHours,
		Granted:      granted,
		RiskScore:    riskScore(usage.Percentage()),
		HighPriority: usage.Percentage() >= models.SafetyCeilingRatio*100,
	}
	if ttl, ok := timeToLimit(ceiling, ts.used, ts.burnRateLocked(e.now())); ok {
		alloc.TimeToLimit = &ttl
	}

	if granted < requestedHours {
		e.metrics.RecordGrantClamped(context.Background(), string(tier))
		log.Warn().
			Str("tier", string(tier)).
			Float64("requested", requestedHours).
			Float64("granted", granted).
			Float64("used", ts.used).
			Msg("Allocation clamped at safety ceiling")
	}
	return alloc, nil
}

// Usage returns the current usage of a tier.
func (e *Evaluator) Usage(tier models.QuotaTier) (models.QuotaUsage, error) {
	ts := e.tier(tier)
	if ts == nil {
		return models.QuotaUsage{}, &models.NotFoundError{Entity: "quota_tier", ID: string(tier)}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return models.QuotaUsage{Tier: tier, Used: ts.used, Limit: ts.limit}, nil
}

// SetUsed seeds a tier's consumed hours, e.g. from vendor usage data at
// startup. Clamped to non-negative.
func (e *Evaluator) SetUsed(tier models.QuotaTier, hours float64) error {
	ts := e.tier(tier)
	if ts == nil {
		return &models.NotFoundError{Entity: "quota_tier", ID: string(tier)}
	}
	if hours < 0 {
		hours = 0
	}
	ts.mu.Lock()
	ts.used = hours
	ts.mu.Unlock()
	return nil
}

// SetLimits replaces the weekly limits, keeping consumed hours. Used by
// config hot reload.
func (e *Evaluator) SetLimits(limits map[models.QuotaTier]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tier, limit := range limits {
		if ts, ok := e.tiers[tier]; ok {
			ts.mu.Lock()
			ts.limit = limit
			ts.mu.Unlock()
			continue
		}
		e.tiers[tier] = &tierState{limit: limit}
	}
	log.Info().Interface("limits", limits).Msg("Quota limits updated")
}

// ResetTier starts a new weekly window for a tier: used drops to zero and
// burn history is discarded.
func (e *Evaluator) ResetTier(tier models.QuotaTier) error {
	ts := e.tier(tier)
	if ts == nil {
		return &models.NotFoundError{Entity: "quota_tier", ID: string(tier)}
	}
	ts.mu.Lock()
	ts.used = 0
	ts.samples = nil
	ts.mu.Unlock()
	log.Info().Str("tier", string(tier)).Msg("Quota tier reset for new window")
	return nil
}

func (ts *tierState) recordSampleLocked(now time.Time, hours float64) {
	ts.samples = append(ts.samples, burnSample{at: now, hours: hours})
	// Trim samples that fell out of the window.
	cutoff := now.Add(-burnWindow)
	i := 0
	for i < len(ts.samples) && ts.samples[i].at.Before(cutoff) {
		i++
	}
	ts.samples = ts.samples[i:]
}

// burnRateLocked returns consumed hours per hour of wall time over the
// trailing window.
func (ts *tierState) burnRateLocked(now time.Time) float64 {
	cutoff := now.Add(-burnWindow)
	var total float64
	for _, s := range ts.samples {
		if !s.at.Before(cutoff) {
			total += s.hours
		}
	}
	return total / burnWindow.Hours()
}

// timeToLimit linearly extrapolates wall-clock hours until the ceiling.
// A non-positive rate means no measurable pressure, reported as absent
// rather than a division error.
func timeToLimit(ceiling, used, rate float64) (float64, bool) {
	if rate <= 0 {
		return 0, false
	}
	remaining := ceiling - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining / rate, true
}

// riskScore maps a usage percentage onto an exhaustion probability in
// 0-100. Piecewise linear: gentle up to the warning threshold, steep
// between warning and ceiling, pegged at 100 from the ceiling up.
func riskScore(percentage float64) float64 {
	const (
		warning = models.WarningRatio * 100       // 85
		ceiling = models.SafetyCeilingRatio * 100 // 90
	)
	switch {
	case percentage <= 0:
		return 0
	case percentage < warning:
		return percentage / warning * 60
	case percentage < ceiling:
		return 60 + (percentage-warning)/(ceiling-warning)*35
	default:
		return 100
	}
}

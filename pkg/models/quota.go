package models

import "github.com/goccy/go-json"

// QuotaTier identifies one of the two independent weekly usage budgets.
type QuotaTier string

const (
	// TierStandard is the high-volume tier (480h/week by default).
	TierStandard QuotaTier = "standard"
	// TierPremium is the scarce tier (40h/week by default).
	TierPremium QuotaTier = "premium"
)

// Valid reports whether the tier is known.
func (t QuotaTier) Valid() bool {
	return t == TierStandard || t == TierPremium
}

// SafetyCeilingRatio is the hard boundary allocation logic must never let
// effective usage cross, as a fraction of each tier's weekly limit.
const SafetyCeilingRatio = 0.90

// WarningRatio marks the start of the steep risk ramp below the ceiling.
const WarningRatio = 0.85

// QuotaUsage is the current consumption of one tier, in hours.
type QuotaUsage struct {
	Tier  QuotaTier `json:"tier"`
	Used  float64   `json:"used"`
	Limit float64   `json:"limit"`
}

// MarshalJSON includes the derived percentage in the wire shape.
func (q QuotaUsage) MarshalJSON() ([]byte, error) {
	type quotaUsage QuotaUsage
	return json.Marshal(struct {
		quotaUsage
		Percentage float64 `json:"percentage"`
	}{quotaUsage(q), q.Percentage()})
}

// Percentage returns used/limit as a percentage. Zero-limit tiers report 0.
func (q QuotaUsage) Percentage() float64 {
	if q.Limit <= 0 {
		return 0
	}
	return q.Used / q.Limit * 100
}

// SafetyCeiling returns the absolute not-to-exceed boundary in hours.
func (q QuotaUsage) SafetyCeiling() float64 {
	return q.Limit * SafetyCeilingRatio
}

// Headroom returns the hours still grantable before the ceiling, never
// negative.
func (q QuotaUsage) Headroom() float64 {
	h := q.SafetyCeiling() - q.Used
	if h < 0 {
		return 0
	}
	return h
}

// Allocation is the outcome of one grant evaluation.
type Allocation struct {
	Tier      QuotaTier `json:"tier"`
	Requested float64   `json:"requested"`
	Granted   float64   `json:"granted"`
	// RiskScore is the probability of quota exhaustion, 0-100.
	RiskScore float64 `json:"risk_score"`
	// TimeToLimit is the linear extrapolation to the ceiling in hours of
	// wall time. Nil when the recent burn rate is not positive.
	TimeToLimit *float64 `json:"time_to_limit,omitempty"`
	// HighPriority flags that mitigation actions should be taken now.
	HighPriority bool `json:"high_priority"`
}

// Package models contains domain models for quotaguard.
package models

import (
	"time"
)

// SessionStatus represents the lifecycle state of a tracked session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
)

// Valid reports whether the status is one of the known states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted
}

// Session is one bounded unit of tracked work with its own running usage
// total. TokensUsed always equals the prefix sum of the session's usage
// records; the records are the ground truth if the two ever disagree.
type Session struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"` // advisory, never enforced
	TokenBudget int64         `json:"token_budget"`
	TokensUsed  int64         `json:"tokens_used"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// UsageRecord is an immutable entry for one quantum of consumption
// attributed to a session. CumulativeTotal is the session's running sum
// as of this record, computed under the session's serialization lock.
type UsageRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	TokensUsed      int64     `json:"tokens_used"`
	Operation       string    `json:"operation"`
	Timestamp       time.Time `json:"timestamp"`
	CumulativeTotal int64     `json:"cumulative_total"`
}

// Checkpoint is an append-only progress marker within a session,
// stamped with the session's usage total at checkpoint time.
type Checkpoint struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Phase       string            `json:"phase"`
	PromptCount int64             `json:"prompt_count"`
	Timestamp   time.Time         `json:"timestamp"`
	TokensUsed  int64             `json:"tokens_used"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

package models

import "time"

// EventKind tags a broadcast event so receivers can switch exhaustively
// over the payload variants.
type EventKind string

const (
	EventTokenUpdate EventKind = "token_update"
	EventCheckpoint  EventKind = "checkpoint"
	EventStatus      EventKind = "status"
)

// TokenUpdatePayload carries one usage increment and the new total.
type TokenUpdatePayload struct {
	Tokens    int64  `json:"tokens"`
	Operation string `json:"operation"`
	TotalUsed int64  `json:"total_used"`
}

// CheckpointPayload announces a recorded checkpoint.
type CheckpointPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Phase        string `json:"phase"`
	PromptCount  int64  `json:"prompt_count"`
	TokensUsed   int64  `json:"tokens_used"`
}

// StatusPayload announces a session status transition.
type StatusPayload struct {
	From SessionStatus `json:"from"`
	To   SessionStatus `json:"to"`
}

// Event is the tagged union pushed to subscribers. Exactly one payload
// pointer is set, matching Type.
type Event struct {
	Type      EventKind `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	TokenUpdate *TokenUpdatePayload `json:"token_update,omitempty"`
	Checkpoint  *CheckpointPayload  `json:"checkpoint,omitempty"`
	Status      *StatusPayload      `json:"status,omitempty"`
}

// NewTokenUpdateEvent builds a token_update event.
func NewTokenUpdateEvent(sessionID string, tokens int64, operation string, total int64) Event {
	return Event{
		Type:      EventTokenUpdate,
		SessionID: sessionID,
		Timestamp: time.Now(),
		TokenUpdate: &TokenUpdatePayload{
			Tokens:    tokens,
			Operation: operation,
			TotalUsed: total,
		},
	}
}

// NewCheckpointEvent builds a checkpoint event.
func NewCheckpointEvent(cp *Checkpoint) Event {
	return Event{
		Type:      EventCheckpoint,
		SessionID: cp.SessionID,
		Timestamp: time.Now(),
		Checkpoint: &CheckpointPayload{
			CheckpointID: cp.ID,
			Phase:        cp.Phase,
			PromptCount:  cp.PromptCount,
			TokensUsed:   cp.TokensUsed,
		},
	}
}

// NewStatusEvent builds a status transition event.
func NewStatusEvent(sessionID string, from, to SessionStatus) Event {
	return Event{
		Type:      EventStatus,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Status:    &StatusPayload{From: from, To: to},
	}
}

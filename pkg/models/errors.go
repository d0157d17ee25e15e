package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is the base error for lookups of unknown ids. Typed
// variants wrap it so callers can match with errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for one field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError rejects operations on unknown session/backup ids.
type NotFoundError struct {
	Entity EntityKind
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError rejects a status-machine violation. The current
// state is left unchanged.
type InvalidTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("session %q is completed and accepts no further mutation", e.SessionID)
	}
	return fmt.Sprintf("session %q cannot transition %s -> %s", e.SessionID, e.From, e.To)
}

// Terminal reports whether the violation was a mutation of a completed
// session.
func (e *InvalidTransitionError) Terminal() bool { return e.From.Terminal() }

// IntegrityError surfaces a high-severity corruption that must not be
// auto-corrected.
type IntegrityError struct {
	Issues []IntegrityIssue
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %d issue(s) require manual repair", len(e.Issues))
}

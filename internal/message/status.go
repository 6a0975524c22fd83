package message

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a Message.
type Status string

const (
	StatusDraft            Status = "DRAFT"
	StatusValidating       Status = "VALIDATING"
	StatusValidated        Status = "VALIDATED"
	StatusValidationFailed Status = "VALIDATION_FAILED"
	StatusPreparing        Status = "PREPARING"
	StatusReady            Status = "READY"
	StatusSubmitting       Status = "SUBMITTING"
	StatusPending          Status = "PENDING"
	StatusProcessing       Status = "PROCESSING"
	StatusConfirmed        Status = "CONFIRMED"
	StatusSettling         Status = "SETTLING"
	StatusSettled          Status = "SETTLED"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusRejected         Status = "REJECTED"
	StatusCancelled        Status = "CANCELLED"
)

// ErrInvalidTransition is returned by Message.TransitionTo when the move is
// not part of the lifecycle.
var ErrInvalidTransition = errors.New("message: invalid status transition")

// Statuses lists every lifecycle state in progression order.
func Statuses() []Status {
	return []Status{
		StatusDraft, StatusValidating, StatusValidated, StatusValidationFailed,
		StatusPreparing, StatusReady, StatusSubmitting, StatusPending,
		StatusProcessing, StatusConfirmed, StatusSettling, StatusSettled,
		StatusCompleted, StatusFailed, StatusRejected, StatusCancelled,
	}
}

var forward = map[Status][]Status{
	StatusDraft:            {StatusValidating},
	StatusValidating:       {StatusValidated, StatusValidationFailed},
	StatusValidationFailed: {StatusValidating},
	StatusValidated:        {StatusPreparing},
	StatusPreparing:        {StatusReady},
	StatusReady:            {StatusSubmitting},
	StatusSubmitting:       {StatusPending},
	StatusPending:          {StatusProcessing},
	StatusProcessing:       {StatusConfirmed},
	StatusConfirmed:        {StatusSettling},
	StatusSettling:         {StatusSettled},
	StatusSettled:          {StatusCompleted},
	StatusFailed:           {StatusSubmitting},
	StatusRejected:         {StatusSubmitting},
}

// IsTerminal reports whether s ends the lifecycle. FAILED and REJECTED are
// terminal but may still be resubmitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := forward[s]
	return ok || s.IsTerminal()
}

// CanTransition reports whether a message may move from one status to another
// through the guarded path. Every status may abort to FAILED, REJECTED or
// CANCELLED, except into itself.
func CanTransition(from, to Status) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	switch to {
	case StatusFailed, StatusRejected, StatusCancelled:
		return from != to
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

package reconcile

import (
	"errors"
	"fmt"

	"github.com/drblury/isoflow/internal/network"
)

// Error codes carried by EventProcessingError.
const (
	CodeInvalidEvent     = "INVALID_EVENT"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	CodeStorageError     = "STORAGE_ERROR"
)

// EventProcessingError reports a network event that could not be applied.
type EventProcessingError struct {
	Code              string
	EventType         network.EventType
	ProtocolMessageID string
	Err               error
}

func (e *EventProcessingError) Error() string {
	msg := fmt.Sprintf("reconcile: %s event", e.EventType)
	if e.ProtocolMessageID != "" {
		msg += " for " + e.ProtocolMessageID
	}
	msg += ": " + e.Code
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EventProcessingError) Unwrap() error {
	return e.Err
}

// Permanent reports whether redelivering the event can never succeed.
func (e *EventProcessingError) Permanent() bool {
	return e.Code != CodeStorageError
}

// CodeOf returns the code of the EventProcessingError in err's chain, or "".
func CodeOf(err error) string {
	var target *EventProcessingError
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}

package reconcile

import (
	"strings"

	"github.com/drblury/isoflow/internal/message"
)

var protocolStatuses = map[string]message.Status{
	"processing": message.StatusProcessing,
	"confirmed":  message.StatusConfirmed,
	"settling":   message.StatusSettling,
	"settled":    message.StatusSettled,
	"completed":  message.StatusCompleted,
	"success":    message.StatusCompleted,
	"failed":     message.StatusFailed,
	"error":      message.StatusFailed,
	"rejected":   message.StatusRejected,
	"cancelled":  message.StatusCancelled,
	"canceled":   message.StatusCancelled,
}

// MapProtocolStatus converts a status reported by the settlement network.
// Unknown statuses map to FAILED.
func MapProtocolStatus(status string) message.Status {
	if s, ok := protocolStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return message.StatusFailed
}

// inFlight reports whether the network is still working on a message.
func inFlight(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "submitted", "pending":
		return true
	}
	return false
}

package message

import (
	"encoding/json"
	"time"

	"github.com/drblury/isoflow/internal/runtime/ids"
)

// Issue is a single validation finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Validation records one validation attempt against a message version. It
// has no update timestamp and is never modified after creation.
type Validation struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	MessageVersion int       `json:"message_version"`
	Stage          string    `json:"stage"`
	Valid          bool      `json:"is_valid"`
	Issues         []Issue   `json:"issues,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewValidation builds a record for msg at its current version.
func NewValidation(msg *Message, stage string, issues []Issue, now time.Time) Validation {
	return Validation{
		ID:             ids.NewValidationID(),
		MessageID:      msg.ID,
		MessageVersion: msg.Version,
		Stage:          stage,
		Valid:          len(issues) == 0,
		Issues:         issues,
		CreatedAt:      now,
	}
}

// Transformation records one conversion of a message into another
// representation, such as the protocol payload.
type Transformation struct {
	ID             string          `json:"id"`
	MessageID      string          `json:"message_id"`
	MessageVersion int             `json:"message_version"`
	Kind           string          `json:"kind"`
	TargetChain    string          `json:"target_chain,omitempty"`
	Output         json.RawMessage `json:"output"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewTransformation builds a record for msg at its current version.
func NewTransformation(msg *Message, kind, chain string, output []byte, now time.Time) Transformation {
	return Transformation{
		ID:             ids.NewTransformationID(),
		MessageID:      msg.ID,
		MessageVersion: msg.Version,
		Kind:           kind,
		TargetChain:    chain,
		Output:         json.RawMessage(output),
		CreatedAt:      now,
	}
}

package submission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/isoflow/internal/message"
)

// Error codes returned by the orchestrator.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeValidationError     = "VALIDATION_ERROR"
	CodePreprocessingFailed = "PREPROCESSING_FAILED"
	CodeFeeLimitExceeded    = "FEE_LIMIT_EXCEEDED"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
	CodeCancellationFailed  = "CANCELLATION_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeStorageError        = "STORAGE_ERROR"
	CodeNetworkUnavailable  = "NETWORK_UNAVAILABLE"
)

// Error is returned by every failing orchestrator operation.
type Error struct {
	Code      string
	Op        string
	MessageID string
	Issues    []message.Issue
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "submission: %s", e.Op)
	if e.MessageID != "" {
		fmt.Fprintf(&b, " %s", e.MessageID)
	}
	fmt.Fprintf(&b, ": %s", e.Code)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if n := len(e.Issues); n > 0 {
		fmt.Fprintf(&b, " (%d issues)", n)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

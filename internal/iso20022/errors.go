package iso20022

import (
	"strings"

	"github.com/drblury/isoflow/internal/message"
)

const (
	CodeEmptyMessage           = "EMPTY_MESSAGE"
	CodeMessageTooLarge        = "MESSAGE_TOO_LARGE"
	CodeMalformedXML           = "MALFORMED_XML"
	CodeMissingDocument        = "MISSING_DOCUMENT"
	CodeUnsupportedNamespace   = "UNSUPPORTED_NAMESPACE"
	CodeUnsupportedMessageType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeSchemaMismatch         = "SCHEMA_MISMATCH"
	CodeMissingMessageID       = "MISSING_MESSAGE_ID"
)

// ValidationError lists every problem found while parsing a message.
type ValidationError struct {
	Issues []message.Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Code+": "+issue.Message)
	}
	return "iso20022: invalid message: " + strings.Join(parts, "; ")
}

// HasCode reports whether any issue carries code.
func (e *ValidationError) HasCode(code string) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func invalid(code, msg string) *ValidationError {
	return &ValidationError{Issues: []message.Issue{{Code: code, Message: msg}}}
}

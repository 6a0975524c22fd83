package pipeline

import (
	"errors"
	"fmt"
)

// Code classifies a PipelineError.
type Code string

const (
	CodeDuplicateStage         Code = "DUPLICATE_STAGE"
	CodeStageNotFound          Code = "STAGE_NOT_FOUND"
	CodeStageHasDependents     Code = "STAGE_HAS_DEPENDENTS"
	CodeInvalidDependency      Code = "INVALID_DEPENDENCY"
	CodeCircularDependency     Code = "CIRCULAR_DEPENDENCY"
	CodeDependencyNotSatisfied Code = "DEPENDENCY_NOT_SATISFIED"
	CodeStageExecutionFailed   Code = "STAGE_EXECUTION_FAILED"
	CodeStageTimeout           Code = "STAGE_TIMEOUT"
	CodeStageError             Code = "STAGE_ERROR"
)

// UnknownExecutionID marks errors raised outside a pipeline run.
const UnknownExecutionID = "unknown"

// PipelineError is the single error type raised by stages and pipelines.
type PipelineError struct {
	Code        Code
	Message     string
	ExecutionID string
	StageID     string
	Err         error
}

func newError(code Code, executionID, stageID string, cause error, format string, args ...any) *PipelineError {
	if executionID == "" {
		executionID = UnknownExecutionID
	}
	return &PipelineError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		ExecutionID: executionID,
		StageID:     stageID,
		Err:         cause,
	}
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline %s [%s]: %s: %v", e.Code, e.ExecutionID, e.Message, e.Err)
	}
	return fmt.Sprintf("pipeline %s [%s]: %s", e.Code, e.ExecutionID, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// HasCode reports whether err, or anything it wraps, is a PipelineError with code.
func HasCode(err error, code Code) bool {
	var pe *PipelineError
	for err != nil {
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Err
	}
	return false
}

// CodeOf returns the outermost PipelineError code in err, or "".
func CodeOf(err error) Code {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

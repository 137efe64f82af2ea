package workflow

import (
	apperrors "github.com/goliatone/go-errors"

	datacopy "github.com/goliatone/go-datacopy"
)

const (
	ErrCodeInvalidTransition = "WORKFLOW_INVALID_TRANSITION"
	ErrCodeInvalidDefinition = "WORKFLOW_INVALID_DEFINITION"
	ErrCodeUnknownWorkflow   = "WORKFLOW_UNKNOWN"
	ErrCodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	ErrCodeVersionConflict   = "EXECUTION_VERSION_CONFLICT"
)

var (
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrInvalidDefinition = apperrors.New("invalid state machine definition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidDefinition)
	ErrUnknownWorkflow = apperrors.New("unknown workflow", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownWorkflow)
	ErrExecutionNotFound = apperrors.New("execution not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeExecutionNotFound)
	ErrVersionConflict = apperrors.New("execution version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
)

func newError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	return datacopy.NewError(base, message, source, metadata)
}

// ErrCodeTaskFailed marks a workflow step that failed without a coded error.
const ErrCodeTaskFailed = "TASK_FAILED"

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/workflow"
)

const codeInternal = "INTERNAL"

// ErrorMapping pairs a runtime error code with its HTTP status.
type ErrorMapping struct {
	Code       string
	HTTPStatus int
}

// APIError is the error half of the response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MapError maps runtime error codes to HTTP statuses. Unknown errors are
// internal.
func MapError(err error) ErrorMapping {
	code := strings.TrimSpace(datacopy.ErrorCode(err))

	switch code {
	case datacopy.ErrCodeValidation, datacopy.ErrCodeUnrecognizedEvent:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusBadRequest}
	case datacopy.ErrCodeRecordNotFound, workflow.ErrCodeExecutionNotFound, workflow.ErrCodeUnknownWorkflow, datacopy.ErrCodeRuleNotFound:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusNotFound}
	case datacopy.ErrCodeRecordExists, datacopy.ErrCodeTokenConsumed, workflow.ErrCodeVersionConflict, workflow.ErrCodeInvalidTransition:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusConflict}
	case datacopy.ErrCodeStoreUnavailable, datacopy.ErrCodeStoreThrottled:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusServiceUnavailable}
	case datacopy.ErrCodeProviderFailed:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusBadGateway}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorMapping{Code: "TIMEOUT", HTTPStatus: http.StatusGatewayTimeout}
	case errors.Is(err, context.Canceled):
		return ErrorMapping{Code: "CANCELED", HTTPStatus: http.StatusServiceUnavailable}
	}
	return ErrorMapping{Code: codeInternal, HTTPStatus: http.StatusInternalServerError}
}

// HTTPStatusForError returns the mapped HTTP status for err.
func HTTPStatusForError(err error) int {
	return MapError(err).HTTPStatus
}

func apiError(err error) (int, APIError) {
	m := MapError(err)
	msg := err.Error()
	if m.Code == codeInternal {
		msg = http.StatusText(http.StatusInternalServerError)
	}
	return m.HTTPStatus, APIError{Code: m.Code, Message: msg}
}

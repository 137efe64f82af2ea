package datacopy

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeStoreThrottled    = "STORE_THROTTLED"
	ErrCodeRecordExists      = "RECORD_EXISTS"
	ErrCodeRecordNotFound    = "RECORD_NOT_FOUND"
	ErrCodeTokenConsumed     = "TOKEN_CONSUMED"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeUnrecognizedEvent = "UNRECOGNIZED_EVENT"
	ErrCodeJobExpired        = "JOB_EXPIRED"
	ErrCodeHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	ErrCodeRuleNotFound      = "RULE_NOT_FOUND"
)

var (
	// ErrValidation marks malformed requests. Fatal, never retried.
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	// ErrStoreUnavailable is a transient job store failure.
	ErrStoreUnavailable = apperrors.New("job store unavailable", apperrors.CategoryExternal).
				WithTextCode(ErrCodeStoreUnavailable)
	// ErrStoreThrottled is a transient job store failure that wants jittered backoff.
	ErrStoreThrottled = apperrors.New("job store throttled", apperrors.CategoryExternal).
				WithTextCode(ErrCodeStoreThrottled)
	ErrRecordExists = apperrors.New("record already exists", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRecordExists)
	ErrRecordNotFound = apperrors.New("record not found", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRecordNotFound)
	// ErrTokenConsumed is returned for resume tokens that were already used or never issued.
	ErrTokenConsumed = apperrors.New("task token already consumed", apperrors.CategoryConflict).
				WithTextCode(ErrCodeTokenConsumed)
	ErrProviderFailed = apperrors.New("external provider call failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeProviderFailed)
	ErrUnrecognizedEvent = apperrors.New("unrecognized event", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnrecognizedEvent)
	ErrJobExpired = apperrors.New("job expired before completion", apperrors.CategoryConflict).
			WithTextCode(ErrCodeJobExpired)
	ErrHeartbeatTimeout = apperrors.New("heartbeat timeout", apperrors.CategoryExternal).
				WithTextCode(ErrCodeHeartbeatTimeout)
	ErrRuleNotFound = apperrors.New("schedule rule not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeRuleNotFound)
)

// NewError clones one of the sentinel errors, replacing the message and
// attaching the source error and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrValidation
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first categorised error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsTransient reports failures the caller should retry with backoff.
func IsTransient(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeStoreUnavailable, ErrCodeStoreThrottled:
		return true
	default:
		return false
	}
}

// IsBenign reports race outcomes that are logged and otherwise ignored.
func IsBenign(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeRecordNotFound, ErrCodeTokenConsumed:
		return true
	default:
		return false
	}
}

// MessageError is a custom error type wrapping context around dispatch failures
type MessageError struct {
	Type    string
	Message string
	Err     error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// WrapError is a helper to create wrapped errors using MessageError
func WrapError(errType, msg string, err error) *MessageError {
	return &MessageError{
		Type:    errType,
		Message: msg,
		Err:     err,
	}
}

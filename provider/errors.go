package provider

import (
	"context"
	"errors"
	"fmt"

	datacopy "github.com/goliatone/go-datacopy"
	apperrors "github.com/goliatone/go-errors"
)

const retryableKey = "retryable"

func providerError(op string, status int, retryable bool, source error) error {
	msg := fmt.Sprintf("provider %s failed", op)
	if status > 0 {
		msg = fmt.Sprintf("provider %s failed with status %d", op, status)
	}
	return datacopy.NewError(datacopy.ErrProviderFailed, msg, source, map[string]any{
		"operation":  op,
		"status":     status,
		retryableKey: retryable,
	})
}

// Retryable reports whether a provider failure may succeed on retry.
// Context errors and failures without the retryable flag are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ge *apperrors.Error
	if !errors.As(err, &ge) || ge.TextCode != datacopy.ErrCodeProviderFailed {
		return false
	}
	retry, _ := ge.Metadata[retryableKey].(bool)
	return retry
}

// StatusCode returns the HTTP status carried by a provider failure, or 0.
func StatusCode(err error) int {
	var ge *apperrors.Error
	if !errors.As(err, &ge) || ge.TextCode != datacopy.ErrCodeProviderFailed {
		return 0
	}
	status, _ := ge.Metadata["status"].(int)
	return status
}

package runner

import "time"

// Option configures a Handler.
type Option func(*Handler)

// Attempt shaping.

// WithMaxRetries caps the retries that follow a failed first attempt.
func WithMaxRetries(n int) Option {
	return func(h *Handler) {
		h.maxRetries = max(n, 0)
	}
}

// WithMaxAttempts caps the calls a single Run makes, first attempt included.
func WithMaxAttempts(n int) Option {
	return WithMaxRetries(n - 1)
}

// WithRetryIf retries only errors fn accepts; anything else ends the Run
// after the attempt that produced it.
func WithRetryIf(fn func(error) bool) Option {
	return func(h *Handler) {
		h.retryIf = fn
	}
}

// WithRetryStrategy sets the wait between attempts. A nil strategy retries
// immediately.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s == nil {
			s = NoDelayStrategy{}
		}
		h.retryStrategy = s
	}
}

// WithTimeout bounds a whole Run, backoff waits included. Non-positive
// values leave runs unbounded.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = max(d, 0)
	}
}

// Run budget.

// WithRunOnce skips every Run after the first successful one.
func WithRunOnce(once bool) Option {
	return func(h *Handler) {
		h.once = once
	}
}

// WithMaxRuns skips Run once n runs have succeeded. Zero means no limit.
func WithMaxRuns(n int) Option {
	return func(h *Handler) {
		h.maxRuns = max(n, 0)
	}
}

// Reporting.

// WithErrorHandler receives every failed attempt that is about to be
// retried.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

// WithLogger logs runs that end in failure.
func WithLogger(l Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

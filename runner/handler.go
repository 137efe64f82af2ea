package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function under a retry policy, an optional timeout and a
// budget of successful runs. One Handler may be shared by concurrent
// callers; the budget is counted across all of them.
type Handler struct {
	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryIf       func(error) bool
	maxRetries    int
	timeout       time.Duration
	maxRuns       int
	once          bool

	mu             sync.Mutex
	runs           int
	successfulRuns int
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, the retry policy gives up or ctx ends, and
// returns the last error. A Run whose budget is already spent returns nil
// without calling fn.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if h.budgetSpent() {
		return nil
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	attempts, err := h.attempt(ctx, fn)

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	h.mu.Unlock()

	if err != nil && h.logger != nil {
		h.logger.Error("runner failed after %d attempts: %v", attempts, err)
	}
	return err
}

func (h *Handler) budgetSpent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.once && h.successfulRuns > 0 {
		return true
	}
	return h.maxRuns > 0 && h.successfulRuns >= h.maxRuns
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) (int, error) {
	total := h.maxRetries + 1
	for n := 1; ; n++ {
		err := fn(ctx)
		if err == nil || n == total || !h.retryable(err) {
			return n, err
		}

		h.errorHandler(datacopy.WrapError("RunFailed", fmt.Sprintf("attempt %d of %d failed", n, total), err))
		if werr := wait(ctx, h.retryStrategy.SleepDuration(n-1, err)); werr != nil {
			return n, werr
		}
	}
}

func (h *Handler) retryable(err error) bool {
	return h.retryIf == nil || h.retryIf(err)
}

// wait sleeps for d and reports ctx errors, including one that was already
// set when d is zero.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunCommand runs a Commander through h.
func RunCommand[T any](ctx context.Context, h *Handler, c datacopy.Commander[T], msg T) error {
	return h.Run(ctx, func(ctx context.Context) error {
		return c.Execute(ctx, msg)
	})
}

// RunValue runs fn through h and returns the value of the successful
// attempt.
func RunValue[R any](ctx context.Context, h *Handler, fn func(context.Context) (R, error)) (R, error) {
	var out R
	err := h.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// Retry builds a Handler from opts and runs fn once through it.
func Retry(ctx context.Context, fn func(context.Context) error, opts ...Option) error {
	return NewHandler(opts...).Run(ctx, fn)
}

package jobstore

import (
	"context"
	"iter"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/runner"
)

// RetryPolicy controls how transient store failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy retries transient failures with full jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Base:        50 * time.Millisecond,
	Max:         2 * time.Second,
}

// Retrying wraps a Store and retries STORE_UNAVAILABLE and STORE_THROTTLED
// failures. Every other error is returned on the first attempt.
type Retrying struct {
	next   Store
	policy RetryPolicy
	logger datacopy.Logger
	rand   func() float64
}

type RetryingOption func(*Retrying)

func WithRetryPolicy(p RetryPolicy) RetryingOption {
	return func(r *Retrying) {
		if p.MaxAttempts > 0 {
			r.policy = p
		}
	}
}

func WithRetryLogger(l datacopy.Logger) RetryingOption {
	return func(r *Retrying) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetryRand pins the jitter source, mostly for tests.
func WithRetryRand(fn func() float64) RetryingOption {
	return func(r *Retrying) {
		r.rand = fn
	}
}

func NewRetrying(next Store, opts ...RetryingOption) *Retrying {
	r := &Retrying{
		next:   next,
		policy: DefaultRetryPolicy,
		logger: datacopy.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store {
	return r.next
}

func (r *Retrying) options(op string) []runner.Option {
	return []runner.Option{
		runner.WithMaxAttempts(r.policy.MaxAttempts),
		runner.WithRetryIf(datacopy.IsTransient),
		runner.WithRetryStrategy(runner.JitteredBackoffStrategy{
			ExponentialBackoffStrategy: runner.ExponentialBackoffStrategy{
				Base: r.policy.Base,
				Max:  r.policy.Max,
			},
			Rand: r.rand,
		}),
		runner.WithErrorHandler(func(err error) {
			r.logger.Warn("job store %s retrying: %v", op, err)
		}),
	}
}

func (r *Retrying) Put(ctx context.Context, rec JobRecord) error {
	return runner.Retry(ctx, func(ctx context.Context) error {
		return r.next.Put(ctx, rec)
	}, r.options("put")...)
}

func (r *Retrying) Get(ctx context.Context, id string, typ RecordType) (JobRecord, error) {
	return runner.RunValue(ctx, runner.NewHandler(r.options("get")...), func(ctx context.Context) (JobRecord, error) {
		return r.next.Get(ctx, id, typ)
	})
}

func (r *Retrying) PutIfAbsent(ctx context.Context, rec JobRecord) error {
	return runner.Retry(ctx, func(ctx context.Context) error {
		return r.next.PutIfAbsent(ctx, rec)
	}, r.options("put_if_absent")...)
}

func (r *Retrying) Delete(ctx context.Context, id string, typ RecordType) error {
	return runner.Retry(ctx, func(ctx context.Context) error {
		return r.next.Delete(ctx, id, typ)
	}, r.options("delete")...)
}

func (r *Retrying) DeleteIfToken(ctx context.Context, id, token string) (JobRecord, error) {
	return runner.RunValue(ctx, runner.NewHandler(r.options("delete_if_token")...), func(ctx context.Context) (JobRecord, error) {
		return r.next.DeleteIfToken(ctx, id, token)
	})
}

// ScanPending is not retried: a partially consumed iterator cannot be
// replayed without yielding duplicates.
func (r *Retrying) ScanPending(ctx context.Context, typ RecordType) iter.Seq2[JobRecord, error] {
	return r.next.ScanPending(ctx, typ)
}

func (r *Retrying) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[JobRecord, error] {
	return r.next.ScanExpired(ctx, now)
}

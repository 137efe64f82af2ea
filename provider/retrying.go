package provider

import (
	"context"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/runner"
)

// Retrying retries retryable provider failures with capped exponential
// backoff, up to MaxAttempts calls per operation.
type Retrying struct {
	next        Client
	maxAttempts int
	strategy    runner.RetryStrategy
	logger      datacopy.Logger
}

type RetryingOption func(*Retrying)

func WithMaxAttempts(n int) RetryingOption {
	return func(r *Retrying) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(strategy runner.RetryStrategy) RetryingOption {
	return func(r *Retrying) {
		if strategy != nil {
			r.strategy = strategy
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

func NewRetrying(next Client, opts ...RetryingOption) *Retrying {
	r := &Retrying{
		next:        next,
		maxAttempts: DefaultMaxAttempts,
		strategy: runner.ExponentialBackoffStrategy{
			Base: 500 * time.Millisecond,
			Max:  30 * time.Second,
		},
		logger: datacopy.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Retrying) handler(op string) *runner.Handler {
	return runner.NewHandler(
		runner.WithMaxAttempts(r.maxAttempts),
		runner.WithRetryIf(Retryable),
		runner.WithRetryStrategy(r.strategy),
		runner.WithErrorHandler(func(err error) {
			r.logger.Warn("provider %s retrying: %v", op, err)
		}),
	)
}

func (r *Retrying) GetObject(ctx context.Context, uri string) (Object, error) {
	return runner.RunValue(ctx, r.handler("get object"), func(ctx context.Context) (Object, error) {
		return r.next.GetObject(ctx, uri)
	})
}

func (r *Retrying) ListFolder(ctx context.Context, uri string) ([]Object, error) {
	return runner.RunValue(ctx, r.handler("list folder"), func(ctx context.Context) ([]Object, error) {
		return r.next.ListFolder(ctx, uri)
	})
}

func (r *Retrying) DeleteObject(ctx context.Context, uri string) error {
	return r.handler("delete object").Run(ctx, func(ctx context.Context) error {
		return r.next.DeleteObject(ctx, uri)
	})
}

func (r *Retrying) StageObject(ctx context.Context, src Object, destinationURI string) error {
	return r.handler("stage object").Run(ctx, func(ctx context.Context) error {
		return r.next.StageObject(ctx, src, destinationURI)
	})
}

func (r *Retrying) StartCopyJob(ctx context.Context, req CopyJobRequest) (string, error) {
	return runner.RunValue(ctx, r.handler("start copy job"), func(ctx context.Context) (string, error) {
		return r.next.StartCopyJob(ctx, req)
	})
}

func (r *Retrying) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	return runner.RunValue(ctx, r.handler("get job status"), func(ctx context.Context) (string, error) {
		return r.next.GetJobStatus(ctx, jobID)
	})
}

func (r *Retrying) MoveObject(ctx context.Context, src Object, targetURI string) error {
	return r.handler("move object").Run(ctx, func(ctx context.Context) error {
		return r.next.MoveObject(ctx, src, targetURI)
	})
}

func (r *Retrying) GetExternalObject(ctx context.Context, uri string) (Object, error) {
	return runner.RunValue(ctx, r.handler("get external object"), func(ctx context.Context) (Object, error) {
		return r.next.GetExternalObject(ctx, uri)
	})
}

func (r *Retrying) UploadExternalObject(ctx context.Context, src Object, targetURI string) error {
	return r.handler("upload external object").Run(ctx, func(ctx context.Context) error {
		return r.next.UploadExternalObject(ctx, src, targetURI)
	})
}

package provider

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-datacopy/runner"
)

func TestRetryingStopsAtMaxAttempts(t *testing.T) {
	fake := NewFake()
	var calls atomic.Int32
	fake.Fail = func(op string) error {
		calls.Add(1)
		return providerError(op, 503, true, nil)
	}

	client := NewRetrying(fake, WithBackoff(runner.NoDelayStrategy{}))
	_, err := client.StartCopyJob(context.Background(), CopyJobRequest{SourceURIs: []string{"s3://a/f"}, DestinationURI: "s3://b/"})
	require.Error(t, err)
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	fake := NewFake()
	var calls atomic.Int32
	fake.Fail = func(op string) error {
		if calls.Add(1) < 3 {
			return providerError(op, 500, true, nil)
		}
		return nil
	}
	fake.SetJobStatus("J9", JobSucceeded)

	client := NewRetrying(fake, WithBackoff(runner.NoDelayStrategy{}))
	status, err := client.GetJobStatus(context.Background(), "J9")
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryingSkipsFinalFailures(t *testing.T) {
	fake := NewFake()
	var calls atomic.Int32
	fake.Fail = func(op string) error {
		calls.Add(1)
		return providerError(op, 400, false, nil)
	}

	client := NewRetrying(fake, WithBackoff(runner.NoDelayStrategy{}), WithMaxAttempts(4))
	_, err := client.GetObject(context.Background(), "s3://a/f")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFakeListFolderIsShallow(t *testing.T) {
	fake := NewFake()
	fake.AddObject(Object{URI: "s3://a/dir/", Kind: KindFolder})
	fake.AddObject(Object{URI: "s3://a/dir/f1", Size: 1})
	fake.AddObject(Object{URI: "s3://a/dir/sub/"})
	fake.AddObject(Object{URI: "s3://a/dir/sub/f2", Size: 2})

	items, err := fake.ListFolder(context.Background(), "s3://a/dir/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "s3://a/dir/f1", items[0].URI)
	assert.True(t, items[1].IsFolder())
}

package runner

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy decides how long a Handler waits before retrying. attempt is
// zero for the wait after the first failure.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy waits Base, then Base*Factor, Base*Factor^2 and
// so on, never longer than Max when Max is set. Factor defaults to 2.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	ceiling := float64(math.MaxInt64)
	if e.Max > 0 {
		ceiling = float64(e.Max)
	}

	delay := float64(e.Base)
	for i := 0; i < attempt && delay < ceiling; i++ {
		delay *= factor
	}
	if delay >= ceiling {
		return time.Duration(ceiling)
	}
	return time.Duration(delay)
}

// JitteredBackoffStrategy draws each wait uniformly from zero up to the
// exponential delay, so throttled callers retrying together drift apart.
type JitteredBackoffStrategy struct {
	ExponentialBackoffStrategy
	// Rand returns a value in [0, 1); nil uses math/rand/v2.
	Rand func() float64
}

func (j JitteredBackoffStrategy) SleepDuration(attempt int, err error) time.Duration {
	ceiling := j.ExponentialBackoffStrategy.SleepDuration(attempt, err)
	if ceiling <= 0 {
		return 0
	}
	draw := j.Rand
	if draw == nil {
		draw = rand.Float64
	}
	return time.Duration(draw() * float64(ceiling))
}

package chat

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how transient storage failures are retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries three times with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
}

// NoRetry runs every operation exactly once.
func NoRetry() RetryPolicy { return RetryPolicy{Attempts: 1} }

// backoff returns the delay before attempt n (1-based retry count) with full jitter.
func (p RetryPolicy) backoff(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (n - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(d)) + 1)
}

// run calls fn until it succeeds, fails with a non-retryable error, or attempts run out.
// onRetry is invoked before every retry.
func (p RetryPolicy) run(ctx context.Context, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 1; ; i++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || i >= attempts {
			return err
		}
		if onRetry != nil {
			onRetry(i, err)
		}

		t := time.NewTimer(p.backoff(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

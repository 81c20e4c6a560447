package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the retry loop for retryable upstream failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// BackoffMax caps the computed delay before jitter.
	BackoffMax time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  10 * time.Second,
	}
}

// delay computes base x 2^attempt capped at BackoffMax, then adds
// 10-30% random jitter so concurrent retries do not synchronize.
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := p.BackoffMax
	if max <= 0 {
		max = 10 * time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			d = max
			break
		}
		d *= 2
	}
	if d > max {
		d = max
	}

	jitter := 0.10 + rand.Float64()*0.20
	return d + time.Duration(float64(d)*jitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

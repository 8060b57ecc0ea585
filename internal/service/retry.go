package service

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how transient evaluator failures are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultRetryPolicy allows three attempts with a 1s, 2s schedule capped at 20s, with full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     20 * time.Second,
		Multiplier:      2,
		Jitter:          true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	p = p.normalized()

	backoff := p.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxInterval {
			backoff = p.MaxInterval
			break
		}
	}

	if p.Jitter {
		// Full jitter: uniform in [0, backoff].
		return time.Duration(rand.Int64N(int64(backoff) + 1)) // #nosec G404 -- non-cryptographic jitter
	}
	return backoff
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

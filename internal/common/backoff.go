package common

import (
	"context"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays for failed attempts: an exponential
// floor of min(2^attempt * base, cap) plus additive jitter. The same policy
// drives transient store retries with tighter parameters.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoffPolicy returns the global retry ladder defaults
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base: 10 * time.Second,
		Cap:  10 * time.Minute,
	}
}

// Delay returns the jittered delay before the next attempt. attempt is the
// 1-indexed number of the attempt that just failed. The exponential value is
// a floor, never shortened; jitter spreads retries uniformly in
// [floor, 2*floor).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	floor := p.Max(attempt)
	if floor <= 0 {
		return 0
	}
	return floor + time.Duration(rand.Int63n(int64(floor)))
}

// Max returns the exponential floor of the delay window for an attempt,
// without jitter
func (p BackoffPolicy) Max(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	return d
}

// RetryTransient runs fn up to maxAttempts times with bounded exponential
// backoff between failures, stopping early when fn succeeds, the error is
// non-retryable per shouldRetry, or the context ends. Total sleep is bounded
// by the policy cap times attempts; callers size the policy accordingly
// (store retries use base 100ms, cap 2s, 5 attempts).
func RetryTransient(ctx context.Context, policy BackoffPolicy, maxAttempts int, shouldRetry func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) || attempt == maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return err
}

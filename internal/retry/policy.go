// Package retry centralizes the backoff policy shared by every provider call.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes bounded exponential backoff.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultPolicy matches the per-call retry budget for provider traffic.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return p
}

// Backoff returns the delay preceding the given retry attempt. Attempt counts
// from 1; the first attempt carries no delay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 1 {
		return 0
	}

	delay := float64(p.InitialBackoff)
	for i := 2; i < attempt; i++ {
		delay *= p.BackoffMultiplier
		if delay >= float64(p.MaxBackoff) {
			break
		}
	}
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter {
		// full jitter in [delay/2, delay]
		half := delay / 2
		delay = half + rand.Float64()*half
	}
	return time.Duration(delay)
}

// Do runs fn up to MaxAttempts times, sleeping the policy backoff between
// attempts. retryable decides whether an error counts against the attempt
// budget; a non-retryable error returns immediately. Context cancellation is
// observed during backoff sleeps.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if delay := p.Backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

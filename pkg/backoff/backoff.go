package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	// Linear grows the delay by InitialDelay each attempt.
	Linear Strategy = iota
	// Exponential doubles the delay each attempt (InitialDelay * 2^attempt).
	Exponential
)

// Policy describes a bounded retry schedule.
type Policy struct {
	Strategy     Strategy
	MaxAttempts  int           // attempts before giving up
	InitialDelay time.Duration // base delay
	MaxDelay     time.Duration // cap on a single delay
	JitterFrac   float64       // up to this fraction of random extra delay (0 disables)
}

// DefaultReconnect is the schedule for ICE reconnection: exponential with
// up to 30% jitter, capped.
func DefaultReconnect() Policy {
	return Policy{
		Strategy:     Exponential,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		JitterFrac:   0.3,
	}
}

// DefaultConnect is the schedule for relay connection: linear, no jitter.
func DefaultConnect() Policy {
	return Policy{
		Strategy:     Linear,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// DelayFor returns the delay before the given attempt (0-based). The returned
// delay is non-decreasing in attempt up to MaxDelay, before jitter is added.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d float64
	switch p.Strategy {
	case Exponential:
		d = float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	default:
		d = float64(p.InitialDelay) * float64(attempt+1)
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.JitterFrac > 0 {
		d += d * p.JitterFrac * rand.Float64()
	}

	return time.Duration(d)
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx is done.
// The delay schedule starts after the first failure.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(p.DelayFor(attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", p.MaxAttempts, lastErr)
}

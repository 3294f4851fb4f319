package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialDelaysAreNonDecreasing(t *testing.T) {
	p := Policy{
		Strategy:     Exponential,
		MaxAttempts:  6,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		d := p.DelayFor(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestExponentialDelayRespectsCap(t *testing.T) {
	p := Policy{
		Strategy:     Exponential,
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
	}

	if d := p.DelayFor(8); d != 5*time.Second {
		t.Errorf("expected capped delay 5s, got %v", d)
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	p := Policy{
		Strategy:     Exponential,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		JitterFrac:   0.3,
	}

	base := 4 * time.Second // attempt 2: 1s * 2^2
	for i := 0; i < 100; i++ {
		d := p.DelayFor(2)
		if d < base {
			t.Fatalf("jitter must only add delay: got %v < %v", d, base)
		}
		max := base + time.Duration(0.3*float64(base))
		if d > max {
			t.Fatalf("jitter exceeded 30%%: got %v > %v", d, max)
		}
	}
}

func TestLinearDelaysGrowByBase(t *testing.T) {
	p := Policy{
		Strategy:     Linear,
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
	}

	if d := p.DelayFor(0); d != 10*time.Millisecond {
		t.Errorf("attempt 0: got %v", d)
	}
	if d := p.DelayFor(2); d != 30*time.Millisecond {
		t.Errorf("attempt 2: got %v", d)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	p := Policy{
		Strategy:     Linear,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}

	calls := 0
	wantErr := errors.New("always fails")
	err := Retry(context.Background(), p, func() error {
		calls++
		return wantErr
	})

	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("exhaustion error must wrap the last failure, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	p := Policy{
		Strategy:     Linear,
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}

	calls := 0
	err := Retry(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	p := Policy{
		Strategy:     Linear,
		MaxAttempts:  100,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, p, func() error { return errors.New("fail") })

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry kept running after cancellation: %v", elapsed)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketstream/internal/clock"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }
func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return nil }

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	p := DefaultPolicy()
	p.MaxRetries = 5

	err := Do(context.Background(), instantClock{}, p, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsWhenShouldRetryFalse(t *testing.T) {
	attempts := 0
	p := DefaultPolicy()
	p.ShouldRetry = func(err error) bool { return false }

	err := Do(context.Background(), instantClock{}, p, func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry)", attempts)
	}
}

func TestDoExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	p := DefaultPolicy()
	p.MaxRetries = 2

	err := Do(context.Background(), instantClock{}, p, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Fatal("expected last error to propagate")
	}
	if attempts != 3 { // initial + 2 retries
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})

	failing := func() error { return errors.New("boom") }

	_ = cb.Execute(context.Background(), failing)
	_ = cb.Execute(context.Background(), failing)

	if err := cb.Execute(context.Background(), failing); err != ErrCircuitOpen {
		t.Fatalf("expected circuit open after threshold, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to succeed, got %v", err)
	}
	if cb.State() != "closed" {
		t.Fatalf("state = %s, want closed after successful probe", cb.State())
	}
}

var _ clock.Clock = instantClock{}

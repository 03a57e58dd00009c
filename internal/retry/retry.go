// Package retry implements the generic retry engine from spec.md §4.2:
// retry-with-predicate over a jittered exponential backoff, plus a circuit
// breaker variant for guarding a failing dependency.
//
// Grounded on internal/binance/futures_client.go's calculateRetryDelay/
// isRetryableError pair, generalized from a Binance-specific HTTP retry
// loop into an operation-agnostic engine.
package retry

import (
	"context"
	"errors"

	"marketstream/internal/clock"
)

// Policy configures a single retry run. ShouldRetry decides whether err is
// transient; nil means "retry every error." OnRetry, if set, is invoked
// once per retry (not the initial attempt) right before the backoff sleep,
// letting a caller count or log retries, per spec.md §8's "the Retry
// Engine records exactly one retry" boundary scenario.
type Policy struct {
	MaxRetries  int
	Backoff     clock.BackoffConfig
	ShouldRetry func(err error) bool
	OnRetry     func(attempt int, err error)
}

// DefaultPolicy mirrors spec.md §4.2's description with modest defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Backoff:    clock.BackoffConfig{InitialDelay: 500, MaxDelay: 5000, BackoffFactor: 2.0},
	}
}

// Do runs op, retrying per p until it succeeds, shouldRetry returns false,
// or MaxRetries is exhausted — in which case the last error is returned.
func Do(ctx context.Context, c clock.Clock, p Policy, op func(ctx context.Context) error) error {
	if c == nil {
		c = clock.RealClock{}
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	b := clock.NewBackoff(p.Backoff)
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.MaxRetries {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr)
		}
		if err := c.Sleep(ctx, b.Next()); err != nil {
			return err
		}
	}
	return lastErr
}

// ErrCircuitOpen is returned by a CircuitBreaker-wrapped operation while the
// breaker is Open.
var ErrCircuitOpen = errors.New("circuit_open")

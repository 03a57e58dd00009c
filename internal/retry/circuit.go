package retry

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig mirrors spec.md §4.2's circuit-breaker variant:
// Closed runs the operation; at FailureThreshold consecutive failures it
// trips to Open for ResetTimeout; after that it goes HalfOpen and allows
// exactly one probe.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// CircuitBreaker wraps an operation with gobreaker, grounded on
// sawpanic-cryptorun's CircuitBreakerManager wiring of the same library.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // exactly one probe while HalfOpen, per spec.md §4.2
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs op if the breaker is Closed or probing HalfOpen; it returns
// ErrCircuitOpen without running op while Open.
func (c *CircuitBreaker) Execute(_ context.Context, op func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen
	}
	return err
}

func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}

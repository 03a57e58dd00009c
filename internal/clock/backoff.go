package clock

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// BackoffConfig parametrizes the reconnect/retry delay sequence from
// spec.md §4.2/§4.6: d_n = min(maxDelay, initialDelay * factor^n) * jitter(0.9, 1.1).
type BackoffConfig struct {
	InitialDelay  int64 // ms
	MaxDelay      int64 // ms
	BackoffFactor float64
}

// DefaultBackoffConfig matches spec.md §6 defaults: initial 3s, max 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{InitialDelay: 3000, MaxDelay: 30000, BackoffFactor: 1.5}
}

// Backoff generates the jittered exponential delay sequence. It is not
// safe for concurrent use by multiple goroutines; each Stream Session or
// retry call owns its own instance.
type Backoff struct {
	eb *backoff.ExponentialBackOff
}

// NewBackoff builds a Backoff from cfg. cenkalti/backoff/v4's
// RandomizationFactor of 0.1 produces exactly the [0.9, 1.1] jitter band
// spec.md requires, and its Multiplier/MaxInterval map directly onto
// backoffFactor/maxDelay.
func NewBackoff(cfg BackoffConfig) *Backoff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = msDuration(cfg.InitialDelay)
	eb.MaxInterval = msDuration(cfg.MaxDelay)
	eb.Multiplier = cfg.BackoffFactor
	eb.RandomizationFactor = 0.1
	eb.MaxElapsedTime = 0 // caller enforces maxReconnectAttempts, not elapsed time
	eb.Reset()
	return &Backoff{eb: eb}
}

// Next returns d_n, the next delay in the sequence, and advances internal state.
func (b *Backoff) Next() time.Duration {
	d := b.eb.NextBackOff()
	if d == backoff.Stop {
		return b.eb.MaxInterval
	}
	return d
}

// Reset restarts the sequence at d_0.
func (b *Backoff) Reset() { b.eb.Reset() }

// Package ratelimit implements the multi-bucket token limiter from
// spec.md §4.1: fixed windows (weight-per-minute, orders-per-10s,
// raw-per-5min), each reset to zero at its own resetAt boundary.
//
// Grounded on internal/binance/rate_limiter.go's currentWeight/weightResetAt
// fields, generalized from a single global weight bucket into the spec's
// three named bucket types.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketstream/internal/clock"
	"marketstream/internal/events"
)

// BucketType names one of the three fixed-window buckets spec.md §3 defines.
type BucketType string

const (
	BucketWeight BucketType = "weight-per-minute"
	BucketOrders BucketType = "orders-per-10s"
	BucketRaw    BucketType = "raw-per-5min"
)

var windowFor = map[BucketType]time.Duration{
	BucketWeight: 60 * time.Second,
	BucketOrders: 10 * time.Second,
	BucketRaw:    300 * time.Second,
}

// smallSlack is added on top of the computed wait to avoid waking up a hair
// before the window has actually rolled over.
const smallSlack = 50 * time.Millisecond

type bucket struct {
	mu      sync.Mutex
	limit   int
	count   int
	resetAt time.Time
	window  time.Duration
}

func newBucket(window time.Duration, limit int, now time.Time) *bucket {
	return &bucket{limit: limit, resetAt: now.Add(window), window: window}
}

func (b *bucket) resetIfElapsed(now time.Time) {
	if !now.Before(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(b.window)
	}
}

// Limiter owns one bucket per BucketType and serializes all accounting.
type Limiter struct {
	clock   clock.Clock
	sink    events.Sink
	buckets map[BucketType]*bucket

	stopCh chan struct{}
	once   sync.Once
}

// Limits configures the per-bucket caps. Defaults match spec.md §6:
// weight 2400/min is a sane Binance-Futures-shaped default; the spec itself
// leaves exact limits to configuration.
type Limits struct {
	Weight int
	Orders int
	Raw    int
}

func DefaultLimits() Limits {
	return Limits{Weight: 2400, Orders: 300, Raw: 61000}
}

func New(c clock.Clock, sink events.Sink, limits Limits) *Limiter {
	if c == nil {
		c = clock.RealClock{}
	}
	if sink == nil {
		sink = events.Nop{}
	}
	now := c.Now()
	l := &Limiter{
		clock: c,
		sink:  sink,
		buckets: map[BucketType]*bucket{
			BucketWeight: newBucket(windowFor[BucketWeight], limits.Weight, now),
			BucketOrders: newBucket(windowFor[BucketOrders], limits.Orders, now),
			BucketRaw:    newBucket(windowFor[BucketRaw], limits.Raw, now),
		},
		stopCh: make(chan struct{}),
	}
	go l.resetLoop()
	return l
}

// resetLoop resets any bucket whose window has elapsed, once a second, per
// spec.md §4.1 ("a background task every 1s resets any bucket whose window
// has elapsed"). acquire also performs an inline check, so this loop is a
// backstop for buckets that go idle.
func (l *Limiter) resetLoop() {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := l.clock.Now()
			for _, b := range l.buckets {
				b.mu.Lock()
				b.resetIfElapsed(now)
				b.mu.Unlock()
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stopCh) })
}

// Acquire blocks until weight units are available in bt, charging them
// before returning. It never fails on client-side limiting; it only delays.
func (l *Limiter) Acquire(ctx context.Context, bt BucketType, weight int) error {
	b, ok := l.buckets[bt]
	if !ok {
		return fmt.Errorf("ratelimit: unknown bucket type %q", bt)
	}

	for {
		b.mu.Lock()
		now := l.clock.Now()
		b.resetIfElapsed(now)

		if b.count+weight <= b.limit {
			b.count += weight
			b.mu.Unlock()
			return nil
		}

		wait := b.resetAt.Sub(now) + smallSlack
		b.mu.Unlock()

		l.sink.Emit(events.Event{
			Type: "rateLimit",
			Fields: map[string]any{
				"bucket": string(bt),
				"wait":   wait.String(),
				"weight": weight,
			},
			At: now,
		})

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		// loop: re-check and charge after the reset, per spec.md §4.1
	}
}

// Usage reports the current count/limit/resetAt for a bucket, for metrics.
type Usage struct {
	Count   int
	Limit   int
	ResetAt time.Time
}

func (l *Limiter) Usage(bt BucketType) Usage {
	b, ok := l.buckets[bt]
	if !ok {
		return Usage{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{Count: b.count, Limit: b.limit, ResetAt: b.resetAt}
}

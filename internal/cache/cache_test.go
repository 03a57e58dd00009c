package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.advance(d)
	return nil
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGetAfterSetReturnsValueWithinTTL(t *testing.T) {
	fc := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: 30 * time.Second, Policy: LRU, Clock: fc})
	defer c.Close()

	c.Set("k", "v")
	fc.advance(29 * time.Second)
	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get = %v, %v; want v, true", v, ok)
	}
}

func TestGetExpiresAtTTL(t *testing.T) {
	fc := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: 30 * time.Second, Policy: LRU, Clock: fc})
	defer c.Close()

	c.Set("k", "v")
	fc.advance(30 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss at TTL boundary")
	}
	if c.Has("k") {
		t.Fatal("expected entry removed after expiry")
	}
}

func TestSizeNeverExceedsMaxSize(t *testing.T) {
	fc := newFakeClock()
	c := New(Config{MaxSize: 3, TTL: time.Minute, Policy: LRU, Clock: fc})
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), i)
		if c.Stats().Size > 3 {
			t.Fatalf("size = %d after insert %d, want <= 3", c.Stats().Size, i)
		}
	}
}

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	fc := newFakeClock()
	c := New(Config{MaxSize: 2, TTL: time.Minute, Policy: LRU, Clock: fc})
	defer c.Close()

	c.Set("a", 1)
	fc.advance(time.Second)
	c.Set("b", 2)
	fc.advance(time.Second)
	c.Get("a") // touch a, making b the LRU victim
	fc.advance(time.Second)

	c.Set("c", 3)

	if c.Has("b") {
		t.Fatal("expected b evicted as least recently used")
	}
	if !c.Has("a") || !c.Has("c") {
		t.Fatal("expected a and c to remain")
	}
}

func TestFIFOEvictsOldestCreated(t *testing.T) {
	fc := newFakeClock()
	c := New(Config{MaxSize: 2, TTL: time.Minute, Policy: FIFO, Clock: fc})
	defer c.Close()

	c.Set("a", 1)
	fc.advance(time.Second)
	c.Set("b", 2)
	fc.advance(time.Second)
	c.Get("a") // FIFO ignores access recency

	c.Set("c", 3)

	if c.Has("a") {
		t.Fatal("expected a evicted as oldest created, regardless of access")
	}
}

func TestClearRemovesOnlyMatchingNamespace(t *testing.T) {
	fc := newFakeClock()
	c := New(Config{MaxSize: 10, TTL: time.Minute, Policy: LRU, Clock: fc})
	defer c.Close()

	c.Set(FullKey("md", "tick", "BTCUSDT", nil), 1)
	c.Set(FullKey("other", "tick", "BTCUSDT", nil), 2)

	c.Clear("md")

	if c.Has(FullKey("md", "tick", "BTCUSDT", nil)) {
		t.Fatal("expected md namespace cleared")
	}
	if !c.Has(FullKey("other", "tick", "BTCUSDT", nil)) {
		t.Fatal("expected other namespace untouched")
	}
}

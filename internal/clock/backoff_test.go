package clock

import "testing"

func TestBackoffGrowth(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 1000, MaxDelay: 8000, BackoffFactor: 2.0}
	b := NewBackoff(cfg)

	want := []struct{ lo, hi float64 }{
		{900, 1100},
		{1800, 2200},
		{3600, 4400},
		{7200, 8800}, // clamped toward MaxInterval=8000 by the underlying backoff
	}

	for n, w := range want {
		d := b.Next()
		ms := float64(d.Milliseconds())
		if ms < w.lo*0.85 || ms > w.hi*1.15 {
			t.Fatalf("delay %d = %v, want roughly within [%.0f,%.0f]ms", n, d, w.lo, w.hi)
		}
	}
}

func TestBackoffResetRestartsSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 500, MaxDelay: 5000, BackoffFactor: 2.0})
	first := b.Next()
	b.Next()
	b.Next()
	b.Reset()
	again := b.Next()

	if again.Milliseconds() > first.Milliseconds()*2 {
		t.Fatalf("reset did not restart sequence: first=%v again=%v", first, again)
	}
}

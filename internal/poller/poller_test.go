package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"marketstream/internal/credentials"
	"marketstream/internal/ratelimit"
	"marketstream/internal/rest"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*rest.Gateway, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	rl := ratelimit.New(nil, nil, ratelimit.DefaultLimits())
	gw := rest.New(rest.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, credentials.Static{Key: "k", Secret: "s"}, rl, nil, nil)
	return gw, func() {
		srv.Close()
		rl.Close()
	}
}

func TestPollDeliversDecodedPriceFrame(t *testing.T) {
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "60000", "bidQty": "1", "askPrice": "60001", "askQty": "1",
		})
	})
	defer cleanup()

	p := New(Config{Interval: time.Hour, RateLimit: rate.Inf, Burst: 1}, gw)
	frames := make(chan Frame, 1)
	p.Start(context.Background(), "btcusdt@bookticker", func(f Frame) { frames <- f })
	defer p.StopAll()

	select {
	case f := <-frames:
		if f.Stale {
			t.Fatalf("expected a fresh frame, got stale")
		}
		if f.Payload["symbol"] != "BTCUSDT" {
			t.Fatalf("payload symbol = %v, want BTCUSDT", f.Payload["symbol"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll frame")
	}
}

func TestPollMarksFrameStaleOnError(t *testing.T) {
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer cleanup()

	p := New(Config{Interval: time.Hour, RateLimit: rate.Inf, Burst: 1}, gw)
	frames := make(chan Frame, 1)
	p.Start(context.Background(), "btcusdt@bookticker", func(f Frame) { frames <- f })
	defer p.StopAll()

	// A 500 exhausts the Gateway's internal/retry.Do loop (3 retries, backoff
	// up to 500ms+1s+2s) before the poller sees the final error, so this
	// needs a longer deadline than the happy-path tests above.
	select {
	case f := <-frames:
		if !f.Stale {
			t.Fatal("expected a stale frame on fetch error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for poll frame")
	}
}

func TestStopStopsDelivery(t *testing.T) {
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "1", "bidQty": "1", "askPrice": "1", "askQty": "1",
		})
	})
	defer cleanup()

	p := New(Config{Interval: 20 * time.Millisecond, RateLimit: rate.Inf, Burst: 5}, gw)
	if p.Active("btcusdt@bookticker") {
		t.Fatal("expected inactive before Start")
	}
	p.Start(context.Background(), "btcusdt@bookticker", func(Frame) {})
	if !p.Active("btcusdt@bookticker") {
		t.Fatal("expected active after Start")
	}
	p.Stop("btcusdt@bookticker")
	if p.Active("btcusdt@bookticker") {
		t.Fatal("expected inactive after Stop")
	}
}

func TestStartTwiceReplacesPriorJob(t *testing.T) {
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "1", "bidQty": "1", "askPrice": "1", "askQty": "1",
		})
	})
	defer cleanup()

	p := New(Config{Interval: time.Hour, RateLimit: rate.Inf, Burst: 1}, gw)
	defer p.StopAll()

	p.Start(context.Background(), "btcusdt@bookticker", func(Frame) {})
	p.Start(context.Background(), "btcusdt@bookticker", func(Frame) {})
	if !p.Active("btcusdt@bookticker") {
		t.Fatal("expected active after second Start")
	}
}

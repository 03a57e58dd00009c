package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketstream/internal/credentials"
	"marketstream/internal/ratelimit"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	rl := ratelimit.New(nil, nil, ratelimit.DefaultLimits())
	gw := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, credentials.Static{Key: "k", Secret: "s"}, rl, nil, nil)
	return gw, func() {
		srv.Close()
		rl.Close()
	}
}

func TestGetCurrentPriceHappyPath(t *testing.T) {
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "60000.00", "bidQty": "1.0",
			"askPrice": "60001.00", "askQty": "1.2",
		})
	})
	defer cleanup()

	res := gw.GetCurrentPrice(context.Background(), "btcusdt")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Data.Bid != 60000.0 {
		t.Fatalf("bid = %v, want 60000.0", res.Data.Bid)
	}
	if res.Source != "rest" {
		t.Fatalf("source = %v, want rest", res.Source)
	}
}

func TestGatewayDoesNotRetryOn4xx(t *testing.T) {
	calls := 0
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"code": -1100, "msg": "bad request"})
	})
	defer cleanup()

	res := gw.GetCurrentPrice(context.Background(), "BTCUSDT")
	if res.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestGatewayRetriesOn5xx(t *testing.T) {
	calls := 0
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "1", "bidQty": "1", "askPrice": "1", "askQty": "1",
		})
	})
	defer cleanup()

	res := gw.GetCurrentPrice(context.Background(), "BTCUSDT")
	if res.Err != nil {
		t.Fatalf("expected eventual success, got %v", res.Err)
	}
	if calls < 2 {
		t.Fatalf("calls = %d, want >= 2 (retried on 5xx)", calls)
	}
}

func TestAuthErrorOn401(t *testing.T) {
	gw, cleanup := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"code": -2015, "msg": "invalid key"})
	})
	defer cleanup()

	res := gw.GetCurrentPrice(context.Background(), "BTCUSDT")
	if res.Err == nil || res.Err.Kind != "auth" {
		t.Fatalf("expected auth error, got %v", res.Err)
	}
}

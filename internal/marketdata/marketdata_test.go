package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketstream/internal/cache"
	"marketstream/internal/credentials"
	"marketstream/internal/decode"
	"marketstream/internal/envelope"
	"marketstream/internal/poller"
	"marketstream/internal/ratelimit"
	"marketstream/internal/rest"
	"marketstream/internal/supervisor"
)

func newTestService(t *testing.T, handler http.HandlerFunc) (*Service, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	rl := ratelimit.New(nil, nil, ratelimit.DefaultLimits())
	gw := rest.New(rest.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, credentials.Static{Key: "k", Secret: "s"}, rl, nil, nil)
	supCfg := supervisor.DefaultConfig()
	supCfg.WSBaseURL = "ws://127.0.0.1:1" // unreachable: these tests never need a live push connection
	sup := supervisor.New(supCfg, nil, nil)
	poll := poller.New(poller.DefaultConfig(), gw)
	svc := New(Config{ReconnectOnTransientError: true, Cache: cache.DefaultConfig()}, gw, sup, poll)
	return svc, func() {
		svc.Close()
		sup.DisconnectAll()
		poll.StopAll()
		rl.Close()
		srv.Close()
	}
}

func TestGetCurrentPriceFillsCache(t *testing.T) {
	calls := 0
	svc, cleanup := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "60000", "bidQty": "1", "askPrice": "60001", "askQty": "1",
		})
	})
	defer cleanup()

	first := svc.GetCurrentPrice(context.Background(), "BTCUSDT")
	if first.Err != nil || first.Source != "rest" {
		t.Fatalf("first read = %+v", first)
	}
	second := svc.GetCurrentPrice(context.Background(), "BTCUSDT")
	if second.Err != nil || second.Source != "cache" {
		t.Fatalf("second read = %+v, want cache hit", second)
	}
	if calls != 1 {
		t.Fatalf("REST calls = %d, want 1 (second should be served from cache)", calls)
	}
}

func TestPushTradeRingBufferBoundedNewestFirst(t *testing.T) {
	svc, cleanup := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})
	defer cleanup()

	for i := 0; i < tradeRingSize+10; i++ {
		svc.pushTrade("btcusdt@aggtrade", decode.Trade{ID: int64(i)})
	}
	snapshot := svc.pushTrade("btcusdt@aggtrade", decode.Trade{ID: 999})
	if len(snapshot) != tradeRingSize {
		t.Fatalf("ring buffer len = %d, want %d", len(snapshot), tradeRingSize)
	}
	if snapshot[0].ID != 999 {
		t.Fatalf("newest trade not first: %+v", snapshot[0])
	}
}

func TestPushKlineReplacesByOpenTimeAndKeepsSorted(t *testing.T) {
	svc, cleanup := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})
	defer cleanup()

	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Minute)

	svc.pushKline("btcusdt@kline_1m", decode.Kline{OpenTime: t1, Close: 100})
	svc.pushKline("btcusdt@kline_1m", decode.Kline{OpenTime: t0, Close: 50})
	series := svc.pushKline("btcusdt@kline_1m", decode.Kline{OpenTime: t1, Close: 101})

	if len(series) != 2 {
		t.Fatalf("series len = %d, want 2 (replace, not append)", len(series))
	}
	if !series[0].OpenTime.Equal(t0) || !series[1].OpenTime.Equal(t1) {
		t.Fatalf("series not sorted ascending by OpenTime: %+v", series)
	}
	if series[1].Close != 101 {
		t.Fatalf("second entry not replaced: %+v", series[1])
	}
}

func TestHandleCircuitOpenStartsPollingForActiveSubscriptions(t *testing.T) {
	svc, cleanup := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "BTCUSDT", "bidPrice": "1", "bidQty": "1", "askPrice": "1", "askQty": "1",
		})
	})
	defer cleanup()

	unsub := svc.SubscribePrice(context.Background(), "BTCUSDT", func(envelope.Result[decode.PriceTick]) {})
	defer unsub()

	key := "btcusdt@bookTicker"
	if svc.poll.Active(key) {
		t.Fatal("expected no poll job before a circuit trip")
	}

	svc.HandleCircuitOpen([]string{key})
	if !svc.poll.Active(key) {
		t.Fatal("expected HandleCircuitOpen to start a poll job for the active subscription")
	}

	svc.HandleCircuitClose()
	if svc.poll.Active(key) {
		t.Fatal("expected HandleCircuitClose to stop the poll job")
	}
}

func TestHandleCircuitOpenIgnoresUnknownKeys(t *testing.T) {
	svc, cleanup := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})
	defer cleanup()

	svc.HandleCircuitOpen([]string{"ethusdt@trade"})
	svc.HandleCircuitClose()
}

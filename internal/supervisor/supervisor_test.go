package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketstream/internal/stream"
)

// newTestWSServer upgrades every connection and lets the test push combined
// stream envelopes ({"stream": key, "data": payload}) to the latest client.
func newTestWSServer(t *testing.T) (wsURL string, push func(key string, data map[string]any), closeSrv func()) {
	t.Helper()
	var upgrader websocket.Upgrader
	var mu sync.Mutex
	var conns []*websocket.Conn

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	push = func(key string, data map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.WriteJSON(map[string]any{"stream": key, "data": data})
		}
	}
	closeSrv = func() {
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		srv.Close()
	}
	return wsURL, push, closeSrv
}

func TestSubscribeDeliversPushFrames(t *testing.T) {
	wsURL, push, closeSrv := newTestWSServer(t)
	defer closeSrv()

	cfg := DefaultConfig()
	cfg.WSBaseURL = wsURL
	sup := New(cfg, nil, nil)
	defer sup.DisconnectAll()

	frames := make(chan stream.Frame, 1)
	unsub := sup.SubscribeToStream(context.Background(), "btcusdt@bookticker", func(f stream.Frame) { frames <- f })
	defer unsub()

	waitForConnected(t, sup)
	push("btcusdt@bookticker", map[string]any{"s": "BTCUSDT", "b": "1", "B": "1", "a": "1", "A": "1"})

	select {
	case f := <-frames:
		if f.StreamKey != "btcusdt@bookticker" {
			t.Fatalf("stream key = %s", f.StreamKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed frame")
	}
}

func TestUnsubscribeIsIdempotentAndClosesSessionWhenDrained(t *testing.T) {
	wsURL, _, closeSrv := newTestWSServer(t)
	defer closeSrv()

	cfg := DefaultConfig()
	cfg.WSBaseURL = wsURL
	sup := New(cfg, nil, nil)
	defer sup.DisconnectAll()

	unsub := sup.SubscribeToStream(context.Background(), "ethusdt@trade", func(stream.Frame) {})
	waitForConnected(t, sup)

	unsub()
	unsub() // must not panic or double-decrement

	sup.mu.Lock()
	if len(sup.keyCount) != 0 {
		t.Fatalf("keyCount not drained: %v", sup.keyCount)
	}
	if sup.session != nil {
		t.Fatal("expected session to be closed once drained")
	}
	sup.mu.Unlock()
}

func TestResetCircuitBreakerInvokesOnCircuitClose(t *testing.T) {
	var closed bool
	cfg := DefaultConfig()
	cfg.WSBaseURL = "ws://127.0.0.1:0"
	sup := New(cfg, nil, func() { closed = true })

	sup.ResetCircuitBreaker()
	if !closed {
		t.Fatal("expected onCircuitClose to be invoked")
	}
	if sup.CircuitState() != "closed" {
		t.Fatalf("circuit state = %s, want closed", sup.CircuitState())
	}
}

func TestStatusDisconnectedWithNoSession(t *testing.T) {
	sup := New(DefaultConfig(), nil, nil)
	if sup.Status() != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", sup.Status())
	}
}

func waitForConnected(t *testing.T, sup *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Status() == StatusConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached connected, status = %s", sup.Status())
}

package stream

import "testing"

func TestStreamURLSingleVsCombined(t *testing.T) {
	single := streamURL("wss://fstream.binance.com", []string{"btcusdt@bookticker"})
	if single != "wss://fstream.binance.com/ws/btcusdt@bookticker" {
		t.Fatalf("single url = %s", single)
	}

	combined := streamURL("wss://fstream.binance.com", []string{"btcusdt@bookticker", "ethusdt@trade"})
	want := "wss://fstream.binance.com/stream?streams=btcusdt@bookticker/ethusdt@trade"
	if combined != want {
		t.Fatalf("combined url = %s, want %s", combined, want)
	}
}

func TestConnectionHealthSemantics(t *testing.T) {
	s := New(DefaultConfig())

	if got := s.ConnectionHealth(); got != 0 {
		t.Fatalf("health before connect = %d, want 0", got)
	}

	s.setState(StateOpen)
	if got := s.ConnectionHealth(); got != 20 {
		t.Fatalf("health never-ponged = %d, want 20", got)
	}

	s.mu.Lock()
	s.everPonged = true
	s.lastPongAt = s.clock.Now()
	s.mu.Unlock()
	if got := s.ConnectionHealth(); got != 100 {
		t.Fatalf("health fresh pong = %d, want 100", got)
	}
}

func TestCallbackCountAndRemoveKey(t *testing.T) {
	s := New(DefaultConfig())
	s.RegisterCallback("btcusdt@bookticker", func(Frame) {})
	s.RegisterCallback("btcusdt@bookticker", func(Frame) {})
	s.RegisterCallback("ethusdt@trade", func(Frame) {})

	if n := s.CallbackCount(); n != 3 {
		t.Fatalf("callback count = %d, want 3", n)
	}

	s.RemoveKey("btcusdt@bookticker")
	if n := s.CallbackCount(); n != 1 {
		t.Fatalf("callback count after remove = %d, want 1", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(DefaultConfig())
	s.Close()
	s.Close() // must not panic
	if !s.isCloseRequested() {
		t.Fatal("expected close requested")
	}
}

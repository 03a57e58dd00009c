// Package supervisor implements the Connection Supervisor (C7): it owns
// the Stream Sessions, enforces a per-endpoint circuit breaker, and
// exposes subscribe/unsubscribe, forceReconnect, disconnectAll, status,
// metrics, and resetCircuitBreaker per spec.md §4.7.
//
// Per spec.md §9's multiplexing design note ("a single combined socket is
// simpler and is recommended"), this Supervisor keeps exactly one combined
// Session carrying every active key, rather than one socket per stream.
//
// Grounded on internal/api/websocket_futures.go's reconnect-guard channel
// idiom and internal/binance/kline_subscription_manager.go's
// resubscribe-on-reconnect bookkeeping; the circuit breaker itself is
// grounded on sawpanic-cryptorun's gobreaker wiring rather than the
// teacher's PnL-based breaker, which has no connection-health analogue.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketstream/internal/clock"
	"marketstream/internal/events"
	"marketstream/internal/retry"
	"marketstream/internal/stream"
)

var errSessionFailed = errors.New("supervisor: session reached failed state")

// Status is the aggregate connection status from spec.md §4.7.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Unsubscribe is returned by subscribeToStream/connectToStreams; calling
// it more than once is a no-op (spec.md P2).
type Unsubscribe func()

// Config parametrizes the Supervisor.
type Config struct {
	WSBaseURL        string
	SessionConfig    stream.Config
	FailureThreshold uint32        // consecutive sessions gone Failed before the breaker trips Open
	BreakerTimeout   time.Duration // default 5 minutes, per spec.md §4.7
	Clock            clock.Clock
	Sink             events.Sink
}

func DefaultConfig() Config {
	return Config{
		WSBaseURL:        "wss://fstream.binance.com",
		SessionConfig:    stream.DefaultConfig(),
		FailureThreshold: 5,
		BreakerTimeout:   5 * time.Minute,
	}
}

type registration struct {
	id uint64
	cb stream.Callback
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	cfg     Config
	clock   clock.Clock
	sink    events.Sink
	breaker *retry.CircuitBreaker

	mu       sync.Mutex
	session  *stream.Session
	cancel   context.CancelFunc
	regs     map[uint64]registration
	nextID   uint64
	keyCount map[string]int // ref count per stream key, for withdraw-on-zero

	// onCircuitOpen/onCircuitClosed let the owner (Market Data Service)
	// react by switching affected keys to the Fallback Poller and back.
	onCircuitOpen  func(keys []string)
	onCircuitClose func()
}

func New(cfg Config, onCircuitOpen func(keys []string), onCircuitClose func()) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Nop{}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 5 * time.Minute
	}
	return &Supervisor{
		cfg:            cfg,
		clock:          cfg.Clock,
		sink:           cfg.Sink,
		breaker:        retry.NewCircuitBreaker(retry.CircuitBreakerConfig{Name: "ws-endpoint", FailureThreshold: cfg.FailureThreshold, ResetTimeout: cfg.BreakerTimeout}),
		regs:           make(map[uint64]registration),
		keyCount:       make(map[string]int),
		onCircuitOpen:  onCircuitOpen,
		onCircuitClose: onCircuitClose,
	}
}

// ensureSessionLocked lazily creates and starts the combined session. The
// caller must hold s.mu.
func (s *Supervisor) ensureSessionLocked(ctx context.Context) {
	if s.session != nil {
		return
	}
	sessCtx, cancel := context.WithCancel(ctx)
	cfg := s.cfg.SessionConfig
	cfg.WSBaseURL = s.cfg.WSBaseURL
	cfg.Clock = s.clock
	cfg.Sink = s.sink
	sess := stream.New(cfg)
	s.session = sess
	s.cancel = cancel
	go sess.Run(sessCtx)
	go s.watchSessionLocked(sess)
}

// watchSessionLocked observes a session reaching Failed and feeds that
// into the circuit breaker, per spec.md §4.7.
func (s *Supervisor) watchSessionLocked(sess *stream.Session) {
	<-sess.Done()
	if sess.State() != stream.StateFailed {
		return
	}
	s.mu.Lock()
	breaker := s.breaker
	s.mu.Unlock()
	err := breaker.Execute(context.Background(), func() error { return errSessionFailed })
	// The failure that trips the breaker returns errSessionFailed itself, so
	// the breaker's state is checked as well as the returned error.
	if err == retry.ErrCircuitOpen || breaker.State() == "open" {
		s.mu.Lock()
		keys := sess.Keys()
		s.session = nil
		s.mu.Unlock()
		if s.onCircuitOpen != nil {
			s.onCircuitOpen(keys)
		}
	}
}

// SubscribeToStream ensures a session exists carrying key, registers cb,
// and returns an idempotent unsubscribe handle.
func (s *Supervisor) SubscribeToStream(ctx context.Context, key string, cb stream.Callback) Unsubscribe {
	return s.ConnectToStreams(ctx, []string{key}, cb)
}

// ConnectToStreams is the combined-subscription analogue.
func (s *Supervisor) ConnectToStreams(ctx context.Context, keys []string, cb stream.Callback) Unsubscribe {
	s.mu.Lock()
	if s.breaker.State() == "open" {
		s.mu.Unlock()
		return func() {}
	}
	s.ensureSessionLocked(ctx)
	sess := s.session
	for _, k := range keys {
		s.keyCount[k]++
	}
	id := s.nextID
	s.nextID++
	s.regs[id] = registration{id: id, cb: cb}
	s.mu.Unlock()

	sess.Subscribe(keys)
	for _, k := range keys {
		sess.RegisterCallback(k, cb)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unregister(id, keys) })
	}
}

func (s *Supervisor) unregister(id uint64, keys []string) {
	s.mu.Lock()
	delete(s.regs, id)
	var drained []string
	for _, k := range keys {
		if s.keyCount[k] > 0 {
			s.keyCount[k]--
		}
		if s.keyCount[k] == 0 {
			delete(s.keyCount, k)
			drained = append(drained, k)
		}
	}
	sess := s.session
	closeSession := len(s.keyCount) == 0
	s.mu.Unlock()

	if sess != nil && len(drained) > 0 {
		sess.Unsubscribe(drained)
		for _, k := range drained {
			sess.RemoveKey(k)
		}
	}
	// Fan-out on unsubscribe (spec.md §4.7): when the whole callback set
	// for the session is empty, close it with code 1000.
	if sess != nil && closeSession {
		sess.Close()
		s.mu.Lock()
		if s.session == sess {
			s.session = nil
		}
		s.mu.Unlock()
	}
}

// ForceReconnect closes all sessions without marking them intentional,
// triggering full reconnection.
func (s *Supervisor) ForceReconnect() {
	s.mu.Lock()
	sess := s.session
	cancel := s.cancel
	s.session = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = sess // the cancelled context unwinds Run(); a fresh session is lazily recreated on next subscribe
}

// DisconnectAll performs a normal close on all sessions and clears
// callbacks/active keys. Idempotent: calling it on an Idle Supervisor is a
// no-op, per spec.md §7.
func (s *Supervisor) DisconnectAll() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.regs = make(map[uint64]registration)
	s.keyCount = make(map[string]int)
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Status aggregates the combined session's state into spec.md §4.7's
// status categories.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	sess := s.session
	breakerOpen := s.breaker.State() == "open"
	s.mu.Unlock()
	if sess == nil {
		if breakerOpen {
			return StatusFailed
		}
		return StatusDisconnected
	}
	switch sess.State() {
	case stream.StateOpen:
		return StatusConnected
	case stream.StateConnecting:
		return StatusConnecting
	case stream.StateReconnecting:
		return StatusReconnecting
	case stream.StateFailed:
		return StatusFailed
	default:
		return StatusDisconnected
	}
}

// AggregateMetrics is the Supervisor-level view of spec.md §4.7's
// metrics() operation.
type AggregateMetrics struct {
	Connected       bool
	ConnectionHealth int
	MessageCount    int64
	MessageRate     float64 // msgs/s; Metrics() does not compute it and leaves it 0
	PingLatencyAvg  time.Duration
	ErrorCount      int64
	LastError       string
	DataGapCount    int64
	StaleDataCount  int64
	EstimatedMemory int64 // messageSizeSum * 2, per spec.md §4.7
	UptimeSeconds   float64 // Metrics() does not compute it and leaves it 0
}

func (s *Supervisor) Metrics() AggregateMetrics {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return AggregateMetrics{}
	}
	m := sess.Metrics()
	var avg time.Duration
	if m.PingLatencyN > 0 {
		avg = m.PingLatencySum / time.Duration(m.PingLatencyN)
	}
	return AggregateMetrics{
		Connected:        sess.State() == stream.StateOpen,
		ConnectionHealth: sess.ConnectionHealth(),
		MessageCount:     m.MessageCount,
		PingLatencyAvg:   avg,
		ErrorCount:       m.ErrorCount,
		LastError:        m.LastError,
		DataGapCount:     m.DataGapCount,
		StaleDataCount:   m.StaleDataCount,
		EstimatedMemory:  m.MessageSizeSum * 2,
	}
}

// ResetCircuitBreaker forces Open → Closed, per spec.md §4.7.
func (s *Supervisor) ResetCircuitBreaker() {
	s.mu.Lock()
	s.breaker = retry.NewCircuitBreaker(retry.CircuitBreakerConfig{
		Name:             "ws-endpoint",
		FailureThreshold: s.cfg.FailureThreshold,
		ResetTimeout:     s.cfg.BreakerTimeout,
	})
	s.mu.Unlock()
	if s.onCircuitClose != nil {
		s.onCircuitClose()
	}
}

func (s *Supervisor) CircuitState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.State()
}

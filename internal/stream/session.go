// Package stream implements the Stream Session (C6): one live push
// connection carrying one or more stream keys multiplexed, per spec.md
// §4.6.
//
// Grounded on internal/api/websocket_futures.go's FuturesWSClient (dial,
// combined-stream envelope parsing, ping/pong loop, panic-recovered read
// loop, reconnect-guard channel) and internal/binance/user_data_stream.go's
// listen-key opportunistic ping envelope switch. The teacher's fixed
// reconnect delays are replaced with internal/clock's jittered exponential
// backoff, per spec.md §4.6/I5.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketstream/internal/clock"
	"marketstream/internal/envelope"
	"marketstream/internal/events"
)

// State is one of the Stream Session states from spec.md §3/§4.6.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
	StateFailed       State = "failed"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 10 * time.Second
	staleDataAge      = 10 * time.Second
)

// Frame is the decoded shape delivered to a callback: the stream key the
// frame belongs to and its raw JSON payload (object-encoded), left for the
// caller (the Connection Supervisor/Market Data Service) to run through
// internal/decode.
type Frame struct {
	StreamKey string
	Payload   map[string]any
	EventTime time.Time
	Stale     bool
	Source    envelope.Source // always envelope.SourcePush: a live session frame never comes from REST
}

// Callback receives frames for the keys it is registered against. It must
// be non-blocking, per spec.md §4.6's concurrency note.
type Callback func(Frame)

// errRemoteNormalClose signals that the peer closed the socket with code
// 1000 (CloseNormalClosure). Per spec.md §4.6/§8, this is treated the same
// as a locally requested close: Run does not reconnect.
var errRemoteNormalClose = errors.New("remote closed with code 1000")

// Config parametrizes a session.
type Config struct {
	WSBaseURL            string
	Keys                 []string // stream keys multiplexed on this session
	InitialBackoffMs     int64
	MaxBackoffMs         int64
	BackoffFactor        float64
	MaxReconnectAttempts int
	Clock                clock.Clock
	Sink                 events.Sink
	Dialer               *websocket.Dialer
}

func DefaultConfig() Config {
	return Config{
		WSBaseURL:            "wss://fstream.binance.com",
		InitialBackoffMs:     3000,
		MaxBackoffMs:         30000,
		BackoffFactor:        1.75,
		MaxReconnectAttempts: 8,
	}
}

// Session owns exactly one socket. All state transitions are made by the
// goroutine running Run; callbacks are invoked from the read-loop goroutine
// that connectAndServe starts for each connection.
type Session struct {
	cfg   Config
	clock clock.Clock
	sink  events.Sink

	mu           sync.RWMutex
	state        State
	conn         *websocket.Conn
	listenKey    string
	lastPongAt   time.Time
	everPonged   bool
	connectedAt  time.Time
	callbacks    map[string][]Callback // streamKey -> callbacks
	pendingPings map[string]time.Time  // correlation id -> sent time

	metrics Metrics

	closeRequested bool
	doneCh         chan struct{}
	once           sync.Once
}

// Metrics is the per-session subset of spec.md §4.7's metrics() fields
// that a single session can observe about itself; the Supervisor
// aggregates these across sessions.
type Metrics struct {
	MessageCount    int64
	ErrorCount      int64
	LastError       string
	DataGapCount    int64
	StaleDataCount  int64
	PingLatencySum  time.Duration
	PingLatencyN    int64
	MessageSizeSum  int64
	ReconnectCount  int64
}

func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Nop{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 8
	}
	return &Session{
		cfg:          cfg,
		clock:        cfg.Clock,
		sink:         cfg.Sink,
		state:        StateIdle,
		callbacks:    make(map[string][]Callback),
		pendingPings: make(map[string]time.Time),
		doneCh:       make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// streamURL assembles the session URL per spec.md §4.6.
func streamURL(base string, keys []string) string {
	if len(keys) == 1 {
		return base + "/ws/" + keys[0]
	}
	return base + "/stream?streams=" + strings.Join(keys, "/")
}

// RegisterCallback adds cb for streamKey. Safe to call concurrently with
// the running session; callbacks are read under lock by the dispatch path.
func (s *Session) RegisterCallback(streamKey string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[streamKey] = append(s.callbacks[streamKey], cb)
}

// CallbackCount reports how many callbacks remain registered, across all
// keys, so the Supervisor can decide when to close an empty session.
func (s *Session) CallbackCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, cbs := range s.callbacks {
		n += len(cbs)
	}
	return n
}

// RemoveKey drops every callback registered for streamKey.
func (s *Session) RemoveKey(streamKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, streamKey)
}

// ConnectionHealth implements spec.md §9's open question exactly as
// specified: 100 within 30s of last pong, 75 within 60s, 50 within 120s,
// 25 otherwise, 0 if disconnected, 20 if connected but never ponged.
func (s *Session) ConnectionHealth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateOpen {
		return 0
	}
	if !s.everPonged {
		return 20
	}
	since := s.clock.Now().Sub(s.lastPongAt)
	switch {
	case since <= 30*time.Second:
		return 100
	case since <= 60*time.Second:
		return 75
	case since <= 120*time.Second:
		return 50
	default:
		return 25
	}
}

func (s *Session) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Run drives the session's single event loop until the context is
// cancelled or the session reaches Failed/Idle-after-close. It owns every
// state transition; nothing outside this goroutine mutates s.conn.
func (s *Session) Run(ctx context.Context) {
	defer close(s.doneCh)
	attempt := 0
	backoff := clock.NewBackoff(clock.BackoffConfig{
		InitialDelay:  s.cfg.InitialBackoffMs,
		MaxDelay:      s.cfg.MaxBackoffMs,
		BackoffFactor: s.cfg.BackoffFactor,
	})

	for {
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}

		s.setState(StateConnecting)
		err := s.connectAndServe(ctx)
		if err == nil {
			// connectAndServe only returns nil on a requested close.
			s.setState(StateIdle)
			return
		}

		s.mu.Lock()
		s.metrics.ErrorCount++
		s.metrics.LastError = err.Error()
		closeRequested := s.closeRequested
		s.mu.Unlock()

		if closeRequested {
			s.setState(StateIdle)
			return
		}

		attempt++
		if attempt > s.cfg.MaxReconnectAttempts {
			s.setState(StateFailed)
			s.sink.Emit(events.Event{Type: "error", Fields: map[string]any{"reason": "max_reconnect_attempts", "keys": s.cfg.Keys}, At: s.clock.Now()})
			return
		}

		s.setState(StateReconnecting)
		delay := backoff.Next()
		s.sink.Emit(events.Event{Type: "reconnect", Fields: map[string]any{"attempt": attempt, "delay": delay.String()}, At: s.clock.Now()})
		s.mu.Lock()
		s.metrics.ReconnectCount++
		s.mu.Unlock()
		if sleepErr := s.clock.Sleep(ctx, delay); sleepErr != nil {
			s.setState(StateIdle)
			return
		}
	}
}

// connectAndServe dials once, then blocks running the read/heartbeat loop
// until the connection drops or a close is requested. A nil return means
// the close was requested (code 1000-equivalent); any other return is a
// transport error that should trigger reconnection.
func (s *Session) connectAndServe(ctx context.Context) error {
	url := streamURL(s.cfg.WSBaseURL, s.cfg.Keys)
	conn, _, err := s.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connectedAt = s.clock.Now()
	s.everPonged = false
	s.mu.Unlock()
	s.setState(StateOpen)
	s.sink.Emit(events.Event{Type: "connect", Fields: map[string]any{"keys": s.cfg.Keys}, At: s.clock.Now()})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go s.readLoop(sessionCtx, conn, errCh)
	go s.heartbeatLoop(sessionCtx, conn, errCh)

	select {
	case <-sessionCtx.Done():
		s.closeConn(websocket.CloseNormalClosure)
		return nil
	case err := <-errCh:
		// A server-initiated close with code 1000 is requested termination
		// per spec.md §4.6/§8 even though s.closeRequested was never set
		// locally; any other close code or transport error reconnects.
		closing := s.isCloseRequested() || errors.Is(err, errRemoteNormalClose)
		s.closeConn(websocket.CloseNormalClosure)
		if closing {
			return nil
		}
		return err
	}
}

func (s *Session) isCloseRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeRequested
}

func (s *Session) closeConn(code int) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	deadline := s.clock.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	conn.Close()
}

// Close requests a normal close (code 1000), which per spec.md §4.6 does
// NOT trigger reconnection. Idempotent: a second call is a no-op.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closeRequested = true
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			deadline := s.clock.Now().Add(2 * time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
	})
}

// Done is closed once Run returns.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Subscribe adds keys to the session's active set and, if the socket is
// already open, sends a live SUBSCRIBE control frame for them (so adding a
// stream does not require tearing down the connection). Grounded on
// internal/api/websocket_futures.go's Subscribe* methods.
func (s *Session) Subscribe(keys []string) error {
	s.mu.Lock()
	s.cfg.Keys = appendMissing(s.cfg.Keys, keys)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.sendControl(conn, "SUBSCRIBE", keys)
}

// Unsubscribe removes keys from the active set and sends a live
// UNSUBSCRIBE control frame if connected.
func (s *Session) Unsubscribe(keys []string) error {
	s.mu.Lock()
	s.cfg.Keys = removeAll(s.cfg.Keys, keys)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.sendControl(conn, "UNSUBSCRIBE", keys)
}

func (s *Session) sendControl(conn *websocket.Conn, method string, keys []string) error {
	frame := map[string]any{"method": method, "params": keys, "id": uuid.NewString()}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	deadline := s.clock.Now().Add(5 * time.Second)
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func appendMissing(existing, add []string) []string {
	set := make(map[string]bool, len(existing))
	for _, k := range existing {
		set[k] = true
	}
	out := append([]string(nil), existing...)
	for _, k := range add {
		if !set[k] {
			out = append(out, k)
			set[k] = true
		}
	}
	return out
}

func removeAll(existing, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, k := range remove {
		drop[k] = true
	}
	out := existing[:0:0]
	for _, k := range existing {
		if !drop[k] {
			out = append(out, k)
		}
	}
	return out
}

// Keys returns a snapshot of the session's current active key set.
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.Keys...)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				select {
				case errCh <- errRemoteNormalClose:
				default:
				}
				return
			}
			select {
			case errCh <- fmt.Errorf("read: %w", err):
			default:
			}
			return
		}
		s.mu.Lock()
		s.metrics.MessageCount++
		s.metrics.MessageSizeSum += int64(len(msg))
		s.mu.Unlock()
		s.handleMessage(msg)
	}
}

// handleMessage classifies one frame per spec.md §4.6: ping-response,
// combined-stream envelope, or single-stream event.
func (s *Session) handleMessage(raw []byte) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		s.mu.Lock()
		s.metrics.ErrorCount++
		s.mu.Unlock()
		return
	}

	if id, ok := generic["id"]; ok {
		s.handlePingResponse(id, generic)
		return
	}

	if streamName, ok := generic["stream"].(string); ok {
		data, _ := generic["data"].(map[string]any)
		s.dispatch(streamName, data)
		return
	}

	// Single-stream event: attribute it to the session's only key.
	key := s.singleStreamKey(generic)
	s.dispatch(key, generic)
}

func (s *Session) handlePingResponse(id any, msg map[string]any) {
	idStr := fmt.Sprint(id)
	s.mu.Lock()
	sentAt, ok := s.pendingPings[idStr]
	if ok {
		delete(s.pendingPings, idStr)
	}
	if lk, ok := msg["listenKey"].(string); ok && lk != "" {
		s.listenKey = lk
	}
	s.mu.Unlock()

	if ok {
		latency := s.clock.Now().Sub(sentAt)
		s.mu.Lock()
		s.metrics.PingLatencySum += latency
		s.metrics.PingLatencyN++
		s.lastPongAt = s.clock.Now()
		s.everPonged = true
		s.mu.Unlock()
	}
}

// singleStreamKey returns the session's only key when it carries exactly
// one, and "" otherwise. The event's own fields are not consulted.
func (s *Session) singleStreamKey(msg map[string]any) string {
	if len(s.cfg.Keys) == 1 {
		return s.cfg.Keys[0]
	}
	return ""
}

func (s *Session) dispatch(key string, payload map[string]any) {
	if payload == nil {
		return
	}
	eventTime := time.Now()
	stale := false
	if ev, ok := payload["E"]; ok {
		if ms, ok := toInt64(ev); ok {
			eventTime = time.UnixMilli(ms)
		}
	}
	if s.clock.Now().Sub(eventTime) > staleDataAge {
		stale = true
		s.mu.Lock()
		s.metrics.StaleDataCount++
		s.mu.Unlock()
		s.sink.Emit(events.Event{Type: "staleData", Fields: map[string]any{"key": key}, At: s.clock.Now()})
	}

	frame := Frame{StreamKey: key, Payload: payload, EventTime: eventTime, Stale: stale, Source: envelope.SourcePush}

	s.mu.RLock()
	direct := append([]Callback(nil), s.callbacks[key]...)
	var combined []Callback
	for registeredKey, cbs := range s.callbacks {
		if registeredKey == key {
			continue
		}
		if strings.Contains(registeredKey, key) || strings.Contains(key, registeredKey) {
			combined = append(combined, cbs...)
		}
	}
	s.mu.RUnlock()

	for _, cb := range direct {
		cb(frame)
	}
	for _, cb := range combined {
		cb(frame)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.sendPing(conn); err != nil {
				select {
				case errCh <- fmt.Errorf("ping: %w", err):
				default:
				}
				return
			}
			if !s.awaitPong(ctx) {
				select {
				case errCh <- fmt.Errorf("heartbeat timeout: no pong within %s", heartbeatTimeout):
				default:
				}
				return
			}
		}
	}
}

// sendPing writes a ping envelope. Per spec.md §4.6/§9, a user-data ping
// envelope is used once a listen key has been observed; otherwise the
// generic ping envelope is used. I6: once s.closeRequested, no further
// ping is ever sent.
func (s *Session) sendPing(conn *websocket.Conn) error {
	if s.isCloseRequested() {
		return nil
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.pendingPings[id] = s.clock.Now()
	listenKey := s.listenKey
	s.mu.Unlock()

	var frame map[string]any
	if listenKey != "" {
		frame = map[string]any{"id": id, "method": "userDataStream.ping", "params": map[string]any{"listenKey": listenKey}}
	} else {
		frame = map[string]any{"id": id, "method": "ping", "params": map[string]any{}}
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	deadline := s.clock.Now().Add(5 * time.Second)
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) awaitPong(ctx context.Context) bool {
	deadline := time.NewTimer(heartbeatTimeout)
	defer deadline.Stop()
	before := s.lastPongTime()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return s.lastPongTime().After(before)
		case <-time.After(50 * time.Millisecond):
			if s.lastPongTime().After(before) {
				return true
			}
		}
	}
}

func (s *Session) lastPongTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPongAt
}

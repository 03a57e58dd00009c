// Package marketdata implements the Subscription Fan-out & Cache Market
// Data Service (C9/C10): one one-shot read and one subscription per data
// type, primed from REST, updated from push (or the Fallback Poller while
// the push circuit is open), and served from internal/cache in between.
//
// Grounded on internal/binance/futures_client_cached.go's read-through
// cache pattern and internal/binance/kline_subscription_manager.go's
// ring-buffer bookkeeping for klines, generalized to cover every topic
// instead of just klines.
package marketdata

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"marketstream/internal/cache"
	"marketstream/internal/clock"
	"marketstream/internal/decode"
	"marketstream/internal/envelope"
	"marketstream/internal/errs"
	"marketstream/internal/events"
	"marketstream/internal/poller"
	"marketstream/internal/rest"
	"marketstream/internal/stream"
	"marketstream/internal/streamkey"
	"marketstream/internal/supervisor"
)

const tradeRingSize = 100

// PriceCallback, OrderBookCallback, etc. are the per-type subscription
// callbacks a caller registers; each receives a fully-decoded envelope.
type PriceCallback func(envelope.Result[decode.PriceTick])
type OrderBookCallback func(envelope.Result[decode.OrderBook])
type TradeCallback func(envelope.Result[[]decode.Trade])
type KlineCallback func(envelope.Result[[]decode.Kline])
type TickerCallback func(envelope.Result[decode.Ticker24h])

// Unsubscribe stops a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Config parametrizes the Service.
type Config struct {
	ReconnectOnTransientError bool // if true, a decode/push error triggers an immediate REST refresh
	Cache                     cache.Config
	Clock                     clock.Clock
	Sink                      events.Sink
}

func DefaultConfig() Config {
	cacheCfg := cache.DefaultConfig()
	// bookTicker/price move every trade; klines/ticker24h tolerate a wider
	// staleness window, so they get a longer TTL than the cache default.
	cacheCfg.NamespaceTTL = map[string]time.Duration{
		"marketdata:price":     5 * time.Second,
		"marketdata:orderbook": 5 * time.Second,
		"marketdata:klines":    60 * time.Second,
		"marketdata:ticker24h": 60 * time.Second,
	}
	return Config{ReconnectOnTransientError: true, Cache: cacheCfg}
}

// Service is the public market-data facade: one-shot reads plus
// subscriptions, backed by REST, push, and the cache.
type Service struct {
	cfg   Config
	gw    *rest.Gateway
	sup   *supervisor.Supervisor
	poll  *poller.Poller
	cache *cache.Cache
	clock clock.Clock
	sink  events.Sink

	mu      sync.Mutex
	trades  map[string][]decode.Trade // streamKey -> ring buffer, newest first
	klines  map[string][]decode.Kline // streamKey -> ascending by OpenTime
	polling map[string]bool           // streamKey -> poller active (circuit open)

	active map[string]activeSub // streamKey -> live subscription, for circuit-open/close handoff
}

type activeSub struct {
	ctx context.Context
	cb  stream.Callback
}

func New(cfg Config, gw *rest.Gateway, sup *supervisor.Supervisor, poll *poller.Poller) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Nop{}
	}
	return &Service{
		cfg:     cfg,
		gw:      gw,
		sup:     sup,
		poll:    poll,
		cache:   cache.New(cfg.Cache),
		clock:   cfg.Clock,
		sink:    cfg.Sink,
		trades:  make(map[string][]decode.Trade),
		klines:  make(map[string][]decode.Kline),
		polling: make(map[string]bool),
		active:  make(map[string]activeSub),
	}
}

// HandleCircuitOpen starts Fallback Poller jobs for every currently
// subscribed stream key affected by a tripped connection circuit breaker.
// Wired as the Connection Supervisor's onCircuitOpen callback.
func (s *Service) HandleCircuitOpen(keys []string) {
	s.mu.Lock()
	subs := make(map[string]activeSub, len(keys))
	for _, k := range keys {
		if sub, ok := s.active[k]; ok {
			subs[k] = sub
		}
	}
	s.mu.Unlock()
	for k, sub := range subs {
		s.startPolling(sub.ctx, k, sub.cb)
	}
}

// HandleCircuitClose stops every Fallback Poller job started in response to
// a circuit trip, letting push delivery resume. Wired as the Connection
// Supervisor's onCircuitClose callback.
func (s *Service) HandleCircuitClose() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.polling))
	for k := range s.polling {
		keys = append(keys, k)
	}
	s.polling = make(map[string]bool)
	s.mu.Unlock()
	for _, k := range keys {
		s.poll.Stop(k)
	}
}

func (s *Service) Close() {
	s.cache.Close()
}

// --- one-shot reads -------------------------------------------------------

func (s *Service) GetCurrentPrice(ctx context.Context, symbol string) envelope.Result[decode.PriceTick] {
	key := cache.FullKey("marketdata", "price", symbol, nil)
	if v, ok := s.cache.Get(key); ok {
		return envelope.Ok(v.(decode.PriceTick), envelope.SourceCache, s.clock.Now())
	}
	res := s.gw.GetCurrentPrice(ctx, symbol)
	if res.Err == nil {
		s.cache.Set(key, *res.Data)
	}
	return res
}

func (s *Service) GetOrderBook(ctx context.Context, symbol string, limit int) envelope.Result[decode.OrderBook] {
	key := cache.FullKey("marketdata", "orderbook", symbol, map[string]string{"limit": strconv.Itoa(limit)})
	if v, ok := s.cache.Get(key); ok {
		return envelope.Ok(v.(decode.OrderBook), envelope.SourceCache, s.clock.Now())
	}
	res := s.gw.GetOrderBook(ctx, symbol, limit)
	if res.Err == nil {
		s.cache.Set(key, *res.Data)
	}
	return res
}

func (s *Service) GetRecentTrades(ctx context.Context, symbol string, limit int) envelope.Result[[]decode.Trade] {
	key := cache.FullKey("marketdata", "trades", symbol, map[string]string{"limit": strconv.Itoa(limit)})
	if v, ok := s.cache.Get(key); ok {
		return envelope.Ok(v.([]decode.Trade), envelope.SourceCache, s.clock.Now())
	}
	res := s.gw.GetRecentTrades(ctx, symbol, limit)
	if res.Err == nil {
		s.cache.Set(key, *res.Data)
	}
	return res
}

func (s *Service) GetKlines(ctx context.Context, symbol, interval string, limit int) envelope.Result[[]decode.Kline] {
	key := cache.FullKey("marketdata", "klines", symbol, map[string]string{"interval": interval, "limit": strconv.Itoa(limit)})
	if v, ok := s.cache.Get(key); ok {
		return envelope.Ok(v.([]decode.Kline), envelope.SourceCache, s.clock.Now())
	}
	res := s.gw.GetKlines(ctx, symbol, interval, limit)
	if res.Err == nil {
		s.cache.Set(key, *res.Data)
	}
	return res
}

func (s *Service) Get24hrTicker(ctx context.Context, symbol string) envelope.Result[decode.Ticker24h] {
	key := cache.FullKey("marketdata", "ticker24h", symbol, nil)
	if v, ok := s.cache.Get(key); ok {
		return envelope.Ok(v.(decode.Ticker24h), envelope.SourceCache, s.clock.Now())
	}
	res := s.gw.Get24hrTicker(ctx, symbol)
	if res.Err == nil {
		s.cache.Set(key, *res.Data)
	}
	return res
}

// --- subscriptions ---------------------------------------------------------

// SubscribePrice primes the cache with a REST read, then delivers every
// push (or poll) update to cb, per spec.md §4.9.
func (s *Service) SubscribePrice(ctx context.Context, symbol string, cb PriceCallback) Unsubscribe {
	key := streamkey.Key(symbol, streamkey.TopicBookTicker, "")
	cb(s.GetCurrentPrice(ctx, symbol))

	deliver := func(frame stream.Frame) {
		pt, err := decode.DecodePriceTick(frame.Payload)
		if err != nil {
			cb(envelope.Fail[decode.PriceTick](errs.Wrap(errs.KindValidation, "decoding bookTicker", err), sourceFor(frame), frame.EventTime))
			if s.cfg.ReconnectOnTransientError {
				cb(s.GetCurrentPrice(ctx, symbol))
			}
			return
		}
		s.cache.Set(cache.FullKey("marketdata", "price", symbol, nil), *pt)
		cb(envelope.Ok(*pt, sourceFor(frame), frame.EventTime))
	}
	return s.subscribe(ctx, key, streamFrameAdapter(deliver))
}

func (s *Service) SubscribeOrderBook(ctx context.Context, symbol string, limit int, cb OrderBookCallback) Unsubscribe {
	key := streamkey.Key(symbol, streamkey.TopicDepth, "")
	cb(s.GetOrderBook(ctx, symbol, limit))

	deliver := func(frame stream.Frame) {
		ob, err := decode.DecodeOrderBook(frame.Payload)
		if err != nil {
			cb(envelope.Fail[decode.OrderBook](errs.Wrap(errs.KindValidation, "decoding depth", err), sourceFor(frame), frame.EventTime))
			if s.cfg.ReconnectOnTransientError {
				cb(s.GetOrderBook(ctx, symbol, limit))
			}
			return
		}
		s.cache.Set(cache.FullKey("marketdata", "orderbook", symbol, map[string]string{"limit": strconv.Itoa(limit)}), *ob)
		cb(envelope.Ok(*ob, sourceFor(frame), frame.EventTime))
	}
	return s.subscribe(ctx, key, streamFrameAdapter(deliver))
}

func (s *Service) SubscribeTrades(ctx context.Context, symbol string, cb TradeCallback) Unsubscribe {
	key := streamkey.Key(symbol, streamkey.TopicAggTrade, "")
	cb(s.GetRecentTrades(ctx, symbol, tradeRingSize))

	deliver := func(frame stream.Frame) {
		t, err := decode.DecodeTrade(frame.Payload, s.clock.Now(), decode.DefaultClockSkewBound)
		if err != nil {
			cb(envelope.Fail[[]decode.Trade](errs.Wrap(errs.KindValidation, "decoding trade", err), sourceFor(frame), frame.EventTime))
			if s.cfg.ReconnectOnTransientError {
				cb(s.GetRecentTrades(ctx, symbol, tradeRingSize))
			}
			return
		}
		snapshot := s.pushTrade(key, *t)
		s.cache.Set(cache.FullKey("marketdata", "trades", symbol, map[string]string{"limit": strconv.Itoa(tradeRingSize)}), snapshot)
		cb(envelope.Ok(snapshot, sourceFor(frame), frame.EventTime))
	}
	return s.subscribe(ctx, key, streamFrameAdapter(deliver))
}

func (s *Service) SubscribeKline(ctx context.Context, symbol, interval string, cb KlineCallback) Unsubscribe {
	key := streamkey.Key(symbol, streamkey.TopicKline, interval)
	cb(s.GetKlines(ctx, symbol, interval, 100))

	deliver := func(frame stream.Frame) {
		var k *decode.Kline
		var err error
		if obj, ok := frame.Payload["k"].(map[string]any); ok {
			k, err = decode.DecodeKlineObject(obj)
		} else {
			k, err = decode.DecodeKlineObject(frame.Payload)
		}
		if err != nil {
			cb(envelope.Fail[[]decode.Kline](errs.Wrap(errs.KindValidation, "decoding kline", err), sourceFor(frame), frame.EventTime))
			if s.cfg.ReconnectOnTransientError {
				cb(s.GetKlines(ctx, symbol, interval, 100))
			}
			return
		}
		snapshot := s.pushKline(key, *k)
		s.cache.Set(cache.FullKey("marketdata", "klines", symbol, map[string]string{"interval": interval, "limit": "100"}), snapshot)
		cb(envelope.Ok(snapshot, sourceFor(frame), frame.EventTime))
	}
	return s.subscribe(ctx, key, streamFrameAdapter(deliver))
}

func (s *Service) SubscribeTicker(ctx context.Context, symbol string, cb TickerCallback) Unsubscribe {
	key := streamkey.Key(symbol, streamkey.TopicTicker, "")
	cb(s.Get24hrTicker(ctx, symbol))

	deliver := func(frame stream.Frame) {
		t, err := decode.DecodeTicker24h(frame.Payload)
		if err != nil {
			cb(envelope.Fail[decode.Ticker24h](errs.Wrap(errs.KindValidation, "decoding 24hr ticker", err), sourceFor(frame), frame.EventTime))
			if s.cfg.ReconnectOnTransientError {
				cb(s.Get24hrTicker(ctx, symbol))
			}
			return
		}
		s.cache.Set(cache.FullKey("marketdata", "ticker24h", symbol, nil), *t)
		cb(envelope.Ok(*t, sourceFor(frame), frame.EventTime))
	}
	return s.subscribe(ctx, key, streamFrameAdapter(deliver))
}

// --- shared plumbing --------------------------------------------------------

// subscribe registers cb with the Supervisor and arranges for the Poller
// to take over (and hand back) whenever the circuit trips.
func (s *Service) subscribe(ctx context.Context, key string, cb stream.Callback) Unsubscribe {
	unsubPush := s.sup.ConnectToStreams(ctx, []string{key}, cb)

	s.mu.Lock()
	s.active[key] = activeSub{ctx: ctx, cb: cb}
	needsPoll := s.sup.CircuitState() == "open"
	s.mu.Unlock()
	if needsPoll {
		s.startPolling(ctx, key, cb)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubPush()
			s.poll.Stop(key)
			s.mu.Lock()
			delete(s.active, key)
			delete(s.polling, key)
			s.mu.Unlock()
		})
	}
}

func (s *Service) startPolling(ctx context.Context, key string, cb stream.Callback) {
	s.mu.Lock()
	if s.polling[key] {
		s.mu.Unlock()
		return
	}
	s.polling[key] = true
	s.mu.Unlock()

	s.poll.Start(ctx, key, func(f poller.Frame) {
		cb(stream.Frame{StreamKey: f.StreamKey, Payload: f.Payload, EventTime: f.EventTime, Stale: f.Stale, Source: f.Source})
	})
}

// sourceFor reports whether a frame originated from push or the Fallback
// Poller. Frame.Source is stamped at the point of origin (internal/stream
// for push, internal/poller for poll), not inferred from Stale, which is
// the independent §4.6 "eventTime is >10s old" staleness flag.
func sourceFor(frame stream.Frame) envelope.Source {
	return frame.Source
}

func streamFrameAdapter(f func(stream.Frame)) stream.Callback {
	return stream.Callback(f)
}

// pushTrade appends t to key's ring buffer (newest first, bounded to
// tradeRingSize) and returns a snapshot copy.
func (s *Service) pushTrade(key string, t decode.Trade) []decode.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := append([]decode.Trade{t}, s.trades[key]...)
	if len(buf) > tradeRingSize {
		buf = buf[:tradeRingSize]
	}
	s.trades[key] = buf
	snapshot := make([]decode.Trade, len(buf))
	copy(snapshot, buf)
	return snapshot
}

// pushKline replaces k in key's series if OpenTime matches an existing
// entry, else appends and keeps the series sorted ascending by OpenTime.
func (s *Service) pushKline(key string, k decode.Kline) []decode.Kline {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := s.klines[key]
	replaced := false
	for i, existing := range series {
		if existing.OpenTime.Equal(k.OpenTime) {
			series[i] = k
			replaced = true
			break
		}
	}
	if !replaced {
		series = append(series, k)
		sort.Slice(series, func(i, j int) bool { return series[i].OpenTime.Before(series[j].OpenTime) })
	}
	s.klines[key] = series
	snapshot := make([]decode.Kline, len(series))
	copy(snapshot, series)
	return snapshot
}

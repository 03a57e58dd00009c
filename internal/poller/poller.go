// Package poller implements the Fallback Poller (C8): when push delivery
// for a stream key is unavailable (Connection Supervisor circuit open,
// or a caller explicitly requests REST-only delivery), this package
// polls the matching REST endpoint on a fixed timer and republishes
// frames in the same shape a push session would have produced.
//
// Grounded on internal/binance/futures_client.go's public/signed GET
// idiom (reused via internal/rest.Gateway) and, for pacing, on
// golang.org/x/time/rate, whose continuous-refill token bucket is an
// honest fit here: unlike the hard fixed-window accounting in
// internal/ratelimit, soft best-effort pacing of a periodic poll loop is
// exactly what x/time/rate models.
package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketstream/internal/clock"
	"marketstream/internal/decode"
	"marketstream/internal/envelope"
	"marketstream/internal/events"
	"marketstream/internal/rest"
	"marketstream/internal/streamkey"
)

// Config parametrizes the Poller.
type Config struct {
	Interval  time.Duration // default 5s, per spec.md §4.8
	RateLimit rate.Limit    // requests/sec fed to the soft limiter
	Burst     int
	Clock     clock.Clock
	Sink      events.Sink
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		RateLimit: 5,
		Burst:     5,
	}
}

// Frame mirrors internal/stream.Frame so callers can treat push and poll
// frames identically.
type Frame struct {
	StreamKey string
	Payload   map[string]any
	EventTime time.Time
	Stale     bool
	Source    envelope.Source // always envelope.SourceREST: every poll tick is a REST fetch, success or failure
}

type Callback func(Frame)

type job struct {
	key    string
	cancel context.CancelFunc
}

// Poller is safe for concurrent use.
type Poller struct {
	cfg     Config
	gw      *rest.Gateway
	limiter *rate.Limiter
	clock   clock.Clock
	sink    events.Sink

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config, gw *rest.Gateway) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Nop{}
	}
	return &Poller{
		cfg:     cfg,
		gw:      gw,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		clock:   cfg.Clock,
		sink:    cfg.Sink,
		jobs:    make(map[string]*job),
	}
}

// Start begins polling streamKey at the configured interval, invoking cb
// on every tick (success or failure). Calling Start twice on an
// already-active key replaces the prior job.
func (p *Poller) Start(ctx context.Context, streamKey string, cb Callback) {
	p.Stop(streamKey)

	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.jobs[streamKey] = &job{key: streamKey, cancel: cancel}
	p.mu.Unlock()

	go p.run(jobCtx, streamKey, cb)
}

// Stop halts polling for streamKey. Calling it on an unknown key is a
// no-op.
func (p *Poller) Stop(streamKey string) {
	p.mu.Lock()
	j, ok := p.jobs[streamKey]
	if ok {
		delete(p.jobs, streamKey)
	}
	p.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// StopAll halts every active polling job.
func (p *Poller) StopAll() {
	p.mu.Lock()
	jobs := p.jobs
	p.jobs = make(map[string]*job)
	p.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
}

// Active reports whether streamKey currently has a running poll job.
func (p *Poller) Active(streamKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[streamKey]
	return ok
}

func (p *Poller) run(ctx context.Context, streamKey string, cb Callback) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx, streamKey, cb)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, streamKey, cb)
		}
	}
}

func (p *Poller) poll(ctx context.Context, streamKey string, cb Callback) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	symbol := streamkey.Symbol(streamKey)
	topic := streamkey.Topic(streamKey)
	param := streamkey.Param(streamKey)
	ts := p.clock.Now()

	payload, err := p.fetch(ctx, symbol, topic, param)
	if err != nil {
		p.sink.Emit(events.Event{Type: "pollError", Fields: map[string]any{"streamKey": streamKey, "error": err.Error()}, At: ts})
		cb(Frame{StreamKey: streamKey, EventTime: ts, Stale: true, Source: envelope.SourceREST})
		return
	}
	cb(Frame{StreamKey: streamKey, Payload: payload, EventTime: ts, Source: envelope.SourceREST})
}

// fetch maps a topic to its nearest REST equivalent, per spec.md §4.8.
func (p *Poller) fetch(ctx context.Context, symbol, topic, param string) (map[string]any, error) {
	switch topic {
	case streamkey.TopicBookTicker:
		res := p.gw.GetCurrentPrice(ctx, symbol)
		if res.Err != nil {
			return nil, res.Err
		}
		return priceTickToMap(*res.Data), nil
	case streamkey.TopicTicker:
		res := p.gw.Get24hrTicker(ctx, symbol)
		if res.Err != nil {
			return nil, res.Err
		}
		return ticker24hToMap(*res.Data), nil
	case streamkey.TopicDepth:
		res := p.gw.GetOrderBook(ctx, symbol, 20)
		if res.Err != nil {
			return nil, res.Err
		}
		return orderBookToMap(*res.Data), nil
	case streamkey.TopicAggTrade, streamkey.TopicTrade:
		res := p.gw.GetRecentTrades(ctx, symbol, 1)
		if res.Err != nil {
			return nil, res.Err
		}
		if len(*res.Data) == 0 {
			return nil, nil
		}
		return tradeToMap((*res.Data)[0]), nil
	case streamkey.TopicKline:
		interval := param
		if interval == "" {
			interval = "1m"
		}
		res := p.gw.GetKlines(ctx, symbol, interval, 1)
		if res.Err != nil {
			return nil, res.Err
		}
		if len(*res.Data) == 0 {
			return nil, nil
		}
		return klineToMap((*res.Data)[0]), nil
	default:
		res := p.gw.GetCurrentPrice(ctx, symbol)
		if res.Err != nil {
			return nil, res.Err
		}
		return priceTickToMap(*res.Data), nil
	}
}

func priceTickToMap(p decode.PriceTick) map[string]any {
	return map[string]any{"symbol": p.Symbol, "bidPrice": p.Bid, "bidQty": p.BidQty, "askPrice": p.Ask, "askQty": p.AskQty, "eventTime": p.EventTime}
}

func ticker24hToMap(t decode.Ticker24h) map[string]any {
	return map[string]any{
		"symbol": t.Symbol, "lastPrice": t.LastPrice, "priceChange": t.PriceChange,
		"priceChangePercent": t.PriceChangePercent, "weightedAvgPrice": t.WeightedAvgPrice,
		"volume": t.Volume, "quoteVolume": t.QuoteVolume,
	}
}

func orderBookToMap(ob decode.OrderBook) map[string]any {
	bids := make([]any, len(ob.Bids))
	for i, l := range ob.Bids {
		bids[i] = []any{l.Price, l.Quantity}
	}
	asks := make([]any, len(ob.Asks))
	for i, l := range ob.Asks {
		asks[i] = []any{l.Price, l.Quantity}
	}
	return map[string]any{"lastUpdateId": ob.LastUpdateID, "bids": bids, "asks": asks}
}

func tradeToMap(t decode.Trade) map[string]any {
	return map[string]any{"id": t.ID, "price": t.Price, "qty": t.Quantity, "time": t.Time.UnixMilli(), "isBuyerMaker": t.IsBuyerMaker}
}

func klineToMap(k decode.Kline) map[string]any {
	return map[string]any{
		"openTime": k.OpenTime.UnixMilli(), "closeTime": k.CloseTime.UnixMilli(),
		"open": k.Open, "high": k.High, "low": k.Low, "close": k.Close, "volume": k.Volume,
		"quoteVolume": k.QuoteVolume, "trades": k.Trades,
	}
}

package rest

import (
	"context"
	"encoding/json"

	"marketstream/internal/decode"
	"marketstream/internal/envelope"
	"marketstream/internal/errs"
)

// GetCurrentPrice fetches the current best bid/ask for symbol.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) envelope.Result[decode.PriceTick] {
	ts := g.clock.Now()
	p := NewParams().Add("symbol", normalizeSymbol(symbol))
	body, err := g.get(ctx, "/fapi/v1/ticker/bookTicker", p)
	if err != nil {
		return envelope.Fail[decode.PriceTick](asErrs(err), envelope.SourceREST, ts)
	}
	raw, uErr := unmarshalMap(body)
	if uErr != nil {
		return envelope.Fail[decode.PriceTick](errs.Wrap(errs.KindAPI, "parsing bookTicker", uErr), envelope.SourceREST, ts)
	}
	pt, dErr := decode.DecodePriceTick(raw)
	if dErr != nil {
		return envelope.Fail[decode.PriceTick](errs.Wrap(errs.KindValidation, "decoding bookTicker", dErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(*pt, envelope.SourceREST, ts)
}

// GetOrderBook fetches a depth snapshot with the given level limit.
func (g *Gateway) GetOrderBook(ctx context.Context, symbol string, limit int) envelope.Result[decode.OrderBook] {
	ts := g.clock.Now()
	if limit <= 0 {
		limit = 20
	}
	p := NewParams().Add("symbol", normalizeSymbol(symbol)).Add("limit", limit)
	body, err := g.get(ctx, "/fapi/v1/depth", p)
	if err != nil {
		return envelope.Fail[decode.OrderBook](asErrs(err), envelope.SourceREST, ts)
	}
	raw, uErr := unmarshalMap(body)
	if uErr != nil {
		return envelope.Fail[decode.OrderBook](errs.Wrap(errs.KindAPI, "parsing depth", uErr), envelope.SourceREST, ts)
	}
	ob, dErr := decode.DecodeOrderBook(raw)
	if dErr != nil {
		return envelope.Fail[decode.OrderBook](errs.Wrap(errs.KindValidation, "decoding depth", dErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(*ob, envelope.SourceREST, ts)
}

// GetRecentTrades fetches up to limit recent trades.
func (g *Gateway) GetRecentTrades(ctx context.Context, symbol string, limit int) envelope.Result[[]decode.Trade] {
	ts := g.clock.Now()
	if limit <= 0 {
		limit = 20
	}
	p := NewParams().Add("symbol", normalizeSymbol(symbol)).Add("limit", limit)
	body, err := g.get(ctx, "/fapi/v1/trades", p)
	if err != nil {
		return envelope.Fail[[]decode.Trade](asErrs(err), envelope.SourceREST, ts)
	}
	var raw []map[string]any
	if uErr := json.Unmarshal(body, &raw); uErr != nil {
		return envelope.Fail[[]decode.Trade](errs.Wrap(errs.KindAPI, "parsing trades", uErr), envelope.SourceREST, ts)
	}
	trades := make([]decode.Trade, 0, len(raw))
	for _, m := range raw {
		t, dErr := decode.DecodeTrade(m, ts, decode.DefaultClockSkewBound)
		if dErr != nil {
			continue // drop invalid entries silently per spec.md §4.4
		}
		trades = append(trades, *t)
	}
	return envelope.Ok(trades, envelope.SourceREST, ts)
}

// GetKlines fetches up to limit klines for interval (e.g. "1m").
func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) envelope.Result[[]decode.Kline] {
	ts := g.clock.Now()
	if limit <= 0 {
		limit = 100
	}
	p := NewParams().Add("symbol", normalizeSymbol(symbol)).Add("interval", interval).Add("limit", limit)
	body, err := g.get(ctx, "/fapi/v1/klines", p)
	if err != nil {
		return envelope.Fail[[]decode.Kline](asErrs(err), envelope.SourceREST, ts)
	}
	var raw [][]any
	if uErr := json.Unmarshal(body, &raw); uErr != nil {
		return envelope.Fail[[]decode.Kline](errs.Wrap(errs.KindAPI, "parsing klines", uErr), envelope.SourceREST, ts)
	}
	klines := make([]decode.Kline, 0, len(raw))
	for _, arr := range raw {
		k, dErr := decode.DecodeKlineArray(arr)
		if dErr != nil {
			continue
		}
		klines = append(klines, *k)
	}
	return envelope.Ok(klines, envelope.SourceREST, ts)
}

// Get24hrTicker fetches the 24h aggregate for symbol.
func (g *Gateway) Get24hrTicker(ctx context.Context, symbol string) envelope.Result[decode.Ticker24h] {
	ts := g.clock.Now()
	p := NewParams().Add("symbol", normalizeSymbol(symbol))
	body, err := g.get(ctx, "/fapi/v1/ticker/24hr", p)
	if err != nil {
		return envelope.Fail[decode.Ticker24h](asErrs(err), envelope.SourceREST, ts)
	}
	raw, uErr := unmarshalMap(body)
	if uErr != nil {
		return envelope.Fail[decode.Ticker24h](errs.Wrap(errs.KindAPI, "parsing 24hr ticker", uErr), envelope.SourceREST, ts)
	}
	t, dErr := decode.DecodeTicker24h(raw)
	if dErr != nil {
		return envelope.Fail[decode.Ticker24h](errs.Wrap(errs.KindValidation, "decoding 24hr ticker", dErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(*t, envelope.SourceREST, ts)
}

func unmarshalMap(body []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func asErrs(err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}
	return errs.Wrap(errs.KindNetwork, "request failed", err)
}

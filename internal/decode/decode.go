package decode

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidRecord is returned (wrapped with context) whenever a record
// fails validation or a required field cannot be parsed. Per spec.md §4.4,
// failure means "no output for that record," never a zero-valued record.
var ErrInvalidRecord = errors.New("decode: invalid record")

// DefaultClockSkewBound bounds how far into the future a Trade's time may
// sit relative to now before it is rejected, per spec.md §3's invariant
// "time ≤ now + clockSkewBound". Matches the 10s recvWindow tolerance the
// teacher's FuturesClient applies to its own signed requests.
const DefaultClockSkewBound = 10 * time.Second

// parseNumber accepts the numeric-or-numeric-string shapes the wire uses
// interchangeably (REST returns strings for price fields; some push
// messages use JSON numbers). Grounded on internal/binance/client.go's
// parseFloat, but returns an explicit ok=false sentinel instead of
// silently defaulting to zero, per spec.md §4.4.
func parseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func parseInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func parseMillis(v any) (time.Time, bool) {
	ms, ok := parseInt(v)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func firstNonNil(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// DecodePriceTick decodes a bookTicker frame. It accepts the REST shape
// (symbol/bidPrice/bidQty/askPrice/askQty) and the push shape
// (s/b/B/a/A/E), which are the two object encodings this topic uses on the
// wire — there is no array-encoded bookTicker form to support.
func DecodePriceTick(m map[string]any) (*PriceTick, error) {
	symbolV, ok := firstNonNil(m, "symbol", "s")
	symbol, _ := symbolV.(string)
	if !ok || symbol == "" {
		return nil, fmt.Errorf("%w: missing symbol", ErrInvalidRecord)
	}

	bidV, ok1 := firstNonNil(m, "bidPrice", "b")
	bidQtyV, ok2 := firstNonNil(m, "bidQty", "B")
	askV, ok3 := firstNonNil(m, "askPrice", "a")
	askQtyV, ok4 := firstNonNil(m, "askQty", "A")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: missing bid/ask fields", ErrInvalidRecord)
	}

	bid, ok := parseNumber(bidV)
	bidQty, ok2b := parseNumber(bidQtyV)
	ask, ok3b := parseNumber(askV)
	askQty, ok4b := parseNumber(askQtyV)
	if !ok || !ok2b || !ok3b || !ok4b {
		return nil, fmt.Errorf("%w: unparseable bid/ask numeric field", ErrInvalidRecord)
	}

	eventTime := time.Now()
	if ev, ok := m["E"]; ok {
		if t, ok := parseMillis(ev); ok {
			eventTime = t
		}
	}

	return &PriceTick{
		Symbol: symbol, Bid: bid, BidQty: bidQty, Ask: ask, AskQty: askQty, EventTime: eventTime,
	}, nil
}

func decodeLevels(raw any) ([]OrderBookLevel, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: order book side is not an array", ErrInvalidRecord)
	}
	levels := make([]OrderBookLevel, 0, len(arr))
	for _, entry := range arr {
		pair, ok := entry.([]any)
		if !ok || len(pair) < 2 {
			continue // malformed level, drop silently per spec.md §4.4
		}
		price, ok1 := parseNumber(pair[0])
		qty, ok2 := parseNumber(pair[1])
		if !ok1 || !ok2 {
			continue
		}
		if price <= 0 || qty <= 0 {
			continue // spec.md §3 invariant: price>0 ∧ quantity>0
		}
		levels = append(levels, OrderBookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// DecodeOrderBook decodes a depth snapshot or update. Both the REST
// snapshot and the push update share this shape: an object carrying
// lastUpdateId and two array-encoded level lists.
func DecodeOrderBook(m map[string]any) (*OrderBook, error) {
	idV, ok := firstNonNil(m, "lastUpdateId", "u", "U")
	if !ok {
		return nil, fmt.Errorf("%w: missing lastUpdateId", ErrInvalidRecord)
	}
	id, ok := parseInt(idV)
	if !ok {
		return nil, fmt.Errorf("%w: unparseable lastUpdateId", ErrInvalidRecord)
	}

	bidsRaw, ok := firstNonNil(m, "bids", "b")
	if !ok {
		return nil, fmt.Errorf("%w: missing bids", ErrInvalidRecord)
	}
	asksRaw, ok := firstNonNil(m, "asks", "a")
	if !ok {
		return nil, fmt.Errorf("%w: missing asks", ErrInvalidRecord)
	}

	bids, err := decodeLevels(bidsRaw)
	if err != nil {
		return nil, err
	}
	asks, err := decodeLevels(asksRaw)
	if err != nil {
		return nil, err
	}

	return &OrderBook{LastUpdateID: id, Bids: bids, Asks: asks}, nil
}

// DecodeTrade decodes a recent-trade (REST) or aggTrade (push) frame.
// now and clockSkewBound are supplied by the caller (this package stays
// pure/no-I/O per spec.md §4.4) and enforce "time ≤ now + clockSkewBound".
func DecodeTrade(m map[string]any, now time.Time, clockSkewBound time.Duration) (*Trade, error) {
	idV, ok := firstNonNil(m, "id", "a")
	if !ok {
		return nil, fmt.Errorf("%w: missing trade id", ErrInvalidRecord)
	}
	id, ok := parseInt(idV)
	if !ok {
		return nil, fmt.Errorf("%w: unparseable trade id", ErrInvalidRecord)
	}

	priceV, ok1 := firstNonNil(m, "price", "p")
	qtyV, ok2 := firstNonNil(m, "qty", "q")
	timeV, ok3 := firstNonNil(m, "time", "T")
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: missing price/qty/time", ErrInvalidRecord)
	}

	price, ok := parseNumber(priceV)
	qty, ok2b := parseNumber(qtyV)
	t, ok3b := parseMillis(timeV)
	if !ok || !ok2b || !ok3b {
		return nil, fmt.Errorf("%w: unparseable price/qty/time", ErrInvalidRecord)
	}
	if price <= 0 || qty <= 0 {
		return nil, fmt.Errorf("%w: non-positive price/quantity", ErrInvalidRecord)
	}
	if t.After(now.Add(clockSkewBound)) {
		return nil, fmt.Errorf("%w: trade time too far in the future", ErrInvalidRecord)
	}

	isBuyerMaker, _ := firstNonNil(m, "isBuyerMaker", "m")
	maker, _ := isBuyerMaker.(bool)

	return &Trade{ID: id, Price: price, Quantity: qty, Time: t, IsBuyerMaker: maker}, nil
}

// klineFieldNames is the fixed REST array column order.
var klineFieldNames = []string{
	"openTime", "open", "high", "low", "close", "volume",
	"closeTime", "quoteVolume", "trades", "takerBuyBaseVolume", "takerBuyQuoteVolume",
}

// DecodeKlineArray decodes the REST array-of-arrays kline form.
func DecodeKlineArray(raw []any) (*Kline, error) {
	if len(raw) < len(klineFieldNames) {
		return nil, fmt.Errorf("%w: kline array too short", ErrInvalidRecord)
	}
	m := make(map[string]any, len(klineFieldNames))
	for i, name := range klineFieldNames {
		m[name] = raw[i]
	}
	return decodeKlineFields(m)
}

// DecodeKlineObject decodes the push kline envelope's nested "k" object,
// whose short keys (t, T, o, c, h, l, v, q, n, V, Q) mirror the REST
// array's columns.
func DecodeKlineObject(m map[string]any) (*Kline, error) {
	mapped := map[string]any{
		"openTime": firstOf(m, "t", "openTime"), "open": firstOf(m, "o", "open"),
		"high": firstOf(m, "h", "high"), "low": firstOf(m, "l", "low"),
		"close": firstOf(m, "c", "close"), "volume": firstOf(m, "v", "volume"),
		"closeTime": firstOf(m, "T", "closeTime"), "quoteVolume": firstOf(m, "q", "quoteVolume"),
		"trades": firstOf(m, "n", "trades"),
		"takerBuyBaseVolume":  firstOf(m, "V", "takerBuyBaseVolume"),
		"takerBuyQuoteVolume": firstOf(m, "Q", "takerBuyQuoteVolume"),
	}
	return decodeKlineFields(mapped)
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func decodeKlineFields(m map[string]any) (*Kline, error) {
	openTime, ok := parseMillis(m["openTime"])
	if !ok {
		return nil, fmt.Errorf("%w: unparseable openTime", ErrInvalidRecord)
	}
	closeTime, ok := parseMillis(m["closeTime"])
	if !ok {
		return nil, fmt.Errorf("%w: unparseable closeTime", ErrInvalidRecord)
	}
	if closeTime.Before(openTime) {
		return nil, fmt.Errorf("%w: closeTime before openTime", ErrInvalidRecord)
	}

	nums := map[string]float64{}
	for _, f := range []string{"open", "high", "low", "close", "volume", "quoteVolume"} {
		v, ok := parseNumber(m[f])
		if !ok {
			return nil, fmt.Errorf("%w: unparseable %s", ErrInvalidRecord, f)
		}
		nums[f] = v
	}

	trades, ok := parseInt(m["trades"])
	if !ok || trades < 0 {
		return nil, fmt.Errorf("%w: invalid trades count", ErrInvalidRecord)
	}

	takerBase, _ := parseNumber(m["takerBuyBaseVolume"])
	takerQuote, _ := parseNumber(m["takerBuyQuoteVolume"])

	return &Kline{
		OpenTime: openTime, Open: nums["open"], High: nums["high"], Low: nums["low"],
		Close: nums["close"], Volume: nums["volume"], CloseTime: closeTime,
		QuoteVolume: nums["quoteVolume"], Trades: trades,
		TakerBuyBaseVolume: takerBase, TakerBuyQuoteVolume: takerQuote,
	}, nil
}

// DecodeTicker24h decodes a 24hr ticker object (REST or push).
func DecodeTicker24h(m map[string]any) (*Ticker24h, error) {
	symbolV, ok := firstNonNil(m, "symbol", "s")
	symbol, _ := symbolV.(string)
	if !ok || symbol == "" {
		return nil, fmt.Errorf("%w: non-empty symbol required", ErrInvalidRecord)
	}

	get := func(keys ...string) float64 {
		v, ok := firstNonNil(m, keys...)
		if !ok {
			return 0
		}
		f, _ := parseNumber(v)
		return f
	}

	openTime := time.Now()
	closeTime := time.Now()
	if v, ok := firstNonNil(m, "openTime", "O"); ok {
		if t, ok := parseMillis(v); ok {
			openTime = t
		}
	}
	if v, ok := firstNonNil(m, "closeTime", "C"); ok {
		if t, ok := parseMillis(v); ok {
			closeTime = t
		}
	}

	return &Ticker24h{
		Symbol:             symbol,
		PriceChange:        get("priceChange", "p"),
		PriceChangePercent: get("priceChangePercent", "P"),
		WeightedAvgPrice:   get("weightedAvgPrice", "w"),
		LastPrice:          get("lastPrice", "c"),
		Volume:             get("volume", "v"),
		QuoteVolume:        get("quoteVolume", "q"),
		OpenTime:           openTime,
		CloseTime:          closeTime,
	}, nil
}

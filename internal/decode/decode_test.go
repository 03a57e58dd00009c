package decode

import (
	"testing"
	"time"
)

func TestDecodePriceTickObjectForms(t *testing.T) {
	push := map[string]any{"e": "bookTicker", "s": "BTCUSDT", "b": "60005.00", "B": "0.5", "a": "60006.00", "A": "0.3"}
	pt, err := DecodePriceTick(push)
	if err != nil {
		t.Fatalf("push decode: %v", err)
	}
	if pt.Symbol != "BTCUSDT" || pt.Bid != 60005.0 || pt.Ask != 60006.0 {
		t.Fatalf("unexpected price tick: %+v", pt)
	}

	rest := map[string]any{"symbol": "BTCUSDT", "bidPrice": "60000.00", "bidQty": "1.0", "askPrice": "60001.00", "askQty": "1.2"}
	pt2, err := DecodePriceTick(rest)
	if err != nil {
		t.Fatalf("rest decode: %v", err)
	}
	if pt2.Bid != 60000.0 {
		t.Fatalf("unexpected rest price tick: %+v", pt2)
	}
}

func TestDecodeOrderBookDropsBadLevels(t *testing.T) {
	m := map[string]any{
		"lastUpdateId": float64(100),
		"bids": []any{
			[]any{"0", "1"},
			[]any{"100", "0"},
			[]any{"99", "2"},
		},
		"asks": []any{
			[]any{"101", "1"},
		},
	}
	ob, err := DecodeOrderBook(m)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ob.Bids) != 1 || ob.Bids[0].Price != 99 || ob.Bids[0].Quantity != 2 {
		t.Fatalf("bids = %+v, want single {99,2}", ob.Bids)
	}
	if len(ob.Asks) != 1 || ob.Asks[0].Price != 101 {
		t.Fatalf("asks = %+v", ob.Asks)
	}
}

func TestDecodeTradeRejectsNonPositive(t *testing.T) {
	m := map[string]any{"id": float64(1), "price": "0", "qty": "1", "time": float64(1000)}
	if _, err := DecodeTrade(m, time.Now(), DefaultClockSkewBound); err == nil {
		t.Fatal("expected rejection of non-positive price")
	}
}

func TestDecodeTradeRejectsFutureTimeBeyondSkewBound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(time.Minute).UnixMilli()
	m := map[string]any{"id": float64(1), "price": "100", "qty": "1", "time": float64(future)}
	if _, err := DecodeTrade(m, now, DefaultClockSkewBound); err == nil {
		t.Fatal("expected rejection of a trade timestamped beyond the clock skew bound")
	}
}

func TestDecodeTradeAcceptsTimeWithinSkewBound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	withinBound := now.Add(DefaultClockSkewBound / 2).UnixMilli()
	m := map[string]any{"id": float64(1), "price": "100", "qty": "1", "time": float64(withinBound)}
	if _, err := DecodeTrade(m, now, DefaultClockSkewBound); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestDecodeKlineArrayAndObjectAgree(t *testing.T) {
	arr := []any{
		float64(1000), "100.0", "110.0", "90.0", "105.0", "5.0",
		float64(61000), "525.0", float64(10), "2.0", "210.0",
	}
	fromArray, err := DecodeKlineArray(arr)
	if err != nil {
		t.Fatalf("array decode: %v", err)
	}

	obj := map[string]any{
		"t": float64(1000), "T": float64(61000), "o": "100.0", "h": "110.0", "l": "90.0",
		"c": "105.0", "v": "5.0", "q": "525.0", "n": float64(10), "V": "2.0", "Q": "210.0",
	}
	fromObject, err := DecodeKlineObject(obj)
	if err != nil {
		t.Fatalf("object decode: %v", err)
	}

	if fromArray.Open != fromObject.Open || fromArray.Close != fromObject.Close {
		t.Fatalf("array/object decode mismatch: %+v vs %+v", fromArray, fromObject)
	}
	if !fromArray.CloseTime.After(fromArray.OpenTime) {
		t.Fatalf("closeTime should be after openTime")
	}
}

func TestDecodeKlineRejectsCloseBeforeOpen(t *testing.T) {
	arr := []any{
		float64(61000), "100.0", "110.0", "90.0", "105.0", "5.0",
		float64(1000), "525.0", float64(10), "2.0", "210.0",
	}
	if _, err := DecodeKlineArray(arr); err == nil {
		t.Fatal("expected rejection of closeTime before openTime")
	}
}

func TestDecodeTicker24hRequiresSymbol(t *testing.T) {
	if _, err := DecodeTicker24h(map[string]any{"lastPrice": "1.0"}); err == nil {
		t.Fatal("expected rejection of empty symbol")
	}
}

// Package decode holds the canonical record types (spec.md §3) and the
// pure functions that turn wire payloads — either array-encoded (REST) or
// object-encoded (push) — into them. It performs no I/O.
//
// Per spec.md §9 ("dynamic callbacks & any payloads"), this package is the
// single place that branches on topic; everything downstream consumes the
// typed variants below instead of loosely-typed maps.
package decode

import "time"

// PriceTick is the bookTicker canonical record.
type PriceTick struct {
	Symbol    string
	Bid       float64
	BidQty    float64
	Ask       float64
	AskQty    float64
	EventTime time.Time
}

// OrderBookLevel is one price/quantity pair in an OrderBook.
type OrderBookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook is the depth canonical record.
type OrderBook struct {
	LastUpdateID int64
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
}

// Trade is the aggTrade/trade canonical record.
type Trade struct {
	ID           int64
	Price        float64
	Quantity     float64
	Time         time.Time
	IsBuyerMaker bool
}

// Kline is the kline canonical record. OpenTime is its identity.
type Kline struct {
	OpenTime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           time.Time
	QuoteVolume         float64
	Trades              int64
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
}

// Ticker24h is the 24hr aggregate canonical record.
type Ticker24h struct {
	Symbol             string
	PriceChange        float64
	PriceChangePercent float64
	WeightedAvgPrice   float64
	LastPrice          float64
	Volume             float64
	QuoteVolume        float64
	OpenTime           time.Time
	CloseTime          time.Time
}

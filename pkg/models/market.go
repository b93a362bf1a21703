package models

import (
	"math"
	"time"
)

type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

type OrderBookLevel struct {
	Price float64
	Size  float64
}

type Ticker struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	LastPrice float64
	Timestamp time.Time
}

type Trade struct {
	Symbol    string
	Price     float64
	Size      float64
	Side      OrderSide
	TradeID   string
	Timestamp time.Time
}

// RawSnapshot is what the exchange hands back for one symbol. OrderBook may be
// nil and Trades may be empty when the venue could not provide them.
type RawSnapshot struct {
	Ticker    Ticker
	OrderBook *OrderBook
	Trades    []Trade
}

// MarketState is the normalized view of a market for one cycle. It is built
// once and never mutated.
type MarketState struct {
	Symbol      string
	Price       float64
	Bid         float64
	Ask         float64
	Imbalance   float64 // bid volume share of top-of-book depth, 0.5 is neutral
	FlowBias    float64 // buy volume share of recent trades, 0.5 is neutral
	Timestamp   time.Time
	Stale       bool
	StaleReason string
}

// StaleState returns a HOLD-only marker state.
func StaleState(symbol, reason string, at time.Time) MarketState {
	return MarketState{
		Symbol:      symbol,
		Imbalance:   0.5,
		FlowBias:    0.5,
		Timestamp:   at,
		Stale:       true,
		StaleReason: reason,
	}
}

func (s MarketState) Mid() float64 {
	if s.Bid > 0 && s.Ask > 0 {
		return (s.Bid + s.Ask) / 2
	}
	return s.Price
}

func (s MarketState) SpreadBps() float64 {
	mid := s.Mid()
	if mid <= 0 || s.Bid <= 0 || s.Ask <= 0 {
		return 0
	}
	return (s.Ask - s.Bid) / mid * 10000
}

// Valid reports whether the state carries usable numbers.
func (s MarketState) Valid() bool {
	if s.Stale || s.Price <= 0 {
		return false
	}
	for _, v := range []float64{s.Price, s.Bid, s.Ask, s.Imbalance, s.FlowBias} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

package models

import (
	"math"
	"time"
)

// dustQuantity is the size below which a position is considered flat.
const dustQuantity = 1e-12

type TradeMode string

const (
	TradeModeAuto   TradeMode = "auto"
	TradeModeManual TradeMode = "manual"
)

type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	LastPrice     float64 `json:"last_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

func (p Position) IsFlat() bool {
	return p.Quantity <= dustQuantity
}

func (p Position) Notional(price float64) float64 {
	return p.Quantity * price
}

// Mark revalues the position at price.
func (p Position) Mark(price float64) Position {
	if price <= 0 {
		return p
	}
	p.LastPrice = price
	if p.IsFlat() {
		p.UnrealizedPnL = 0
		return p
	}
	p.UnrealizedPnL = (price - p.AvgEntryPrice) * p.Quantity
	return p
}

// ApplyBuy adds a fill to the position, averaging the entry price.
func (p Position) ApplyBuy(f Fill) Position {
	qty := p.Quantity + f.Size
	if qty > 0 {
		p.AvgEntryPrice = (p.Quantity*p.AvgEntryPrice + f.Size*f.Price) / qty
	}
	p.Quantity = qty
	return p.Mark(f.Price)
}

// ApplySell removes a fill from the position and returns the realized PnL in
// quote currency and as a percentage of the entry price.
func (p Position) ApplySell(f Fill) (Position, float64, float64) {
	size := math.Min(f.Size, p.Quantity)
	pnl := (f.Price - p.AvgEntryPrice) * size
	var pnlPct float64
	if p.AvgEntryPrice > 0 {
		pnlPct = (f.Price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
	}
	p.Quantity -= size
	if p.IsFlat() {
		p.Quantity = 0
		p.AvgEntryPrice = 0
	}
	return p.Mark(f.Price), pnl, pnlPct
}

// DailyStats are the counters the risk rules read. They reset at the daily
// boundary and are rebuilt from the ledger on restart.
type DailyStats struct {
	Day               time.Time `json:"day"`
	TradesToday       int       `json:"trades_today"`
	DailyRealizedPnL  float64   `json:"daily_realized_pnl"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	LastLossAt        time.Time `json:"last_loss_at"`
}

// WithBuy counts an opening fill. Realized PnL is untouched.
func (d DailyStats) WithBuy() DailyStats {
	d.TradesToday++
	return d
}

// WithSell counts a closing fill and its realized PnL.
func (d DailyStats) WithSell(pnl float64, at time.Time) DailyStats {
	d.TradesToday++
	d.DailyRealizedPnL += pnl
	if pnl < 0 {
		d.ConsecutiveLosses++
		d.LastLossAt = at
	} else {
		d.ConsecutiveLosses = 0
	}
	return d
}

type TradeRecord struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price"`
	Funds      float64   `json:"funds"`
	PnL        *float64  `json:"pnl"`
	PnLPct     *float64  `json:"pnl_pct"`
	Mode       TradeMode `json:"mode"`
	DryRun     bool      `json:"dry_run"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	ExecutedAt time.Time `json:"executed_at"`
}

// DecisionRecord is the audit row written for notable HOLD outcomes.
type DecisionRecord struct {
	Symbol     string
	Action     Action
	Rule       string
	Reason     string
	Confidence float64
	DryRun     bool
	DecidedAt  time.Time
}

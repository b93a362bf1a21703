package ledger

import (
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
)

type tradeRow struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	TradeID    string    `gorm:"size:64;uniqueIndex"`
	OrderID    string    `gorm:"size:128"`
	Symbol     string    `gorm:"size:32;index"`
	Side       string    `gorm:"size:8"`
	Size       float64   `gorm:"not null"`
	Price      float64   `gorm:"not null"`
	Funds      float64   `gorm:"not null"`
	PnL        *float64  `gorm:"column:pnl"`
	PnLPct     *float64  `gorm:"column:pnl_pct"`
	Mode       string    `gorm:"size:16"`
	DryRun     bool      `gorm:"index"`
	Confidence float64   `gorm:"not null;default:0"`
	Reason     string    `gorm:"size:512"`
	ExecutedAt time.Time `gorm:"index"`
}

func (tradeRow) TableName() string { return "trades" }

func toTradeRow(rec models.TradeRecord) tradeRow {
	return tradeRow{
		TradeID:    rec.ID,
		OrderID:    rec.OrderID,
		Symbol:     rec.Symbol,
		Side:       string(rec.Side),
		Size:       rec.Size,
		Price:      rec.Price,
		Funds:      rec.Funds,
		PnL:        rec.PnL,
		PnLPct:     rec.PnLPct,
		Mode:       string(rec.Mode),
		DryRun:     rec.DryRun,
		Confidence: rec.Confidence,
		Reason:     truncate(rec.Reason, 512),
		ExecutedAt: rec.ExecutedAt.UTC(),
	}
}

func (r tradeRow) record() models.TradeRecord {
	return models.TradeRecord{
		ID:         r.TradeID,
		OrderID:    r.OrderID,
		Symbol:     r.Symbol,
		Side:       models.OrderSide(r.Side),
		Size:       r.Size,
		Price:      r.Price,
		Funds:      r.Funds,
		PnL:        r.PnL,
		PnLPct:     r.PnLPct,
		Mode:       models.TradeMode(r.Mode),
		DryRun:     r.DryRun,
		Confidence: r.Confidence,
		Reason:     r.Reason,
		ExecutedAt: r.ExecutedAt.UTC(),
	}
}

type decisionRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Symbol     string    `gorm:"size:32;index"`
	Action     string    `gorm:"size:8"`
	Rule       string    `gorm:"size:32;index"`
	Reason     string    `gorm:"size:512"`
	Confidence float64   `gorm:"not null;default:0"`
	DryRun     bool      `gorm:"not null;default:false"`
	DecidedAt  time.Time `gorm:"index"`
}

func (decisionRow) TableName() string { return "decisions" }

func toDecisionRow(rec models.DecisionRecord) decisionRow {
	return decisionRow{
		Symbol:     rec.Symbol,
		Action:     string(rec.Action),
		Rule:       rec.Rule,
		Reason:     truncate(rec.Reason, 512),
		Confidence: rec.Confidence,
		DryRun:     rec.DryRun,
		DecidedAt:  rec.DecidedAt.UTC(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

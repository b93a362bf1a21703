// Package risk is the last gate before an order reaches the exchange.
// Evaluate is a pure function of its inputs.
package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/shopspring/decimal"
)

// Rules that can force a HOLD, in evaluation order.
const (
	RuleDailyLoss     = "daily_loss_limit"
	RuleCooldown      = "cooldown"
	RuleMaxPosition   = "max_position"
	RuleNoPosition    = "no_position"
	RuleMinConfidence = "min_confidence"
	RuleNoPrice       = "no_price"
	RuleMinNotional   = "min_notional"
)

type Config struct {
	MaxDailyLoss        float64       // quote currency, positive
	CooldownThreshold   int           // consecutive losses that start a cooldown
	CooldownPeriod      time.Duration // measured from the last loss
	MaxPositionSize     float64       // base currency
	MinConfidence       float64
	BalanceFraction     float64 // share of available quote balance one BUY may use
	MinNotional         float64
	MaxNotional         float64
	PartialExitFraction float64 // 0 or 1 sells the whole position
	SizeIncrement       float64 // order sizes are rounded down to this step
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxDailyLoss <= 0 {
		errs = append(errs, errors.New("max_daily_loss must be positive"))
	}
	if c.CooldownThreshold < 1 {
		errs = append(errs, errors.New("cooldown_threshold must be at least 1"))
	}
	if c.CooldownPeriod <= 0 {
		errs = append(errs, errors.New("cooldown_period must be positive"))
	}
	if c.MaxPositionSize <= 0 {
		errs = append(errs, errors.New("max_position_size must be positive"))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence must be in [0,1], got %v", c.MinConfidence))
	}
	if c.BalanceFraction <= 0 || c.BalanceFraction > 1 {
		errs = append(errs, fmt.Errorf("balance_fraction must be in (0,1], got %v", c.BalanceFraction))
	}
	if c.MinNotional < 0 {
		errs = append(errs, errors.New("min_notional must not be negative"))
	}
	if c.MaxNotional > 0 && c.MaxNotional < c.MinNotional {
		errs = append(errs, errors.New("max_notional must not be below min_notional"))
	}
	if c.PartialExitFraction < 0 || c.PartialExitFraction > 1 {
		errs = append(errs, fmt.Errorf("partial_exit_fraction must be in [0,1], got %v", c.PartialExitFraction))
	}
	if c.SizeIncrement < 0 {
		errs = append(errs, errors.New("size_increment must not be negative"))
	}
	return errors.Join(errs...)
}

type Input struct {
	Signal   models.Signal
	Position models.Position
	Stats    models.DailyStats
	Balance  float64 // available quote balance
	Price    float64 // reference execution price
	Now      time.Time
	// RequestedSize caps the order size when positive (manual orders).
	RequestedSize float64
}

// Decision is the approved action and size. Rule names the check that forced
// a HOLD, empty when the signal itself was HOLD or the order was approved.
type Decision struct {
	Action models.Action
	Size   float64
	Price  float64
	Rule   string
	Reason string
	Signal models.Signal
}

func (d Decision) Actionable() bool {
	return d.Action != models.ActionHold && d.Size > 0
}

func (d Decision) Notional() float64 {
	return d.Size * d.Price
}

func Evaluate(in Input, cfg Config) Decision {
	d := Decision{Action: models.ActionHold, Price: in.Price, Signal: in.Signal}
	action := in.Signal.Action

	if action != models.ActionBuy && action != models.ActionSell {
		d.Reason = in.Signal.Reason
		return d
	}

	if in.Stats.DailyRealizedPnL <= -cfg.MaxDailyLoss {
		return hold(d, RuleDailyLoss, fmt.Sprintf("daily pnl %.2f at or below -%.2f", in.Stats.DailyRealizedPnL, cfg.MaxDailyLoss))
	}
	if in.Stats.ConsecutiveLosses >= cfg.CooldownThreshold && in.Now.Sub(in.Stats.LastLossAt) < cfg.CooldownPeriod {
		remaining := cfg.CooldownPeriod - in.Now.Sub(in.Stats.LastLossAt)
		return hold(d, RuleCooldown, fmt.Sprintf("%d consecutive losses, cooldown %s remaining", in.Stats.ConsecutiveLosses, remaining.Round(time.Second)))
	}
	if action == models.ActionBuy && in.Position.Quantity > 0 && in.Position.Quantity >= cfg.MaxPositionSize {
		return hold(d, RuleMaxPosition, fmt.Sprintf("position %.8f at max %.8f", in.Position.Quantity, cfg.MaxPositionSize))
	}
	if action == models.ActionSell && in.Position.IsFlat() {
		return hold(d, RuleNoPosition, "nothing to sell")
	}
	if in.Signal.Confidence < cfg.MinConfidence {
		return hold(d, RuleMinConfidence, fmt.Sprintf("confidence %.3f below %.3f", in.Signal.Confidence, cfg.MinConfidence))
	}
	if in.Price <= 0 {
		return hold(d, RuleNoPrice, "no reference price")
	}

	var size float64
	if action == models.ActionBuy {
		size = buySize(in, cfg)
	} else {
		size = sellSize(in, cfg)
	}
	if size <= 0 || size*in.Price < cfg.MinNotional {
		return hold(d, RuleMinNotional, fmt.Sprintf("order notional %.2f below minimum %.2f", size*in.Price, cfg.MinNotional))
	}

	d.Action = action
	d.Size = size
	d.Reason = in.Signal.Reason
	return d
}

func buySize(in Input, cfg Config) float64 {
	notional := in.Balance * cfg.BalanceFraction
	if cfg.MaxNotional > 0 && notional > cfg.MaxNotional {
		notional = cfg.MaxNotional
	}
	capacity := cfg.MaxPositionSize - in.Position.Quantity
	if capacity <= 0 {
		return 0
	}
	size := notional / in.Price
	if size > capacity {
		size = capacity
	}
	if in.RequestedSize > 0 && in.RequestedSize < size {
		size = in.RequestedSize
	}
	return roundDown(size, cfg.SizeIncrement)
}

func sellSize(in Input, cfg Config) float64 {
	held := in.Position.Quantity
	if in.RequestedSize > 0 && in.RequestedSize < held {
		return roundDown(in.RequestedSize, cfg.SizeIncrement)
	}
	if cfg.PartialExitFraction > 0 && cfg.PartialExitFraction < 1 {
		partial := roundDown(held*cfg.PartialExitFraction, cfg.SizeIncrement)
		if partial > 0 && partial*in.Price >= cfg.MinNotional {
			return partial
		}
	}
	return held
}

func roundDown(size, increment float64) float64 {
	if increment <= 0 {
		return size
	}
	step := decimal.NewFromFloat(increment)
	v, _ := decimal.NewFromFloat(size).Div(step).Floor().Mul(step).Float64()
	return v
}

func hold(d Decision, rule, reason string) Decision {
	d.Action = models.ActionHold
	d.Size = 0
	d.Rule = rule
	d.Reason = reason
	return d
}

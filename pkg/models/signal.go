package models

import "time"

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps an actionable Action to an order side.
func (a Action) Side() (OrderSide, bool) {
	switch a {
	case ActionBuy:
		return OrderSideBuy, true
	case ActionSell:
		return OrderSideSell, true
	}
	return "", false
}

// Signal is the model's proposal before risk filtering.
type Signal struct {
	Action      Action    `json:"action"`
	Confidence  float64   `json:"confidence"`
	Score       float64   `json:"score"`
	Reason      string    `json:"reason"`
	GeneratedAt time.Time `json:"generated_at"`
}

func HoldSignal(reason string, at time.Time) Signal {
	return Signal{Action: ActionHold, Reason: reason, GeneratedAt: at}
}

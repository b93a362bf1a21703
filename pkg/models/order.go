package models

import (
	"strings"
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func ParseOrderSide(s string) (OrderSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return OrderSideBuy, true
	case "SELL":
		return OrderSideSell, true
	}
	return "", false
}

type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Size          float64
}

// Fill is the exchange's confirmation of an executed market order.
type Fill struct {
	OrderID  string
	Price    float64
	Size     float64
	FilledAt time.Time
}

// Funds is the quote amount exchanged by the fill.
func (f Fill) Funds() float64 {
	return f.Price * f.Size
}

package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/autotrader/pkg/models"
)

var ErrInsufficientFunds = errors.New("insufficient simulated funds")

// executor is where orders go: the real exchange, or a paper book in dry-run
// mode. Only the loop goroutine calls it.
type executor interface {
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error)
	Balance(ctx context.Context) (float64, error)
	mark(state models.MarketState)
}

type liveExecutor struct {
	exchange Exchange
	quote    string
}

func (x *liveExecutor) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error) {
	return x.exchange.PlaceMarketOrder(ctx, req)
}

func (x *liveExecutor) Balance(ctx context.Context) (float64, error) {
	return x.exchange.GetBalance(ctx, x.quote)
}

func (x *liveExecutor) mark(models.MarketState) {}

// paperExecutor fills market orders at the current ask (buys) or bid (sells)
// against a simulated balance. It never touches the exchange.
type paperExecutor struct {
	quote float64
	base  float64
	bid   float64
	ask   float64
	last  float64
	now   func() time.Time
}

func newPaperExecutor(quote float64, now func() time.Time) *paperExecutor {
	return &paperExecutor{quote: quote, now: now}
}

func (p *paperExecutor) setBase(qty float64) {
	p.base = qty
}

func (p *paperExecutor) mark(state models.MarketState) {
	if state.Stale {
		return
	}
	p.bid, p.ask, p.last = state.Bid, state.Ask, state.Price
}

func (p *paperExecutor) Balance(context.Context) (float64, error) {
	return p.quote, nil
}

func (p *paperExecutor) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error) {
	if req.Size <= 0 {
		return nil, errors.New("size must be positive")
	}

	var price, size float64
	switch req.Side {
	case models.OrderSideBuy:
		price = firstPositive(p.ask, p.last)
		if price <= 0 {
			return nil, errors.New("no simulated price")
		}
		size = req.Size
		funds := price * size
		if funds > p.quote+1e-9 {
			return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, funds, p.quote)
		}
		p.quote -= funds
		p.base += size
	case models.OrderSideSell:
		price = firstPositive(p.bid, p.last)
		if price <= 0 {
			return nil, errors.New("no simulated price")
		}
		size = req.Size
		if size > p.base {
			size = p.base
		}
		if size <= 0 {
			return nil, errors.New("no simulated position to sell")
		}
		p.base -= size
		p.quote += price * size
	default:
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}

	return &models.Fill{
		OrderID:  "paper-" + uuid.NewString(),
		Price:    price,
		Size:     size,
		FilledAt: p.now().UTC(),
	}, nil
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Package market turns raw exchange data into the MarketState consumed by the
// signal model.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// SnapshotSource is the slice of the exchange client the builder needs.
type SnapshotSource interface {
	GetMarketSnapshot(ctx context.Context, symbol string) (*models.RawSnapshot, error)
}

const (
	defaultTimeout    = 3 * time.Second
	defaultDepth      = 10
	defaultFlowWindow = time.Minute

	ReasonTimeout = "snapshot_timeout"
	ReasonError   = "snapshot_error"
	ReasonNoPrice = "no_price"
)

type Builder struct {
	source     SnapshotSource
	timeout    time.Duration
	depth      int
	flowWindow time.Duration
	now        func() time.Time
	logger     *logrus.Logger
}

type Option func(*Builder)

func WithTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithDepth sets how many book levels per side feed the imbalance ratio.
func WithDepth(levels int) Option {
	return func(b *Builder) {
		if levels > 0 {
			b.depth = levels
		}
	}
}

func WithFlowWindow(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.flowWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBuilder(source SnapshotSource, opts ...Option) *Builder {
	b := &Builder{
		source:     source,
		timeout:    defaultTimeout,
		depth:      defaultDepth,
		flowWindow: defaultFlowWindow,
		now:        time.Now,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build fetches and normalizes one snapshot. The returned state is always
// usable: a failed or slow fetch yields a stale state alongside the error so
// the caller can count the failure.
func (b *Builder) Build(ctx context.Context, symbol string) (models.MarketState, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.source.GetMarketSnapshot(ctx, symbol)
	now := b.now()
	if err != nil {
		reason := ReasonError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		b.logger.WithError(err).WithField("symbol", symbol).Warn("Market snapshot unavailable")
		return models.StaleState(symbol, reason, now), err
	}
	if raw == nil {
		return models.StaleState(symbol, ReasonError, now), errors.New("empty market snapshot")
	}

	return Normalize(symbol, raw, b.depth, b.flowWindow, now), nil
}

// Normalize converts a raw snapshot into a MarketState. Missing book depth or
// trade flow degrades to the neutral 0.5 ratio.
func Normalize(symbol string, raw *models.RawSnapshot, depth int, flowWindow time.Duration, now time.Time) models.MarketState {
	bid, ask := raw.Ticker.BidPrice, raw.Ticker.AskPrice
	if raw.OrderBook != nil {
		if len(raw.OrderBook.Bids) > 0 && bid <= 0 {
			bid = raw.OrderBook.Bids[0].Price
		}
		if len(raw.OrderBook.Asks) > 0 && ask <= 0 {
			ask = raw.OrderBook.Asks[0].Price
		}
	}

	price := raw.Ticker.LastPrice
	if price <= 0 && bid > 0 && ask > 0 {
		price = (bid + ask) / 2
	}
	if price <= 0 {
		return models.StaleState(symbol, ReasonNoPrice, now)
	}

	ts := raw.Ticker.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return models.MarketState{
		Symbol:    symbol,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Imbalance: BookImbalance(raw.OrderBook, depth),
		FlowBias:  FlowBias(raw.Trades, ts.Add(-flowWindow)),
		Timestamp: ts,
	}
}

// BookImbalance is bid volume / (bid + ask volume) over the top levels.
func BookImbalance(book *models.OrderBook, depth int) float64 {
	if book == nil {
		return 0.5
	}
	bidVol := sumSize(book.Bids, depth)
	askVol := sumSize(book.Asks, depth)
	if bidVol+askVol <= 0 {
		return 0.5
	}
	return bidVol / (bidVol + askVol)
}

// FlowBias is buy volume / (buy + sell volume) for trades at or after since.
func FlowBias(trades []models.Trade, since time.Time) float64 {
	var buyVol, sellVol float64
	for _, t := range trades {
		if !t.Timestamp.IsZero() && t.Timestamp.Before(since) {
			continue
		}
		if t.Size <= 0 {
			continue
		}
		switch t.Side {
		case models.OrderSideBuy:
			buyVol += t.Size
		case models.OrderSideSell:
			sellVol += t.Size
		}
	}
	if buyVol+sellVol <= 0 {
		return 0.5
	}
	return buyVol / (buyVol + sellVol)
}

func sumSize(levels []models.OrderBookLevel, depth int) float64 {
	var total float64
	for i, l := range levels {
		if depth > 0 && i >= depth {
			break
		}
		if l.Size > 0 {
			total += l.Size
		}
	}
	return total
}

package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	raw   *models.RawSnapshot
	err   error
	delay time.Duration
}

func (s *stubSource) GetMarketSnapshot(ctx context.Context, symbol string) (*models.RawSnapshot, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.raw, s.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestBuildNormalizesSnapshot(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	src := &stubSource{raw: &models.RawSnapshot{
		Ticker: models.Ticker{LastPrice: 100, BidPrice: 99.5, AskPrice: 100.5, Timestamp: now},
		OrderBook: &models.OrderBook{
			Bids: []models.OrderBookLevel{{Price: 99.5, Size: 3}, {Price: 99, Size: 1}},
			Asks: []models.OrderBookLevel{{Price: 100.5, Size: 1}, {Price: 101, Size: 3}},
		},
		Trades: []models.Trade{
			{Side: models.OrderSideBuy, Size: 3, Timestamp: now.Add(-10 * time.Second)},
			{Side: models.OrderSideSell, Size: 1, Timestamp: now.Add(-20 * time.Second)},
			{Side: models.OrderSideSell, Size: 50, Timestamp: now.Add(-time.Hour)},
		},
	}}

	b := NewBuilder(src, WithDepth(1), WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	state, err := b.Build(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.False(t, state.Stale)
	assert.Equal(t, 100.0, state.Price)
	assert.InDelta(t, 0.75, state.Imbalance, 1e-9)
	assert.InDelta(t, 0.75, state.FlowBias, 1e-9)
	assert.Equal(t, now, state.Timestamp)
}

func TestBuildMissingDepthIsNeutral(t *testing.T) {
	src := &stubSource{raw: &models.RawSnapshot{Ticker: models.Ticker{LastPrice: 50}}}
	state, err := NewBuilder(src, WithLogger(quietLogger())).Build(context.Background(), "ETH-USD")
	require.NoError(t, err)

	assert.Equal(t, 0.5, state.Imbalance)
	assert.Equal(t, 0.5, state.FlowBias)
}

func TestBuildFallsBackToMid(t *testing.T) {
	src := &stubSource{raw: &models.RawSnapshot{Ticker: models.Ticker{BidPrice: 10, AskPrice: 12}}}
	state, err := NewBuilder(src, WithLogger(quietLogger())).Build(context.Background(), "SOL-USD")
	require.NoError(t, err)
	assert.Equal(t, 11.0, state.Price)
}

func TestBuildErrorReturnsStale(t *testing.T) {
	src := &stubSource{err: errors.New("connection reset")}
	state, err := NewBuilder(src, WithLogger(quietLogger())).Build(context.Background(), "BTC-USD")

	assert.Error(t, err)
	assert.True(t, state.Stale)
	assert.Equal(t, ReasonError, state.StaleReason)
}

func TestBuildTimeoutReturnsStale(t *testing.T) {
	src := &stubSource{delay: time.Second}
	b := NewBuilder(src, WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))

	start := time.Now()
	state, err := b.Build(context.Background(), "BTC-USD")

	assert.Error(t, err)
	assert.True(t, state.Stale)
	assert.Equal(t, ReasonTimeout, state.StaleReason)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBuildNoPriceIsStale(t *testing.T) {
	src := &stubSource{raw: &models.RawSnapshot{}}
	state, err := NewBuilder(src, WithLogger(quietLogger())).Build(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.True(t, state.Stale)
	assert.Equal(t, ReasonNoPrice, state.StaleReason)
}

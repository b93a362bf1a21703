package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/autotrader/pkg/clock"
	"github.com/gregtusar/autotrader/pkg/ledger"
	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/notify"
	"github.com/gregtusar/autotrader/pkg/risk"
	"github.com/gregtusar/autotrader/pkg/signal"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSymbol = "BTC-USD"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeExchange serves a fixed book and fills market orders at a settable
// price.
type fakeExchange struct {
	mu         sync.Mutex
	bid, ask   float64
	last       float64
	fillPrice  float64
	balance    float64
	snapErr    error
	orderErr   error
	snapCalls  int
	orders     []models.OrderRequest
	orderCalls int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{bid: 89990, ask: 90000, last: 89995, balance: 10000}
}

func (f *fakeExchange) GetMarketSnapshot(ctx context.Context, symbol string) (*models.RawSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return &models.RawSnapshot{
		Ticker: models.Ticker{Symbol: symbol, BidPrice: f.bid, AskPrice: f.ask, LastPrice: f.last},
		OrderBook: &models.OrderBook{
			Symbol: symbol,
			Bids:   []models.OrderBookLevel{{Price: f.bid, Size: 1}},
			Asks:   []models.OrderBookLevel{{Price: f.ask, Size: 1}},
		},
	}, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, req)
	price := f.fillPrice
	if price <= 0 {
		price = f.ask
		if req.Side == models.OrderSideSell {
			price = f.bid
		}
	}
	return &models.Fill{OrderID: "ord-" + uuid.NewString(), Price: price, Size: req.Size, FilledAt: time.Now().UTC()}, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeExchange) set(fn func(f *fakeExchange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeExchange) placed() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRequest(nil), f.orders...)
}

func (f *fakeExchange) calls() (snapshots, orders int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapCalls, f.orderCalls
}

type alert struct {
	severity notify.Severity
	message  string
}

type recordingNotifier struct {
	mu       sync.Mutex
	buys     []models.TradeRecord
	sells    []models.TradeRecord
	alerts   []alert
	statuses []string
}

func (n *recordingNotifier) NotifyBuy(rec models.TradeRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buys = append(n.buys, rec)
}

func (n *recordingNotifier) NotifySell(rec models.TradeRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sells = append(n.sells, rec)
}

func (n *recordingNotifier) NotifyError(severity notify.Severity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert{severity: severity, message: message})
}

func (n *recordingNotifier) NotifyStatus(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, message)
}

func (n *recordingNotifier) alertsWith(severity notify.Severity) []alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []alert
	for _, a := range n.alerts {
		if a.severity == severity {
			out = append(out, a)
		}
	}
	return out
}

func (n *recordingNotifier) counts() (buys, sells int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buys), len(n.sells)
}

// failingWriter queues every record.
type failingWriter struct {
	mu      sync.Mutex
	pending []models.TradeRecord
}

func (w *failingWriter) Append(ctx context.Context, rec models.TradeRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, rec)
	return fmt.Errorf("%w: database is locked", ledger.ErrQueued)
}

func (w *failingWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

type harness struct {
	engine   *Engine
	exchange *fakeExchange
	ledger   *ledger.Ledger
	writer   TradeWriter
	notifier *recordingNotifier
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	cfg    Config
	bias   float64
	writer TradeWriter
	ledger *ledger.Ledger
}

// withBias sets the scorer bias. Large positive values always say BUY, large
// negative values always say SELL and zero always holds.
func withBias(b float64) harnessOption {
	return func(s *harnessSetup) { s.bias = b }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(s *harnessSetup) { fn(&s.cfg) }
}

func withWriter(w TradeWriter) harnessOption {
	return func(s *harnessSetup) { s.writer = w }
}

func withLedger(l *ledger.Ledger) harnessOption {
	return func(s *harnessSetup) { s.ledger = l }
}

func testRiskConfig() risk.Config {
	return risk.Config{
		MaxDailyLoss:      50,
		CooldownThreshold: 3,
		CooldownPeriod:    time.Hour,
		MaxPositionSize:   0.001,
		MinConfidence:     0.5,
		BalanceFraction:   0.1,
		MinNotional:       10,
		MaxNotional:       5000,
		SizeIncrement:     0.0001,
	}
}

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	l, err := ledger.Open(ledger.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:trader_%s?mode=memory&cache=shared", name),
	}, clock.DailyBoundary{Location: time.UTC}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	setup := harnessSetup{
		cfg: Config{
			Symbol:         testSymbol,
			BaseAsset:      "BTC",
			QuoteAsset:     "USD",
			TickInterval:   time.Hour,
			Risk:           testRiskConfig(),
			Boundary:       clock.DailyBoundary{Location: time.UTC},
			RetryAttempts:  1,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  time.Millisecond,
			OrderTimeout:   time.Second,
		},
	}
	for _, opt := range opts {
		opt(&setup)
	}

	logger := quietLogger()
	h := &harness{exchange: newFakeExchange(), notifier: &recordingNotifier{}}
	h.ledger = setup.ledger
	if h.ledger == nil {
		h.ledger = openTestLedger(t)
	}
	h.writer = setup.writer
	if h.writer == nil {
		w := ledger.NewWriter(h.ledger, logger, ledger.WithRetry(1, time.Millisecond, time.Millisecond))
		t.Cleanup(func() { w.Close(context.Background()) })
		h.writer = w
	}

	model := signal.NewModel(signal.Config{
		MinHistory:    2,
		ShortWindow:   1,
		MediumWindow:  1,
		VolWindow:     1,
		BuyThreshold:  0.6,
		SellThreshold: 0.4,
		PriceFloor:    1e-9,
		VolFloor:      1e-6,
	}, signal.Weights{Bias: setup.bias})

	e, err := New(Deps{
		Exchange: h.exchange,
		Builder:  market.NewBuilder(h.exchange, market.WithTimeout(time.Second), market.WithLogger(logger)),
		Model:    model,
		Ledger:   h.ledger,
		Writer:   h.writer,
		Notifier: h.notifier,
		Logger:   logger,
	}, setup.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	h.engine = e
	return h
}

// prime seeds one valid state so the first cycle already has enough history.
// Must run before Start.
func (h *harness) prime() {
	h.engine.history.Push(models.MarketState{
		Symbol:    testSymbol,
		Price:     89995,
		Bid:       89990,
		Ask:       90000,
		Imbalance: 0.5,
		FlowBias:  0.5,
		Timestamp: time.Now(),
	})
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Deps{}, Config{Symbol: testSymbol, BaseAsset: "BTC", QuoteAsset: "USD", Risk: testRiskConfig()})
	assert.Error(t, err, "missing dependencies")

	h := newHarness(t)
	_, err = New(Deps{
		Exchange: h.exchange,
		Builder:  market.NewBuilder(h.exchange),
		Model:    signal.NewModel(signal.DefaultConfig(), signal.DefaultWeights()),
		Ledger:   h.ledger,
		Writer:   h.writer,
		Notifier: h.notifier,
	}, Config{Symbol: testSymbol, BaseAsset: "BTC", QuoteAsset: "USD"})
	assert.ErrorContains(t, err, "invalid risk config")
}

func TestNewRejectsHistoryTooShortForModel(t *testing.T) {
	h := newHarness(t)
	deps := Deps{
		Exchange: h.exchange,
		Builder:  market.NewBuilder(h.exchange),
		Model:    signal.NewModel(signal.DefaultConfig(), signal.DefaultWeights()),
		Ledger:   h.ledger,
		Writer:   h.writer,
		Notifier: h.notifier,
	}
	cfg := Config{Symbol: testSymbol, BaseAsset: "BTC", QuoteAsset: "USD", Risk: testRiskConfig(), HistorySize: 5}

	_, err := New(deps, cfg)
	assert.ErrorContains(t, err, "below min history")

	cfg.HistorySize = signal.DefaultConfig().MediumWindow
	_, err = New(deps, cfg)
	assert.ErrorContains(t, err, "must exceed medium window")

	cfg.HistorySize = 0
	_, err = New(deps, cfg)
	assert.NoError(t, err, "the default history fits the default model")
}

func TestBuySignalOpensPositionAndRecordsOneTrade(t *testing.T) {
	h := newHarness(t, withBias(5))
	h.prime()
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.engine.Status().TradesToday == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.Equal(t, models.EngineRunning, st.State)
	assert.InDelta(t, 0.001, st.Position.Quantity, 1e-12)
	assert.InDelta(t, 90000, st.Position.AvgEntryPrice, 1e-6)
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, models.ActionBuy, st.LastDecision.Action)

	orders := h.exchange.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderSideBuy, orders[0].Side)
	assert.InDelta(t, 0.001, orders[0].Size, 1e-12)
	assert.NotEmpty(t, orders[0].ClientOrderID)

	trades, err := h.ledger.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OrderSideBuy, trades[0].Side)
	assert.Equal(t, models.TradeModeAuto, trades[0].Mode)
	assert.False(t, trades[0].DryRun)
	assert.InDelta(t, 90, trades[0].Funds, 1e-9)

	buys, _ := h.notifier.counts()
	assert.Equal(t, 1, buys)
}

func TestSnapshotFailuresHaltEngine(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.TickInterval = 5 * time.Millisecond
		c.RetryAttempts = 2
	}))
	h.exchange.set(func(f *fakeExchange) { f.snapErr = errors.New("connection reset by peer") })
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.engine.State() == models.EngineError
	}, 2*time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "connection reset by peer")
	assert.False(t, st.LastErrorAt.IsZero())

	snapshots, orders := h.exchange.calls()
	assert.Equal(t, 6, snapshots, "each cycle retries the snapshot once")
	assert.Zero(t, orders)
	assert.Len(t, h.notifier.alertsWith(notify.SeverityCritical), 1)

	// ERROR stays put until an operator acts.
	time.Sleep(30 * time.Millisecond)
	snapshotsLater, _ := h.exchange.calls()
	assert.Equal(t, snapshots, snapshotsLater)
}

func TestOrderFailuresLeaveStateUntouched(t *testing.T) {
	h := newHarness(t, withBias(5), withConfig(func(c *Config) {
		c.TickInterval = 5 * time.Millisecond
	}))
	h.prime()
	h.exchange.set(func(f *fakeExchange) { f.orderErr = errors.New("insufficient funds") })
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.engine.State() == models.EngineError
	}, 2*time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.True(t, st.Position.IsFlat())
	assert.Zero(t, st.TradesToday)
	_, orders := h.exchange.calls()
	assert.Equal(t, 3, orders, "non-retryable errors are not retried")

	trades, err := h.ledger.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Len(t, h.notifier.alertsWith(notify.SeverityWarning), 3)
}

func TestRecoverFromError(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.TickInterval = 5 * time.Millisecond
	}))
	h.exchange.set(func(f *fakeExchange) { f.snapErr = errors.New("exchange unavailable") })
	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.engine.State() == models.EngineError
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.engine.Resume(), ErrInvalidTransition)

	h.exchange.set(func(f *fakeExchange) { f.snapErr = nil })
	require.NoError(t, h.engine.Recover())
	assert.Equal(t, models.EngineRunning, h.engine.State())

	require.Eventually(t, func() bool {
		st := h.engine.Status()
		return st.LastSignal != nil && st.LastSignal.Reason != market.ReasonError && st.ConsecutiveFailures == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.engine.Recover(), ErrInvalidTransition)
}

func TestDryRunNeverCallsExchangeOrders(t *testing.T) {
	h := newHarness(t, withBias(5), withConfig(func(c *Config) { c.DryRun = true }))
	h.prime()
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := h.engine.Status()
		return st.Paper != nil && st.Paper.TradesToday == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.True(t, st.DryRun)
	assert.Zero(t, st.TradesToday, "real stats are untouched by simulated trades")
	assert.InDelta(t, 0.001, st.Position.Quantity, 1e-12)

	_, orders := h.exchange.calls()
	assert.Zero(t, orders)

	trades, err := h.ledger.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].DryRun)
	assert.True(t, strings.HasPrefix(trades[0].OrderID, "paper-"))

	stats, err := h.ledger.TodayStats(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.TradesToday)
}

func TestManualOrdersMatchLedgerStats(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	h := newHarness(t, withLedger(l))
	require.NoError(t, h.engine.Start(ctx))

	steps := []struct {
		side  models.OrderSide
		price float64
	}{
		{models.OrderSideBuy, 90000},
		{models.OrderSideSell, 89000},
		{models.OrderSideBuy, 90000},
		{models.OrderSideSell, 88500},
	}
	for _, s := range steps {
		h.exchange.set(func(f *fakeExchange) { f.fillPrice = s.price })
		rec, err := h.engine.ManualOrder(ctx, s.side, 0.001)
		require.NoError(t, err)
		assert.Equal(t, models.TradeModeManual, rec.Mode)
	}

	st := h.engine.Status()
	assert.Equal(t, 4, st.TradesToday)
	assert.InDelta(t, -2.5, st.DailyPnL, 1e-9)
	assert.Equal(t, 2, st.ConsecutiveLosses)
	assert.True(t, st.Position.IsFlat())

	require.NoError(t, h.engine.Stop())

	stats, err := l.TodayStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, h.engine.stats.TradesToday, stats.TradesToday)
	assert.Equal(t, h.engine.stats.DailyRealizedPnL, stats.DailyRealizedPnL)
	assert.Equal(t, h.engine.stats.ConsecutiveLosses, stats.ConsecutiveLosses)
	assert.True(t, h.engine.stats.LastLossAt.Equal(stats.LastLossAt))

	// A restarted engine rebuilds the same view from the ledger.
	restarted := newHarness(t, withLedger(l))
	require.NoError(t, restarted.engine.Start(ctx))
	rst := restarted.engine.Status()
	assert.Equal(t, st.TradesToday, rst.TradesToday)
	assert.Equal(t, st.DailyPnL, rst.DailyPnL)
	assert.Equal(t, st.ConsecutiveLosses, rst.ConsecutiveLosses)
	assert.True(t, rst.Position.IsFlat())
}

func TestManualOrderRejectedByRisk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ManualOrder(ctx, models.OrderSideBuy, 0.001)
	assert.ErrorIs(t, err, ErrInvalidTransition, "engine not started")

	require.NoError(t, h.engine.Start(ctx))
	_, err = h.engine.ManualOrder(ctx, models.OrderSideSell, 0.001)
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Contains(t, err.Error(), risk.RuleNoPosition)

	_, err = h.engine.ManualOrder(ctx, "HODL", 0.001)
	assert.Error(t, err)
	_, err = h.engine.ManualOrder(ctx, models.OrderSideBuy, 0)
	assert.Error(t, err)

	_, orders := h.exchange.calls()
	assert.Zero(t, orders)
}

func TestManualOrderRejectedInErrorState(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.TickInterval = 5 * time.Millisecond
	}))
	h.exchange.set(func(f *fakeExchange) { f.snapErr = errors.New("exchange unavailable") })
	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.engine.State() == models.EngineError
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.engine.ManualOrder(context.Background(), models.OrderSideBuy, 0.001)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "ERROR")

	_, orders := h.exchange.calls()
	assert.Zero(t, orders)
}

func TestHandleManualRechecksState(t *testing.T) {
	h := newHarness(t)
	h.engine.mu.Lock()
	h.engine.state = models.EngineError
	h.engine.mu.Unlock()

	req := manualRequest{side: models.OrderSideBuy, size: 0.001, resp: make(chan manualResult, 1)}
	h.engine.handleManual(context.Background(), req)

	res := <-req.resp
	assert.ErrorIs(t, res.err, ErrInvalidTransition)
	assert.Nil(t, res.rec)
	snapshots, orders := h.exchange.calls()
	assert.Zero(t, snapshots, "no market data is fetched for a rejected request")
	assert.Zero(t, orders)
}

func TestManualOrderDoesNotBlockAfterLoopExit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.Stop())

	// Stop landing between the state check and the send looks like a
	// running state with a finished loop.
	h.engine.mu.Lock()
	h.engine.state = models.EngineRunning
	h.engine.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		_, err := h.engine.ManualOrder(context.Background(), models.OrderSideBuy, 0.001)
		result <- err
	}()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Contains(t, err.Error(), "engine stopped")
	case <-time.After(time.Second):
		t.Fatal("manual order blocked after the loop exited")
	}
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, e.Resume(), ErrInvalidTransition)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrInvalidTransition)

	require.NoError(t, e.Pause())
	assert.Equal(t, models.EnginePaused, e.State())
	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)

	// Manual orders are still accepted while paused.
	h.exchange.set(func(f *fakeExchange) { f.fillPrice = 90000 })
	_, err := e.ManualOrder(context.Background(), models.OrderSideBuy, 0.001)
	require.NoError(t, err)

	require.NoError(t, e.Resume())
	assert.Equal(t, models.EngineRunning, e.State())

	require.NoError(t, e.Stop())
	assert.Equal(t, models.EngineStopped, e.State())
	assert.ErrorIs(t, e.Stop(), ErrInvalidTransition)
	assert.ErrorIs(t, e.Resume(), ErrInvalidTransition)
	assert.ErrorIs(t, e.Start(context.Background()), ErrInvalidTransition)
	assert.Zero(t, e.Status().Uptime)
}

func TestPausedEngineDoesNotTrade(t *testing.T) {
	h := newHarness(t, withBias(5), withConfig(func(c *Config) {
		c.TickInterval = 5 * time.Millisecond
	}))
	h.prime()
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.Pause())

	// At most the first cycle may have run before the pause landed.
	time.Sleep(50 * time.Millisecond)
	snapshots, _ := h.exchange.calls()
	time.Sleep(50 * time.Millisecond)
	later, _ := h.exchange.calls()
	assert.Equal(t, snapshots, later)
}

func TestStaleSnapshotHolds(t *testing.T) {
	h := newHarness(t, withBias(5))
	h.prime()
	h.exchange.set(func(f *fakeExchange) { f.bid, f.ask, f.last = 0, 0, 0 })
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.engine.Status().LastSignal != nil
	}, 2*time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.Equal(t, models.ActionHold, st.LastSignal.Action)
	assert.Equal(t, market.ReasonNoPrice, st.LastSignal.Reason)
	assert.Zero(t, st.ConsecutiveFailures, "a stale book is not an exchange failure")
	_, orders := h.exchange.calls()
	assert.Zero(t, orders)
}

func TestDailyLossLimitForcesHold(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	start := clock.DailyBoundary{Location: time.UTC}.DayStart(time.Now())
	for i, loss := range []float64{-30, -30} {
		at := start.Add(time.Duration(i+1) * time.Second)
		require.NoError(t, l.RecordTrade(ctx, models.TradeRecord{
			ID: uuid.NewString(), Symbol: testSymbol, Side: models.OrderSideBuy,
			Size: 0.01, Price: 90000, Funds: 900, Mode: models.TradeModeAuto, ExecutedAt: at,
		}))
		require.NoError(t, l.RecordTrade(ctx, models.TradeRecord{
			ID: uuid.NewString(), Symbol: testSymbol, Side: models.OrderSideSell,
			Size: 0.01, Price: 87000, Funds: 870, PnL: &loss, Mode: models.TradeModeAuto, ExecutedAt: at,
		}))
	}

	h := newHarness(t, withLedger(l), withBias(5))
	h.prime()
	require.NoError(t, h.engine.Start(ctx))
	assert.InDelta(t, -60, h.engine.Status().DailyPnL, 1e-9)

	require.Eventually(t, func() bool {
		return h.engine.Status().LastDecision != nil
	}, 2*time.Second, 5*time.Millisecond)

	d := h.engine.Status().LastDecision
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, risk.RuleDailyLoss, d.Rule)
	_, orders := h.exchange.calls()
	assert.Zero(t, orders)
}

func TestLedgerFailureKeepsTradeAndAlerts(t *testing.T) {
	w := &failingWriter{}
	h := newHarness(t, withBias(5), withWriter(w))
	h.prime()
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.engine.Status().TradesToday == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		buys, _ := h.notifier.counts()
		return buys == 1
	}, time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.InDelta(t, 0.001, st.Position.Quantity, 1e-12)
	assert.Equal(t, 1, st.PendingWrites)
	assert.Equal(t, models.EngineRunning, st.State, "a queued record does not fail the cycle")

	alerts := h.notifier.alertsWith(notify.SeverityHigh)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].message, "not persisted")
}

func TestDailyResetReloadsStatsAndSendsSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine

	now := time.Now()
	yesterday := e.cfg.Boundary.DayStart(now).Add(-24 * time.Hour)
	e.stats = models.DailyStats{Day: yesterday, TradesToday: 5, DailyRealizedPnL: -10, ConsecutiveLosses: 2}
	e.nextReset = now.Add(-time.Second)

	e.maybeReset(ctx)

	assert.Zero(t, e.stats.TradesToday)
	assert.Zero(t, e.stats.DailyRealizedPnL)
	assert.Zero(t, e.stats.ConsecutiveLosses)
	assert.True(t, e.stats.Day.Equal(e.cfg.Boundary.DayStart(now)))
	assert.True(t, e.nextReset.After(now))

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.statuses, 1)
	assert.Contains(t, h.notifier.statuses[0], "Daily summary "+testSymbol+" "+yesterday.Format("2006-01-02"))
}

func TestCyclePanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.builder = nil

	h.engine.safeCycle(context.Background())

	st := h.engine.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "cycle panic")
}

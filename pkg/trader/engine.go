// Package trader runs the trading loop: snapshot, signal, risk, execution,
// ledger and notification, driven by a small state machine.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/autotrader/pkg/clock"
	"github.com/gregtusar/autotrader/pkg/ledger"
	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/metrics"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/notify"
	"github.com/gregtusar/autotrader/pkg/risk"
	"github.com/gregtusar/autotrader/pkg/signal"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidTransition = errors.New("invalid engine state transition")
	ErrOrderRejected     = errors.New("order rejected by risk rules")
)

// Exchange is the venue the engine trades on.
type Exchange interface {
	market.SnapshotSource
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error)
	GetBalance(ctx context.Context, currency string) (float64, error)
}

// Notifier must return immediately; delivery happens elsewhere.
type Notifier interface {
	NotifyBuy(rec models.TradeRecord)
	NotifySell(rec models.TradeRecord)
	NotifyError(severity notify.Severity, message string)
	NotifyStatus(message string)
}

type Ledger interface {
	RecordDecision(ctx context.Context, rec models.DecisionRecord) error
	TodayStats(ctx context.Context, now time.Time) (models.DailyStats, error)
	ReplayPosition(ctx context.Context, symbol string, dryRun bool) (models.Position, error)
	Summary(ctx context.Context, start time.Time, includeDryRun bool) (ledger.Summary, error)
}

// TradeWriter persists trade records in order, queueing what it cannot write.
type TradeWriter interface {
	Append(ctx context.Context, rec models.TradeRecord) error
	Pending() int
}

type Deps struct {
	Exchange Exchange
	Builder  *market.Builder
	Model    *signal.Model
	Ledger   Ledger
	Writer   TradeWriter
	Notifier Notifier
	Logger   *logrus.Logger
	Now      func() time.Time
}

type Config struct {
	Symbol                 string
	BaseAsset              string
	QuoteAsset             string
	TickInterval           time.Duration
	DryRun                 bool
	DryRunBalance          float64 // simulated quote balance
	MaxConsecutiveFailures int
	HistorySize            int
	Risk                   risk.Config
	Boundary               clock.DailyBoundary
	RetryAttempts          int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	OrderTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 120
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
	if c.DryRunBalance <= 0 {
		c.DryRunBalance = 10000
	}
	return c
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("symbol is required")
	}
	if c.QuoteAsset == "" || c.BaseAsset == "" {
		return errors.New("base and quote assets are required")
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("invalid risk config: %w", err)
	}
	return nil
}

type manualRequest struct {
	side models.OrderSide
	size float64
	resp chan manualResult
}

type manualResult struct {
	rec *models.TradeRecord
	err error
}

type Engine struct {
	cfg      Config
	exchange Exchange
	builder  *market.Builder
	model    *signal.Model
	ledger   Ledger
	writer   TradeWriter
	notifier Notifier
	logger   *logrus.Logger
	now      func() time.Time
	exec     executor

	// Guarded by mu. Control calls and the loop both go through it, so at
	// most one transition is in effect at a time.
	mu        sync.Mutex
	state     models.EngineState
	startedAt time.Time
	failures  int
	lastErr   string
	lastErrAt time.Time
	loopDone  chan struct{}
	wake      chan struct{}
	manual    chan manualRequest

	// Owned by the loop goroutine.
	history    *signal.History
	position   models.Position
	stats      models.DailyStats
	paperStats models.DailyStats
	nextReset  time.Time

	view atomic.Pointer[loopView]
}

func New(deps Deps, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Exchange == nil || deps.Builder == nil || deps.Model == nil || deps.Ledger == nil || deps.Writer == nil || deps.Notifier == nil {
		return nil, errors.New("engine dependencies are incomplete")
	}
	if err := deps.Model.Config().CheckCapacity(cfg.HistorySize); err != nil {
		return nil, fmt.Errorf("invalid history size: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := &Engine{
		cfg:      cfg,
		exchange: deps.Exchange,
		builder:  deps.Builder,
		model:    deps.Model,
		ledger:   deps.Ledger,
		writer:   deps.Writer,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      deps.Now,
		state:    models.EngineIdle,
		wake:     make(chan struct{}, 1),
		manual:   make(chan manualRequest),
		history:  signal.NewHistory(cfg.HistorySize),
		position: models.Position{Symbol: cfg.Symbol},
	}
	if cfg.DryRun {
		e.exec = newPaperExecutor(cfg.DryRunBalance, deps.Now)
	} else {
		e.exec = &liveExecutor{exchange: deps.Exchange, quote: cfg.QuoteAsset}
	}
	e.publish()
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Start moves IDLE to RUNNING after rebuilding today's stats and the open
// position from the ledger. ctx only bounds that load; the loop runs until
// Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.EngineIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.state)
	}

	now := e.now()
	stats, err := e.ledger.TodayStats(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load daily stats: %w", err)
	}
	pos, err := e.ledger.ReplayPosition(ctx, e.cfg.Symbol, e.cfg.DryRun)
	if err != nil {
		return fmt.Errorf("failed to replay position: %w", err)
	}
	e.stats = stats
	e.paperStats = models.DailyStats{Day: e.cfg.Boundary.DayStart(now)}
	e.position = pos
	e.nextReset = e.cfg.Boundary.NextReset(now)
	if paper, ok := e.exec.(*paperExecutor); ok {
		paper.setBase(pos.Quantity)
	}

	e.publish()

	e.state = models.EngineRunning
	e.startedAt = now
	e.loopDone = make(chan struct{})
	go e.run(e.loopDone)

	e.logger.WithFields(logrus.Fields{
		"symbol":       e.cfg.Symbol,
		"dry_run":      e.cfg.DryRun,
		"trades_today": stats.TradesToday,
		"daily_pnl":    stats.DailyRealizedPnL,
		"position":     pos.Quantity,
	}).Info("Starting trading engine")
	e.afterTransition()
	return nil
}

func (e *Engine) Pause() error {
	return e.transition(models.EngineRunning, models.EnginePaused)
}

func (e *Engine) Resume() error {
	return e.transition(models.EnginePaused, models.EngineRunning)
}

// Recover clears the failure counter and resumes trading after an ERROR.
func (e *Engine) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != models.EngineError {
		return fmt.Errorf("%w: recover from %s", ErrInvalidTransition, e.state)
	}
	e.failures = 0
	e.state = models.EngineRunning
	e.logger.WithField("last_error", e.lastErr).Warn("Engine recovered by operator")
	e.afterTransition()
	return nil
}

// Stop is terminal. It waits for the current cycle to finish; an order in
// flight is never interrupted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.state.CanTransition(models.EngineStopped) {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, state)
	}
	e.state = models.EngineStopped
	done := e.loopDone
	e.afterTransition()
	e.mu.Unlock()

	e.signalWake()
	if done != nil {
		<-done
	}
	e.logger.WithField("symbol", e.cfg.Symbol).Info("Trading engine stopped")
	e.notifier.NotifyStatus(fmt.Sprintf("Engine stopped for %s", e.cfg.Symbol))
	return nil
}

func (e *Engine) transition(from, to models.EngineState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from || !from.CanTransition(to) {
		return fmt.Errorf("%w: %s to %s from %s", ErrInvalidTransition, from, to, e.state)
	}
	e.state = to
	e.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("Engine state changed")
	e.afterTransition()
	return nil
}

// afterTransition must be called with mu held.
func (e *Engine) afterTransition() {
	metrics.SetEngineState(e.cfg.Symbol, e.state)
	e.signalWake()
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) State() models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ManualOrder executes an operator order between cycles, through the same
// risk rules and bookkeeping as automatic trades. Allowed while RUNNING or
// PAUSED.
func (e *Engine) ManualOrder(ctx context.Context, side models.OrderSide, size float64) (*models.TradeRecord, error) {
	if side != models.OrderSideBuy && side != models.OrderSideSell {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	if size <= 0 {
		return nil, errors.New("size must be positive")
	}
	e.mu.Lock()
	state, done := e.state, e.loopDone
	e.mu.Unlock()
	if !acceptsManual(state) {
		return nil, fmt.Errorf("%w: manual order while %s", ErrInvalidTransition, state)
	}

	req := manualRequest{side: side, size: size, resp: make(chan manualResult, 1)}
	select {
	case e.manual <- req:
	case <-done:
		return nil, fmt.Errorf("%w: engine stopped", ErrInvalidTransition)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.rec, res.err
	case <-done:
		// resp is buffered, so the loop may have answered just before exiting.
		select {
		case res := <-req.resp:
			return res.rec, res.err
		default:
			return nil, fmt.Errorf("%w: engine stopped", ErrInvalidTransition)
		}
	case <-ctx.Done():
		// The order still runs to completion in the loop.
		return nil, ctx.Err()
	}
}

func acceptsManual(state models.EngineState) bool {
	return state == models.EngineRunning || state == models.EnginePaused
}

package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/autotrader/pkg/coinbase"
	"github.com/gregtusar/autotrader/pkg/ledger"
	"github.com/gregtusar/autotrader/pkg/metrics"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/notify"
	"github.com/gregtusar/autotrader/pkg/risk"
	"github.com/gregtusar/autotrader/pkg/signal"
	"github.com/sirupsen/logrus"
)

const (
	outcomeHold   = "hold"
	outcomeTrade  = "trade"
	outcomeFailed = "failed"
	outcomeStale  = "stale"
)

// run is the engine's only decision goroutine. State is read at cycle
// boundaries, so a pause or stop requested mid-cycle takes effect as soon as
// the cycle completes.
func (e *Engine) run(done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	nextTick := e.now()

	for {
		state := e.State()
		if state == models.EngineStopped {
			return
		}
		e.maybeReset(ctx)

		now := e.now()
		if state == models.EngineRunning && !now.Before(nextTick) {
			e.safeCycle(ctx)
			nextTick = e.now().Add(e.cfg.TickInterval)
			continue
		}

		wait := e.cfg.TickInterval
		if state == models.EngineRunning {
			if d := nextTick.Sub(now); d < wait {
				wait = d
			}
		}
		if d := e.nextReset.Sub(now); d < wait {
			wait = d
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-e.wake:
		case req := <-e.manual:
			e.handleManual(ctx, req)
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (e *Engine) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.cycleFailed(fmt.Errorf("cycle panic: %v", r))
			e.publish()
		}
	}()
	e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) {
	start := time.Now()
	outcome := outcomeHold
	defer func() { metrics.RecordCycle(e.cfg.Symbol, outcome, time.Since(start)) }()
	defer e.publish()

	state, err := e.snapshot(ctx)
	if err != nil {
		outcome = outcomeFailed
		e.setLast(models.HoldSignal(state.StaleReason, state.Timestamp), nil)
		e.cycleFailed(fmt.Errorf("market snapshot: %w", err))
		return
	}
	if state.Stale {
		outcome = outcomeStale
		e.setLast(models.HoldSignal(state.StaleReason, state.Timestamp), nil)
		e.logger.WithFields(logrus.Fields{
			"symbol": e.cfg.Symbol,
			"reason": state.StaleReason,
		}).Warn("Stale market state, holding")
		e.cycleSucceeded()
		return
	}

	e.history.Push(state)
	e.exec.mark(state)
	e.position = e.position.Mark(state.Price)

	t0 := time.Now()
	sig := e.model.PredictHistory(e.history)
	metrics.RecordSignal(e.cfg.Symbol, sig.Action, time.Since(t0))
	if sig.Reason == signal.ReasonModelError {
		e.logger.WithField("symbol", e.cfg.Symbol).Warn("Signal model failed, holding")
	}

	decision, err := e.decide(ctx, sig, state, 0)
	if err != nil {
		outcome = outcomeFailed
		e.setLast(sig, nil)
		e.cycleFailed(err)
		return
	}
	e.setLast(sig, &decision)

	if !decision.Actionable() {
		e.audit(ctx, decision)
		e.cycleSucceeded()
		return
	}

	if _, err := e.execute(ctx, decision, models.TradeModeAuto); err != nil {
		outcome = outcomeFailed
		e.cycleFailed(err)
		return
	}
	outcome = outcomeTrade
	e.cycleSucceeded()
}

func (e *Engine) snapshot(ctx context.Context) (models.MarketState, error) {
	return retryCall(ctx, e, "market_snapshot", alwaysRetry, func(ctx context.Context) (models.MarketState, error) {
		return e.builder.Build(ctx, e.cfg.Symbol)
	})
}

// decide runs the risk rules for sig at the side of the book the order would
// take.
func (e *Engine) decide(ctx context.Context, sig models.Signal, state models.MarketState, requested float64) (risk.Decision, error) {
	price := state.Price
	switch sig.Action {
	case models.ActionBuy:
		price = firstPositive(state.Ask, state.Price)
	case models.ActionSell:
		price = firstPositive(state.Bid, state.Price)
	}

	var balance float64
	if sig.Action == models.ActionBuy {
		var err error
		balance, err = retryCall(ctx, e, "get_balance", alwaysRetry, e.exec.Balance)
		if err != nil {
			return risk.Decision{}, fmt.Errorf("get balance: %w", err)
		}
	}

	stats := e.stats
	if e.cfg.DryRun {
		stats = e.paperStats
	}
	return risk.Evaluate(risk.Input{
		Signal:        sig,
		Position:      e.position,
		Stats:         stats,
		Balance:       balance,
		Price:         price,
		Now:           e.now(),
		RequestedSize: requested,
	}, e.cfg.Risk), nil
}

// audit records holds forced by a risk rule or a model failure.
func (e *Engine) audit(ctx context.Context, d risk.Decision) {
	rule := d.Rule
	if rule == "" && d.Signal.Reason == signal.ReasonModelError {
		rule = signal.ReasonModelError
	}
	if rule == "" {
		return
	}
	if d.Rule != "" {
		metrics.RecordRiskHold(e.cfg.Symbol, d.Rule)
	}
	e.logger.WithFields(logrus.Fields{
		"symbol":     e.cfg.Symbol,
		"signal":     d.Signal.Action,
		"confidence": d.Signal.Confidence,
		"rule":       rule,
		"reason":     d.Reason,
	}).Info("Signal held")

	err := e.ledger.RecordDecision(ctx, models.DecisionRecord{
		Symbol:     e.cfg.Symbol,
		Action:     d.Signal.Action,
		Rule:       rule,
		Reason:     d.Reason,
		Confidence: d.Signal.Confidence,
		DryRun:     e.cfg.DryRun,
		DecidedAt:  e.now().UTC(),
	})
	if err != nil {
		e.logger.WithError(err).Warn("Failed to record decision")
	}
}

// execute places the order and, on a fill, updates position and stats,
// persists the trade and notifies, in that order. The order call is not
// cancelled by anything but its own timeout.
func (e *Engine) execute(ctx context.Context, d risk.Decision, mode models.TradeMode) (*models.TradeRecord, error) {
	side, ok := d.Action.Side()
	if !ok {
		return nil, fmt.Errorf("decision %s is not executable", d.Action)
	}
	req := models.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Size:          d.Size,
	}

	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	defer cancel()

	fill, err := retryCall(orderCtx, e, "place_order", coinbase.IsRetryable, func(ctx context.Context) (*models.Fill, error) {
		return e.exec.PlaceMarketOrder(ctx, req)
	})
	if err == nil && (fill == nil || fill.Size <= 0 || fill.Price <= 0) {
		err = errors.New("exchange returned an empty fill")
	}
	if err != nil {
		metrics.RecordOrder(e.cfg.Symbol, side, models.OrderStatusFailed, e.cfg.DryRun)
		e.logger.WithError(err).WithFields(logrus.Fields{
			"symbol":          e.cfg.Symbol,
			"side":            side,
			"size":            d.Size,
			"client_order_id": req.ClientOrderID,
		}).Error("Order failed")
		e.notifier.NotifyError(notify.SeverityWarning, fmt.Sprintf("%s %s %.8f failed: %v", side, e.cfg.Symbol, d.Size, err))
		return nil, fmt.Errorf("place %s order: %w", side, err)
	}
	metrics.RecordOrder(e.cfg.Symbol, side, models.OrderStatusFilled, e.cfg.DryRun)

	rec := e.applyFill(side, *fill, d, mode)
	e.persist(ctx, rec)
	if side == models.OrderSideBuy {
		e.notifier.NotifyBuy(rec)
	} else {
		e.notifier.NotifySell(rec)
	}
	return &rec, nil
}

func (e *Engine) applyFill(side models.OrderSide, fill models.Fill, d risk.Decision, mode models.TradeMode) models.TradeRecord {
	now := e.now().UTC()
	rec := models.TradeRecord{
		ID:         uuid.NewString(),
		OrderID:    fill.OrderID,
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Size:       fill.Size,
		Price:      fill.Price,
		Funds:      fill.Funds(),
		Mode:       mode,
		DryRun:     e.cfg.DryRun,
		Confidence: d.Signal.Confidence,
		Reason:     d.Reason,
		ExecutedAt: now,
	}

	stats := &e.stats
	if e.cfg.DryRun {
		stats = &e.paperStats
	}
	if side == models.OrderSideBuy {
		e.position = e.position.ApplyBuy(fill)
		*stats = stats.WithBuy()
	} else {
		var pnl, pct float64
		e.position, pnl, pct = e.position.ApplySell(fill)
		rec.PnL, rec.PnLPct = &pnl, &pct
		*stats = stats.WithSell(pnl, now)
	}

	metrics.SetPosition(e.cfg.Symbol, e.position.Quantity)
	metrics.SetDailyPnL(e.cfg.Symbol, e.stats.DailyRealizedPnL)
	e.logger.WithFields(logrus.Fields{
		"trade_id": rec.ID,
		"order_id": rec.OrderID,
		"side":     side,
		"size":     rec.Size,
		"price":    rec.Price,
		"mode":     mode,
		"dry_run":  rec.DryRun,
		"position": e.position.Quantity,
	}).Info("Trade executed")
	return rec
}

// persist hands the record to the writer. A record that could not be written
// stays queued in the writer and raises a high-severity alert.
func (e *Engine) persist(ctx context.Context, rec models.TradeRecord) {
	err := e.writer.Append(context.WithoutCancel(ctx), rec)
	metrics.SetLedgerPending(e.writer.Pending())
	if err == nil {
		return
	}

	severity := notify.SeverityHigh
	if !errors.Is(err, ledger.ErrQueued) {
		severity = notify.SeverityCritical
	}
	e.logger.WithError(err).WithFields(logrus.Fields{
		"trade_id": rec.ID,
		"pending":  e.writer.Pending(),
	}).Error("Trade record not persisted")
	e.notifier.NotifyError(severity, fmt.Sprintf("Trade %s (%s %.8f %s @ %.2f) not persisted: %v",
		rec.ID, rec.Side, rec.Size, rec.Symbol, rec.Price, err))
}

func (e *Engine) handleManual(ctx context.Context, req manualRequest) {
	// The state may have moved to ERROR or STOPPED since the request was sent.
	if state := e.State(); !acceptsManual(state) {
		req.resp <- manualResult{err: fmt.Errorf("%w: manual order while %s", ErrInvalidTransition, state)}
		return
	}
	rec, err := e.manualOrder(ctx, req)
	req.resp <- manualResult{rec: rec, err: err}
	e.publish()
}

func (e *Engine) manualOrder(ctx context.Context, req manualRequest) (*models.TradeRecord, error) {
	state, err := e.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("market snapshot: %w", err)
	}
	if state.Stale {
		return nil, fmt.Errorf("market data unavailable: %s", state.StaleReason)
	}
	e.exec.mark(state)
	e.position = e.position.Mark(state.Price)

	action := models.ActionBuy
	if req.side == models.OrderSideSell {
		action = models.ActionSell
	}
	sig := models.Signal{Action: action, Confidence: 1, Reason: "manual order", GeneratedAt: state.Timestamp}

	d, err := e.decide(ctx, sig, state, req.size)
	if err != nil {
		return nil, err
	}
	if !d.Actionable() {
		e.audit(ctx, d)
		return nil, fmt.Errorf("%w: %s: %s", ErrOrderRejected, d.Rule, d.Reason)
	}
	return e.execute(ctx, d, models.TradeModeManual)
}

func (e *Engine) cycleSucceeded() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

// cycleFailed counts a failed cycle and halts the engine in ERROR once the
// consecutive failure limit is reached.
func (e *Engine) cycleFailed(err error) {
	e.mu.Lock()
	e.failures++
	e.lastErr = err.Error()
	e.lastErrAt = e.now()
	failures := e.failures
	tripped := e.state == models.EngineRunning && failures >= e.cfg.MaxConsecutiveFailures
	if tripped {
		e.state = models.EngineError
		metrics.SetEngineState(e.cfg.Symbol, e.state)
	}
	e.mu.Unlock()

	e.logger.WithError(err).WithFields(logrus.Fields{
		"symbol":               e.cfg.Symbol,
		"consecutive_failures": failures,
	}).Error("Trading cycle failed")
	if tripped {
		e.logger.WithField("symbol", e.cfg.Symbol).Error("Too many consecutive failures, engine halted")
		e.notifier.NotifyError(notify.SeverityCritical,
			fmt.Sprintf("Engine for %s halted after %d consecutive failures: %v", e.cfg.Symbol, failures, err))
	}
}

// maybeReset rolls the daily counters over at the boundary. The new day's
// stats come from the ledger, so a restart at any point agrees with an
// engine that kept running.
func (e *Engine) maybeReset(ctx context.Context) {
	now := e.now()
	if e.nextReset.IsZero() || now.Before(e.nextReset) {
		return
	}

	prevStart := e.stats.Day
	if prevStart.IsZero() {
		prevStart = e.cfg.Boundary.DayStart(e.nextReset.Add(-time.Nanosecond))
	}
	e.notifier.NotifyStatus(e.dailySummary(ctx, prevStart))

	stats, err := e.ledger.TodayStats(ctx, now)
	if err != nil {
		e.logger.WithError(err).Error("Failed to reload daily stats, starting from zero")
		stats = models.DailyStats{Day: e.cfg.Boundary.DayStart(now)}
	}
	e.stats = stats
	e.paperStats = models.DailyStats{Day: e.cfg.Boundary.DayStart(now)}
	e.nextReset = e.cfg.Boundary.NextReset(now)

	metrics.SetDailyPnL(e.cfg.Symbol, e.stats.DailyRealizedPnL)
	e.logger.WithFields(logrus.Fields{
		"symbol":     e.cfg.Symbol,
		"next_reset": e.nextReset,
	}).Info("Daily stats reset")
	e.publish()
}

func (e *Engine) dailySummary(ctx context.Context, since time.Time) string {
	day := since.Format("2006-01-02")
	s, err := e.ledger.Summary(ctx, since, e.cfg.DryRun)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to build daily summary from ledger")
		stats := e.stats
		if e.cfg.DryRun {
			stats = e.paperStats
		}
		return fmt.Sprintf("Daily summary %s %s: %d trades, realized PnL %.2f",
			e.cfg.Symbol, day, stats.TradesToday, stats.DailyRealizedPnL)
	}
	prefix := "Daily summary"
	if e.cfg.DryRun {
		prefix = "Daily summary [DRY RUN]"
	}
	return fmt.Sprintf("%s %s %s: %d trades (%d buys, %d sells), volume %.2f, realized PnL %.2f, win rate %.1f%%",
		prefix, e.cfg.Symbol, day, s.Trades, s.Buys, s.Sells, s.Volume, s.RealizedPnL, s.WinRate)
}

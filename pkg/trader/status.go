package trader

import (
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/risk"
)

type DecisionView struct {
	Action models.Action `json:"action"`
	Size   float64       `json:"size"`
	Price  float64       `json:"price"`
	Rule   string        `json:"rule,omitempty"`
	Reason string        `json:"reason"`
}

// Status is a read-only snapshot of the engine. It shares no memory with the
// running loop.
type Status struct {
	State               models.EngineState `json:"state"`
	Symbol              string             `json:"symbol"`
	DryRun              bool               `json:"dry_run"`
	StartedAt           time.Time          `json:"started_at,omitempty"`
	Uptime              time.Duration      `json:"uptime_ns"`
	TradesToday         int                `json:"trades_today"`
	DailyPnL            float64            `json:"daily_pnl"`
	ConsecutiveLosses   int                `json:"consecutive_losses"`
	Paper               *models.DailyStats `json:"paper,omitempty"`
	Position            models.Position    `json:"position"`
	LastSignal          *models.Signal     `json:"last_signal,omitempty"`
	LastDecision        *DecisionView      `json:"last_decision,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
	LastErrorAt         time.Time          `json:"last_error_at,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	PendingWrites       int                `json:"pending_writes"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// loopView is the part of Status owned by the loop goroutine.
type loopView struct {
	stats        models.DailyStats
	paper        models.DailyStats
	position     models.Position
	lastSignal   *models.Signal
	lastDecision *DecisionView
	updatedAt    time.Time
}

func (e *Engine) setLast(sig models.Signal, d *risk.Decision) {
	v := e.view.Load()
	next := *v
	next.lastSignal = &sig
	next.lastDecision = nil
	if d != nil {
		next.lastDecision = &DecisionView{
			Action: d.Action,
			Size:   d.Size,
			Price:  d.Price,
			Rule:   d.Rule,
			Reason: d.Reason,
		}
	}
	e.view.Store(&next)
}

// publish snapshots the loop-owned state. Only the loop (or Start, before
// the loop exists) calls it.
func (e *Engine) publish() {
	next := loopView{}
	if v := e.view.Load(); v != nil {
		next = *v
	}
	next.stats = e.stats
	next.paper = e.paperStats
	next.position = e.position
	next.updatedAt = e.now()
	e.view.Store(&next)
}

func (e *Engine) Status() Status {
	v := e.view.Load()

	e.mu.Lock()
	st := Status{
		State:               e.state,
		Symbol:              e.cfg.Symbol,
		DryRun:              e.cfg.DryRun,
		StartedAt:           e.startedAt,
		LastError:           e.lastErr,
		LastErrorAt:         e.lastErrAt,
		ConsecutiveFailures: e.failures,
	}
	e.mu.Unlock()

	if !st.StartedAt.IsZero() && st.State != models.EngineStopped {
		st.Uptime = e.now().Sub(st.StartedAt)
	}
	st.TradesToday = v.stats.TradesToday
	st.DailyPnL = v.stats.DailyRealizedPnL
	st.ConsecutiveLosses = v.stats.ConsecutiveLosses
	st.Position = v.position
	st.LastSignal = v.lastSignal
	st.LastDecision = v.lastDecision
	st.UpdatedAt = v.updatedAt
	if e.cfg.DryRun {
		paper := v.paper
		st.Paper = &paper
	}
	st.PendingWrites = e.writer.Pending()
	return st
}

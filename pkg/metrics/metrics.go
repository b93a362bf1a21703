// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autotrader"

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Trading cycles run, by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one trading cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"symbol"},
	)

	modelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_latency_seconds",
			Help:      "Signal model prediction latency",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
		[]string{"symbol"},
	)

	signalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals produced by the model",
		},
		[]string{"symbol", "action"},
	)

	riskHoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_holds_total",
			Help:      "Signals converted to HOLD by a risk rule",
		},
		[]string{"symbol", "rule"},
	)

	ordersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders executed, by side and result",
		},
		[]string{"symbol", "side", "status", "dry_run"},
	)

	positionSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_size",
			Help:      "Open position in base currency",
		},
		[]string{"symbol"},
	)

	dailyPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_realized_pnl",
			Help:      "Realized PnL since the last daily boundary",
		},
		[]string{"symbol"},
	)

	engineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "Engine state (0 idle, 1 running, 2 paused, 3 stopped, 4 error)",
		},
		[]string{"symbol"},
	)

	ledgerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending_records",
			Help:      "Trade records waiting to be persisted",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications handled, by channel and result",
		},
		[]string{"channel", "result"},
	)
)

func RecordCycle(symbol, outcome string, d time.Duration) {
	cyclesTotal.WithLabelValues(symbol, outcome).Inc()
	cycleDuration.WithLabelValues(symbol).Observe(d.Seconds())
}

func RecordSignal(symbol string, action models.Action, latency time.Duration) {
	signalsTotal.WithLabelValues(symbol, string(action)).Inc()
	modelLatency.WithLabelValues(symbol).Observe(latency.Seconds())
}

func RecordRiskHold(symbol, rule string) {
	riskHoldsTotal.WithLabelValues(symbol, rule).Inc()
}

func RecordOrder(symbol string, side models.OrderSide, status models.OrderStatus, dryRun bool) {
	flag := "false"
	if dryRun {
		flag = "true"
	}
	ordersTotal.WithLabelValues(symbol, string(side), string(status), flag).Inc()
}

func SetPosition(symbol string, size float64) {
	positionSize.WithLabelValues(symbol).Set(size)
}

func SetDailyPnL(symbol string, pnl float64) {
	dailyPnL.WithLabelValues(symbol).Set(pnl)
}

func SetEngineState(symbol string, state models.EngineState) {
	engineState.WithLabelValues(symbol).Set(state.Gauge())
}

func SetLedgerPending(n int) {
	ledgerPending.Set(float64(n))
}

// RecordNotification counts a notification outcome: sent, failed or dropped.
func RecordNotification(channel, result string) {
	notificationsTotal.WithLabelValues(channel, result).Inc()
}

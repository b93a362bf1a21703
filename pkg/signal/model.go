// Package signal scores a rolling window of market states into a
// BUY/SELL/HOLD signal.
package signal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
)

const (
	ReasonInsufficientHistory = "insufficient_history"
	ReasonModelError          = "model_error"
)

type Config struct {
	MinHistory    int
	ShortWindow   int
	MediumWindow  int
	VolWindow     int
	BuyThreshold  float64 // probability at or above which the model says BUY
	SellThreshold float64 // probability at or below which the model says SELL
	PriceFloor    float64
	VolFloor      float64
}

func DefaultConfig() Config {
	return Config{
		MinHistory:    20,
		ShortWindow:   5,
		MediumWindow:  20,
		VolWindow:     20,
		BuyThreshold:  0.6,
		SellThreshold: 0.4,
		PriceFloor:    1e-9,
		VolFloor:      1e-6,
	}
}

func (c Config) Validate() error {
	switch {
	case c.ShortWindow < 1 || c.MediumWindow < c.ShortWindow:
		return fmt.Errorf("invalid momentum windows short=%d medium=%d", c.ShortWindow, c.MediumWindow)
	case c.MinHistory < 2:
		return fmt.Errorf("min history must be at least 2, got %d", c.MinHistory)
	case c.BuyThreshold <= 0.5 || c.BuyThreshold >= 1:
		return fmt.Errorf("buy threshold must be in (0.5, 1), got %v", c.BuyThreshold)
	case c.SellThreshold >= 0.5 || c.SellThreshold <= 0:
		return fmt.Errorf("sell threshold must be in (0, 0.5), got %v", c.SellThreshold)
	}
	return nil
}

// CheckCapacity reports whether a history of the given size can ever satisfy
// the model. A ring smaller than MinHistory holds forever.
func (c Config) CheckCapacity(size int) error {
	if size < c.MinHistory {
		return fmt.Errorf("history size %d is below min history %d", size, c.MinHistory)
	}
	if size <= c.MediumWindow {
		return fmt.Errorf("history size %d must exceed medium window %d", size, c.MediumWindow)
	}
	return nil
}

// Features are the engineered inputs of the scorer, each roughly in [-1, 1].
type Features struct {
	MomentumShort  float64
	MomentumMedium float64
	Imbalance      float64
	FlowBias       float64
	Volatility     float64
	RawVolatility  float64
}

func (f Features) finite() bool {
	for _, v := range []float64{f.MomentumShort, f.MomentumMedium, f.Imbalance, f.FlowBias, f.Volatility} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

var errMalformedState = errors.New("malformed market state")

// Model is a stateless logistic scorer. Identical inputs always give
// identical signals.
type Model struct {
	cfg     Config
	weights Weights
}

func NewModel(cfg Config, weights Weights) *Model {
	return &Model{cfg: cfg, weights: weights}
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) PredictHistory(h *History) models.Signal {
	return m.Predict(h.States())
}

// Predict scores states ordered oldest first. Failures never escape: they
// become a HOLD with reason model_error.
func (m *Model) Predict(states []models.MarketState) (sig models.Signal) {
	var at time.Time
	if n := len(states); n > 0 {
		at = states[n-1].Timestamp
	}

	defer func() {
		if r := recover(); r != nil {
			sig = models.HoldSignal(ReasonModelError, at)
		}
	}()

	if len(states) < m.cfg.MinHistory {
		return models.HoldSignal(ReasonInsufficientHistory, at)
	}

	f, err := m.Features(states)
	if err != nil || !f.finite() {
		return models.HoldSignal(ReasonModelError, at)
	}

	z := m.weights.Bias +
		m.weights.MomentumShort*f.MomentumShort +
		m.weights.MomentumMedium*f.MomentumMedium +
		m.weights.Imbalance*f.Imbalance +
		m.weights.FlowBias*f.FlowBias +
		m.weights.Volatility*f.Volatility
	p := sigmoid(z)
	if math.IsNaN(p) {
		return models.HoldSignal(ReasonModelError, at)
	}

	sig = models.Signal{
		Action:      models.ActionHold,
		Confidence:  clamp(math.Abs(p-0.5)*2, 0, 1),
		Score:       z,
		GeneratedAt: at,
	}
	switch {
	case p >= m.cfg.BuyThreshold:
		sig.Action = models.ActionBuy
	case p <= m.cfg.SellThreshold:
		sig.Action = models.ActionSell
	}
	sig.Reason = fmt.Sprintf("p=%.3f mom_s=%.3f mom_m=%.3f imb=%.3f flow=%.3f vol=%.5f",
		p, f.MomentumShort, f.MomentumMedium, f.Imbalance, f.FlowBias, f.RawVolatility)
	return sig
}

// Features computes the scorer inputs from states ordered oldest first.
func (m *Model) Features(states []models.MarketState) (Features, error) {
	n := len(states)
	if n < 2 {
		return Features{}, errMalformedState
	}
	for _, s := range states {
		if !s.Valid() {
			return Features{}, errMalformedState
		}
	}

	vol := m.volatility(states)
	latest := states[n-1]

	return Features{
		MomentumShort:  m.momentum(states, m.cfg.ShortWindow, vol),
		MomentumMedium: m.momentum(states, m.cfg.MediumWindow, vol),
		Imbalance:      clamp((latest.Imbalance-0.5)*2, -1, 1),
		FlowBias:       clamp((latest.FlowBias-0.5)*2, -1, 1),
		Volatility:     math.Tanh(vol * 100),
		RawVolatility:  vol,
	}, nil
}

// momentum is the return over window, expressed in volatility units and
// squashed into [-1, 1].
func (m *Model) momentum(states []models.MarketState, window int, vol float64) float64 {
	n := len(states)
	if window > n-1 {
		window = n - 1
	}
	anchor := math.Max(states[n-1-window].Price, m.cfg.PriceFloor)
	ret := (states[n-1].Price - anchor) / anchor
	scale := math.Max(vol*math.Sqrt(float64(window)), m.cfg.VolFloor)
	return math.Tanh(ret / scale)
}

// volatility is the standard deviation of log returns over the vol window.
func (m *Model) volatility(states []models.MarketState) float64 {
	n := len(states)
	window := m.cfg.VolWindow
	if window < 1 || window > n-1 {
		window = n - 1
	}
	returns := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		prev := math.Max(states[i-1].Price, m.cfg.PriceFloor)
		cur := math.Max(states[i].Price, m.cfg.PriceFloor)
		returns = append(returns, math.Log(cur/prev))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

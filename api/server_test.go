package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gregtusar/autotrader/pkg/ledger"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Start(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockEngine) Pause() error                    { return m.Called().Error(0) }
func (m *MockEngine) Resume() error                   { return m.Called().Error(0) }
func (m *MockEngine) Stop() error                     { return m.Called().Error(0) }
func (m *MockEngine) Recover() error                  { return m.Called().Error(0) }

func (m *MockEngine) Status() trader.Status {
	args := m.Called()
	return args.Get(0).(trader.Status)
}

func (m *MockEngine) ManualOrder(ctx context.Context, side models.OrderSide, size float64) (*models.TradeRecord, error) {
	args := m.Called(ctx, side, size)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TradeRecord), args.Error(1)
}

type MockTradeStore struct {
	mock.Mock
}

func (m *MockTradeStore) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.TradeRecord), args.Error(1)
}

func (m *MockTradeStore) TodayStats(ctx context.Context, now time.Time) (models.DailyStats, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(models.DailyStats), args.Error(1)
}

func (m *MockTradeStore) Summary(ctx context.Context, start time.Time, includeDryRun bool) (ledger.Summary, error) {
	args := m.Called(ctx, start, includeDryRun)
	return args.Get(0).(ledger.Summary), args.Error(1)
}

func newTestServer() (*Server, *MockEngine, *MockTradeStore) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := &MockEngine{}
	store := &MockTradeStore{}
	return NewServer(engine, store, logger, ":0"), engine, store
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, engine, _ := newTestServer()
	engine.On("Status").Return(trader.Status{State: models.EngineRunning}).Once()
	engine.On("Status").Return(trader.Status{State: models.EngineError}).Once()

	w := serve(s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = serve(s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	engine.AssertExpectations(t)
}

func TestStatus(t *testing.T) {
	s, engine, _ := newTestServer()
	engine.On("Status").Return(trader.Status{
		State:       models.EngineRunning,
		Symbol:      "BTC-USD",
		TradesToday: 2,
		DailyPnL:    -1.5,
		Position:    models.Position{Symbol: "BTC-USD", Quantity: 0.001},
	})

	w := serve(s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "RUNNING", got["state"])
	assert.Equal(t, 2.0, got["trades_today"])
	assert.Equal(t, -1.5, got["daily_pnl"])

	w = serve(s, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTrades(t *testing.T) {
	s, _, store := newTestServer()
	store.On("RecentTrades", mock.Anything, 10).Return([]models.TradeRecord{
		{ID: "t2", Side: models.OrderSideSell},
		{ID: "t1", Side: models.OrderSideBuy},
	}, nil)
	store.On("RecentTrades", mock.Anything, 0).Return([]models.TradeRecord(nil), nil)

	w := serve(s, http.MethodGet, "/api/trades?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trades []models.TradeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].ID)

	w = serve(s, http.MethodGet, "/api/trades", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = serve(s, http.MethodGet, "/api/trades?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertExpectations(t)
}

func TestTodayStats(t *testing.T) {
	s, _, store := newTestServer()
	day := time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC)
	store.On("TodayStats", mock.Anything, mock.AnythingOfType("time.Time")).
		Return(models.DailyStats{Day: day, TradesToday: 3, DailyRealizedPnL: -2}, nil)
	store.On("Summary", mock.Anything, day, false).
		Return(ledger.Summary{Since: day, Trades: 3, Sells: 2, Losses: 2}, nil)

	w := serve(s, http.MethodGet, "/api/stats/today", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Stats   models.DailyStats `json:"stats"`
		Summary ledger.Summary    `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Stats.TradesToday)
	assert.Equal(t, 2, got.Summary.Losses)
}

func TestTodayStatsStoreFailure(t *testing.T) {
	s, _, store := newTestServer()
	store.On("TodayStats", mock.Anything, mock.Anything).Return(models.DailyStats{}, fmt.Errorf("database is locked"))

	w := serve(s, http.MethodGet, "/api/stats/today", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestEngineActions(t *testing.T) {
	s, engine, _ := newTestServer()
	engine.On("Start", mock.Anything).Return(nil)
	engine.On("Pause").Return(nil)
	engine.On("Resume").Return(fmt.Errorf("%w: PAUSED to RUNNING from RUNNING", trader.ErrInvalidTransition))
	engine.On("Status").Return(trader.Status{State: models.EnginePaused})

	w := serve(s, http.MethodPost, "/api/engine/start", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(s, http.MethodPost, "/api/engine/pause", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"PAUSED"`)

	w = serve(s, http.MethodPost, "/api/engine/resume", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid engine state transition")

	w = serve(s, http.MethodPost, "/api/engine/explode", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(s, http.MethodGet, "/api/engine/stop", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	engine.AssertNotCalled(t, "Stop")
}

func TestManualOrder(t *testing.T) {
	s, engine, _ := newTestServer()
	pnl := -1.0
	engine.On("ManualOrder", mock.Anything, models.OrderSideSell, 0.001).
		Return(&models.TradeRecord{ID: "t1", Side: models.OrderSideSell, Size: 0.001, PnL: &pnl, Mode: models.TradeModeManual}, nil)
	engine.On("ManualOrder", mock.Anything, models.OrderSideBuy, 0.5).
		Return(nil, fmt.Errorf("%w: max_position: position at max", trader.ErrOrderRejected))

	w := serve(s, http.MethodPost, "/api/orders", `{"side":"sell","size":0.001}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var rec models.TradeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.TradeModeManual, rec.Mode)

	w = serve(s, http.MethodPost, "/api/orders", `{"side":"BUY","size":0.5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = serve(s, http.MethodPost, "/api/orders", `{"side":"HOLD","size":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(s, http.MethodPost, "/api/orders", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	engine.AssertExpectations(t)
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer()
	w := serve(s, http.MethodOptions, "/api/orders", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer()
	w := serve(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

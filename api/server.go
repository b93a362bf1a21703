package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/autotrader/pkg/ledger"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/trader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Engine is the control surface the server drives.
type Engine interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() error
	Recover() error
	Status() trader.Status
	ManualOrder(ctx context.Context, side models.OrderSide, size float64) (*models.TradeRecord, error)
}

// TradeStore is the read side of the ledger.
type TradeStore interface {
	RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
	TodayStats(ctx context.Context, now time.Time) (models.DailyStats, error)
	Summary(ctx context.Context, start time.Time, includeDryRun bool) (ledger.Summary, error)
}

type Server struct {
	engine Engine
	store  TradeStore
	logger *logrus.Logger
	http   *http.Server
}

func NewServer(engine Engine, store TradeStore, logger *logrus.Logger, addr string) *Server {
	s := &Server{
		engine: engine,
		store:  store,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/stats/today", s.handleTodayStats)
	mux.HandleFunc("/api/engine/", s.handleEngineAction)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(mux)
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr joins host and port for NewServer.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	code, health := http.StatusOK, "healthy"
	if status.State == models.EngineError {
		code, health = http.StatusServiceUnavailable, "unhealthy"
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    health,
		"state":     status.State,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.store.RecentTrades(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trades")
		http.Error(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleTodayStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.store.TodayStats(r.Context(), time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load daily stats")
		http.Error(w, "failed to load daily stats", http.StatusInternalServerError)
		return
	}
	summary, err := s.store.Summary(r.Context(), stats.Day, false)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load daily summary")
		http.Error(w, "failed to load daily summary", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   stats,
		"summary": summary,
	})
}

func (s *Server) handleEngineAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/engine/"), "/")
	var err error
	switch action {
	case "start":
		err = s.engine.Start(r.Context())
	case "pause":
		err = s.engine.Pause()
	case "resume":
		err = s.engine.Resume()
	case "stop":
		err = s.engine.Stop()
	case "recover":
		err = s.engine.Recover()
	default:
		http.Error(w, "unknown engine action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.WithField("action", action).Info("Engine control request applied")
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

type orderRequest struct {
	Side string  `json:"side"`
	Size float64 `json:"size"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	side, ok := models.ParseOrderSide(req.Side)
	if !ok || req.Size <= 0 {
		http.Error(w, "side must be BUY or SELL and size must be positive", http.StatusBadRequest)
		return
	}

	rec, err := s.engine.ManualOrder(r.Context(), side, req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, trader.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, trader.ErrOrderRejected):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Engine request failed")
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

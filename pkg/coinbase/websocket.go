package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWebSocketURL = "wss://advanced-trade-ws.coinbase.com"

	maxBufferedTrades = 1000
	maxReconnectDelay = 30 * time.Second
)

// TradeStream keeps a rolling buffer of public trades per product from the
// market_trades channel, reconnecting until its context ends.
type TradeStream struct {
	url     string
	symbols []string
	window  time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	mu        sync.RWMutex
	trades    map[string][]models.Trade
	connected bool

	writeMu sync.Mutex
	conn    *websocket.Conn
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

type streamMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type   string        `json:"type"`
		Trades []marketTrade `json:"trades"`
	} `json:"events"`
}

func NewTradeStream(url string, symbols []string, window time.Duration, logger *logrus.Logger) *TradeStream {
	if url == "" {
		url = DefaultWebSocketURL
	}
	return &TradeStream{
		url:     url,
		symbols: symbols,
		window:  window,
		logger:  logger,
		now:     time.Now,
		trades:  make(map[string][]models.Trade),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff.
func (s *TradeStream) Run(ctx context.Context) {
	delay := time.Second
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithField("retry_in", delay).Warn("Trade stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *TradeStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Recent returns the buffered trades for symbol inside the stream window,
// oldest first.
func (s *TradeStream) Recent(symbol string) []models.Trade {
	cutoff := s.now().Add(-s.window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.trades[symbol]
	out := make([]models.Trade, 0, len(buf))
	for _, t := range buf {
		if !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (s *TradeStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	for _, channel := range []string{"market_trades", "heartbeats"} {
		if err := s.writeJSON(subscribeMessage{Type: "subscribe", ProductIDs: s.symbols, Channel: channel}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}

	s.setConnected(true)
	defer s.setConnected(false)
	s.logger.WithField("symbols", s.symbols).Info("Trade stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(raw); err != nil {
			s.logger.WithError(err).Debug("Ignoring malformed stream message")
		}
	}
}

func (s *TradeStream) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *TradeStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Error("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

func (s *TradeStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *TradeStream) handleMessage(raw []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Channel != "market_trades" {
		return nil
	}

	cutoff := s.now().Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range msg.Events {
		for _, t := range ev.Trades {
			trade := t.model(t.ProductID)
			s.trades[trade.Symbol] = append(s.trades[trade.Symbol], trade)
		}
	}
	for symbol, buf := range s.trades {
		s.trades[symbol] = prune(buf, cutoff)
	}
	return nil
}

// prune keeps at most maxBufferedTrades trades newer than cutoff, in time order.
func prune(buf []models.Trade, cutoff time.Time) []models.Trade {
	sort.SliceStable(buf, func(a, b int) bool { return buf[a].Timestamp.Before(buf[b].Timestamp) })
	i := 0
	for i < len(buf) && buf[i].Timestamp.Before(cutoff) {
		i++
	}
	buf = buf[i:]
	if len(buf) > maxBufferedTrades {
		buf = buf[len(buf)-maxBufferedTrades:]
	}
	return buf
}

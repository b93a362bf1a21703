// Package coinbase is the Coinbase Advanced Trade REST and websocket client.
package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.coinbase.com"
	SandboxBaseURL = "https://api-sandbox.coinbase.com"

	brokeragePath = "/api/v3/brokerage"
)

type Config struct {
	BaseURL           string
	Credentials       Credentials
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	FillPollInterval  time.Duration
	FillTimeout       time.Duration
	BookDepth         int
	TradeLimit        int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = 250 * time.Millisecond
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 15 * time.Second
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 10
	}
	if c.TradeLimit <= 0 {
		c.TradeLimit = 100
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Client talks to the brokerage API. It satisfies the engine's exchange
// collaborator: snapshots, market orders and balances.
type Client struct {
	cfg        Config
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	stream     *TradeStream
}

func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	auth, err := NewAuthenticator(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		auth:       auth,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger,
	}, nil
}

// AttachTradeStream makes snapshots use trades from the live stream when it
// has any, instead of polling the ticker's trade list.
func (c *Client) AttachTradeStream(s *TradeStream) {
	c.stream = s
}

type priceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type productBookResponse struct {
	Pricebook struct {
		ProductID string       `json:"product_id"`
		Bids      []priceLevel `json:"bids"`
		Asks      []priceLevel `json:"asks"`
		Time      string       `json:"time"`
	} `json:"pricebook"`
}

type marketTrade struct {
	TradeID   string `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
	Side      string `json:"side"`
}

type tickerResponse struct {
	Trades  []marketTrade `json:"trades"`
	BestBid string        `json:"best_bid"`
	BestAsk string        `json:"best_ask"`
}

// GetMarketSnapshot fetches the book and the ticker. Either one may fail on
// its own: a missing book leaves OrderBook nil, a missing ticker leaves the
// prices to the book. Only when both fail is the snapshot an error.
func (c *Client) GetMarketSnapshot(ctx context.Context, symbol string) (*models.RawSnapshot, error) {
	var ob *models.OrderBook
	var book productBookResponse
	q := url.Values{"product_id": {symbol}, "limit": {strconv.Itoa(c.cfg.BookDepth)}}
	bookErr := c.doRequest(ctx, http.MethodGet, brokeragePath+"/product_book", q, nil, &book)
	if bookErr != nil {
		c.logger.WithError(bookErr).WithField("symbol", symbol).Warn("Order book unavailable, continuing without depth")
	} else {
		ob = &models.OrderBook{
			Symbol:    symbol,
			Bids:      levels(book.Pricebook.Bids),
			Asks:      levels(book.Pricebook.Asks),
			Timestamp: parseTime(book.Pricebook.Time),
		}
	}

	var ticker tickerResponse
	q = url.Values{"limit": {strconv.Itoa(c.cfg.TradeLimit)}}
	tickerErr := c.doRequest(ctx, http.MethodGet, brokeragePath+"/products/"+symbol+"/ticker", q, nil, &ticker)
	if tickerErr != nil {
		if bookErr != nil {
			return nil, fmt.Errorf("failed to get ticker: %w (order book: %v)", tickerErr, bookErr)
		}
		c.logger.WithError(tickerErr).WithField("symbol", symbol).Warn("Ticker unavailable, pricing from the order book")
	}

	trades := make([]models.Trade, 0, len(ticker.Trades))
	for _, t := range ticker.Trades {
		trades = append(trades, t.model(symbol))
	}
	if c.stream != nil {
		if live := c.stream.Recent(symbol); len(live) > 0 {
			trades = live
		}
	}

	tk := models.Ticker{
		Symbol:   symbol,
		BidPrice: num(ticker.BestBid),
		AskPrice: num(ticker.BestAsk),
	}
	if ob != nil {
		tk.Timestamp = ob.Timestamp
		if tk.BidPrice == 0 && len(ob.Bids) > 0 {
			tk.BidPrice = ob.Bids[0].Price
		}
		if tk.AskPrice == 0 && len(ob.Asks) > 0 {
			tk.AskPrice = ob.Asks[0].Price
		}
	}
	if latest := latestTrade(trades); latest != nil {
		tk.LastPrice = latest.Price
		if tk.Timestamp.IsZero() {
			tk.Timestamp = latest.Timestamp
		}
	}

	return &models.RawSnapshot{Ticker: tk, OrderBook: ob, Trades: trades}, nil
}

func (t marketTrade) model(symbol string) models.Trade {
	side, _ := models.ParseOrderSide(t.Side)
	if t.ProductID != "" {
		symbol = t.ProductID
	}
	return models.Trade{
		Symbol:    symbol,
		Price:     num(t.Price),
		Size:      num(t.Size),
		Side:      side,
		TradeID:   t.TradeID,
		Timestamp: parseTime(t.Time),
	}
}

func latestTrade(trades []models.Trade) *models.Trade {
	var latest *models.Trade
	for i := range trades {
		if latest == nil || trades[i].Timestamp.After(latest.Timestamp) {
			latest = &trades[i]
		}
	}
	return latest
}

type marketIOC struct {
	BaseSize string `json:"base_size"`
}

type createOrderRequest struct {
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	OrderConfiguration struct {
		MarketMarketIOC marketIOC `json:"market_market_ioc"`
	} `json:"order_configuration"`
}

type createOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	} `json:"error_response"`
}

type orderResponse struct {
	Order struct {
		OrderID            string `json:"order_id"`
		Status             string `json:"status"`
		FilledSize         string `json:"filled_size"`
		AverageFilledPrice string `json:"average_filled_price"`
		LastFillTime       string `json:"last_fill_time"`
	} `json:"order"`
}

// PlaceMarketOrder submits an immediate-or-cancel market order for a base
// size and waits for its fill. The client order id is reused as the
// exchange's idempotency key, so resubmitting the same request is safe.
func (c *Client) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Fill, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrOrderRejected)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	body := createOrderRequest{
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.Symbol,
		Side:          string(req.Side),
	}
	body.OrderConfiguration.MarketMarketIOC.BaseSize = decimal.NewFromFloat(req.Size).String()

	var resp createOrderResponse
	if err := c.doRequest(ctx, http.MethodPost, brokeragePath+"/orders", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s %s", ErrOrderRejected, resp.ErrorResponse.Error, resp.ErrorResponse.Message)
	}

	orderID := resp.SuccessResponse.OrderID
	c.logger.WithFields(logrus.Fields{
		"order_id":        orderID,
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"size":            req.Size,
	}).Info("Market order submitted")

	return c.waitForFill(ctx, orderID)
}

func (c *Client) waitForFill(ctx context.Context, orderID string) (*models.Fill, error) {
	deadline := time.Now().Add(c.cfg.FillTimeout)
	ticker := time.NewTicker(c.cfg.FillPollInterval)
	defer ticker.Stop()

	for {
		var resp orderResponse
		err := c.doRequest(ctx, http.MethodGet, brokeragePath+"/orders/historical/"+orderID, nil, nil, &resp)
		if err == nil {
			o := resp.Order
			filled := num(o.FilledSize)
			switch o.Status {
			case "FILLED":
				return fillFrom(orderID, o.AverageFilledPrice, filled, o.LastFillTime), nil
			case "CANCELLED", "EXPIRED", "FAILED":
				if filled > 0 {
					return fillFrom(orderID, o.AverageFilledPrice, filled, o.LastFillTime), nil
				}
				return nil, fmt.Errorf("%w: order %s %s", ErrOrderNotFilled, orderID, o.Status)
			}
		} else {
			c.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to poll order")
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: order %s still open after %s", ErrOrderNotFilled, orderID, c.cfg.FillTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func fillFrom(orderID, price string, size float64, at string) *models.Fill {
	filledAt := parseTime(at)
	if filledAt.IsZero() {
		filledAt = time.Now().UTC()
	}
	return &models.Fill{OrderID: orderID, Price: num(price), Size: size, FilledAt: filledAt}
}

type accountsResponse struct {
	Accounts []struct {
		Currency         string `json:"currency"`
		AvailableBalance struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"available_balance"`
	} `json:"accounts"`
	HasNext bool   `json:"has_next"`
	Cursor  string `json:"cursor"`
}

// GetBalance returns the available balance of currency.
func (c *Client) GetBalance(ctx context.Context, currency string) (float64, error) {
	cursor := ""
	for {
		q := url.Values{"limit": {"250"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp accountsResponse
		if err := c.doRequest(ctx, http.MethodGet, brokeragePath+"/accounts", q, nil, &resp); err != nil {
			return 0, fmt.Errorf("failed to list accounts: %w", err)
		}
		for _, acct := range resp.Accounts {
			if strings.EqualFold(acct.Currency, currency) {
				return num(acct.AvailableBalance.Value), nil
			}
		}
		if !resp.HasNext || resp.Cursor == "" {
			return 0, fmt.Errorf("%w: %s", ErrNoBalance, currency)
		}
		cursor = resp.Cursor
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return &submitError{fmt.Errorf("failed to marshal request: %w", err)}
		}
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return &submitError{err}
	}
	if err := c.auth.AddAuthHeaders(req, method, path, string(payload)); err != nil {
		return &submitError{err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Path: path, Body: truncate(string(body), 256)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func levels(in []priceLevel) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, len(in))
	for _, l := range in {
		out = append(out, models.OrderBookLevel{Price: num(l.Price), Size: num(l.Size)})
	}
	return out
}

// num parses a decimal string. Malformed values become 0, which the snapshot
// builder treats as missing.
func num(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

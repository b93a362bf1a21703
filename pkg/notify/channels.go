package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout     = 3 * time.Second
	defaultTelegramAPI = "https://api.telegram.org"
)

// Channel is one notification destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) (*TelegramChannel, error) {
	if botToken == "" || chatID == "" {
		return nil, errors.New("telegram bot token and chat id are required")
	}
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  defaultTelegramAPI,
		client:   &http.Client{Timeout: defaultTimeout},
	}, nil
}

// WithBaseURL points the channel at a different Bot API host.
func (c *TelegramChannel) WithBaseURL(u string) *TelegramChannel {
	c.baseURL = u
	return c
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"chat_id": c.chatID,
		"text":    msg.Format(),
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	return postJSON(ctx, c.client, url, payload)
}

type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"kind":      msg.Kind,
		"severity":  msg.Severity,
		"title":     msg.Title,
		"text":      msg.Text,
		"fields":    msg.Fields,
		"timestamp": msg.At.UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, c.client, c.url, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes notifications to the application log. It is always
// enabled so that alerts are visible even with no remote channel configured.
type LogChannel struct {
	logger *logrus.Logger
}

func NewLogChannel(logger *logrus.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	fields := logrus.Fields{
		"kind":     msg.Kind,
		"severity": msg.Severity,
	}
	for k, v := range msg.Fields {
		fields[k] = v
	}
	entry := c.logger.WithFields(fields)
	text := msg.Title
	if msg.Text != "" {
		text += ": " + msg.Text
	}
	switch msg.Severity {
	case SeverityHigh, SeverityCritical:
		entry.Error(text)
	case SeverityWarning:
		entry.Warn(text)
	default:
		entry.Info(text)
	}
	return nil
}

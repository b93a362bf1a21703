package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/autotrader/pkg/metrics"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize = 256
	sendAttempts     = 3
	sendBackoff      = 500 * time.Millisecond
)

// Dispatcher fans messages out to its channels from a single worker. Every
// Notify method returns immediately; when the queue is full the message is
// dropped and counted.
type Dispatcher struct {
	channels []Channel
	logger   *logrus.Logger
	queue    chan Message
	backoff  time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

func WithBackoff(b time.Duration) Option {
	return func(d *Dispatcher) { d.backoff = b }
}

func NewDispatcher(logger *logrus.Logger, channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		logger:   logger,
		queue:    make(chan Message, defaultQueueSize),
		backoff:  sendBackoff,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

func (d *Dispatcher) NotifyBuy(rec models.TradeRecord) {
	d.Enqueue(Message{
		Kind:     KindBuy,
		Severity: SeverityInfo,
		Title:    tradeTitle("Bought", rec),
		Fields:   tradeFields(rec),
		At:       rec.ExecutedAt,
	})
}

func (d *Dispatcher) NotifySell(rec models.TradeRecord) {
	fields := tradeFields(rec)
	if rec.PnL != nil {
		fields["pnl"] = strconv.FormatFloat(*rec.PnL, 'f', 2, 64)
	}
	if rec.PnLPct != nil {
		fields["pnl_pct"] = strconv.FormatFloat(*rec.PnLPct, 'f', 2, 64) + "%"
	}
	d.Enqueue(Message{
		Kind:     KindSell,
		Severity: SeverityInfo,
		Title:    tradeTitle("Sold", rec),
		Fields:   fields,
		At:       rec.ExecutedAt,
	})
}

func (d *Dispatcher) NotifyError(severity Severity, message string) {
	d.Enqueue(Message{
		Kind:     KindError,
		Severity: severity,
		Title:    "Trading error",
		Text:     message,
		At:       d.now(),
	})
}

func (d *Dispatcher) NotifyStatus(message string) {
	d.Enqueue(Message{
		Kind:     KindStatus,
		Severity: SeverityInfo,
		Title:    "Status",
		Text:     message,
		At:       d.now(),
	})
}

// Enqueue queues msg without blocking. It reports whether the message was
// accepted.
func (d *Dispatcher) Enqueue(msg Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		metrics.RecordNotification("queue", "dropped")
		d.logger.WithFields(logrus.Fields{
			"kind":  msg.Kind,
			"title": msg.Title,
		}).Warn("Notification queue full, dropping message")
		return false
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification queue not drained: %w", ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		for _, ch := range d.channels {
			d.deliver(ch, msg)
		}
	}
}

func (d *Dispatcher) deliver(ch Channel, msg Message) {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		err = ch.Send(ctx, msg)
		cancel()
		if err == nil {
			metrics.RecordNotification(ch.Name(), "sent")
			return
		}
		if attempt < sendAttempts {
			time.Sleep(d.backoff * time.Duration(attempt))
		}
	}
	metrics.RecordNotification(ch.Name(), "failed")
	d.logger.WithError(err).WithFields(logrus.Fields{
		"channel": ch.Name(),
		"kind":    msg.Kind,
	}).Warn("Failed to deliver notification")
}

func tradeTitle(verb string, rec models.TradeRecord) string {
	title := fmt.Sprintf("%s %s %s @ %s", verb,
		strconv.FormatFloat(rec.Size, 'f', -1, 64), rec.Symbol,
		strconv.FormatFloat(rec.Price, 'f', 2, 64))
	if rec.DryRun {
		title = "[DRY RUN] " + title
	}
	return title
}

func tradeFields(rec models.TradeRecord) map[string]string {
	fields := map[string]string{
		"trade_id": rec.ID,
		"funds":    strconv.FormatFloat(rec.Funds, 'f', 2, 64),
		"mode":     string(rec.Mode),
	}
	if rec.Reason != "" {
		fields["reason"] = rec.Reason
	}
	if rec.Confidence > 0 {
		fields["confidence"] = strconv.FormatFloat(rec.Confidence, 'f', 3, 64)
	}
	return fields
}

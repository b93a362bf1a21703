package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrQueued means the record could not be written yet and is waiting in the
// writer's backlog. It is not lost.
var ErrQueued = errors.New("trade record queued for retry")

// Appender is the store the writer persists to.
type Appender interface {
	RecordTrade(ctx context.Context, rec models.TradeRecord) error
}

// Writer persists trade records in order. A record whose first write fails
// joins a backlog that a background goroutine retries with backoff; later
// records queue behind it.
type Writer struct {
	store         Appender
	logger        *logrus.Logger
	attempts      int
	baseDelay     time.Duration
	maxDelay      time.Duration
	retryInterval time.Duration
	writeTimeout  time.Duration

	mu      sync.Mutex
	backlog []models.TradeRecord

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type WriterOption func(*Writer)

// WithRetry sets the attempts per backlog drain and the backoff bounds.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) WriterOption {
	return func(w *Writer) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if baseDelay > 0 {
			w.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			w.maxDelay = maxDelay
		}
	}
}

// WithRetryInterval sets how often the backlog is retried.
func WithRetryInterval(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.retryInterval = d
		}
	}
}

func NewWriter(store Appender, logger *logrus.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		store:         store,
		logger:        logger,
		attempts:      3,
		baseDelay:     200 * time.Millisecond,
		maxDelay:      5 * time.Second,
		retryInterval: 10 * time.Second,
		writeTimeout:  5 * time.Second,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Append makes a single write attempt so the caller is never held up by
// backoff. A failed record joins the backlog, and if the backlog is not
// empty the record is queued behind it to keep ordering. The returned error
// wraps ErrQueued whenever the record was queued instead of written.
func (w *Writer) Append(ctx context.Context, rec models.TradeRecord) error {
	w.mu.Lock()
	if len(w.backlog) > 0 {
		w.backlog = append(w.backlog, rec)
		pending := len(w.backlog)
		w.mu.Unlock()
		w.signal()
		return fmt.Errorf("%w: %d records pending", ErrQueued, pending)
	}
	w.mu.Unlock()

	err := w.write(ctx, rec, 1)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidRecord) {
		return err
	}

	w.mu.Lock()
	w.backlog = append(w.backlog, rec)
	w.mu.Unlock()
	w.signal()
	return fmt.Errorf("%w: %v", ErrQueued, err)
}

// Pending is the number of records waiting in the backlog.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

// Close stops the retry loop after a final drain attempt. Records still
// pending are reported in the error.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.drain(ctx)
	if n := w.Pending(); n > 0 {
		return fmt.Errorf("%d trade records were not persisted", n)
	}
	return nil
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		case <-ticker.C:
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-w.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		w.drain(ctx)
		cancel()
	}
}

// drain writes backlog records front to back, stopping at the first failure.
func (w *Writer) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.backlog) == 0 {
			w.mu.Unlock()
			return
		}
		rec := w.backlog[0]
		w.mu.Unlock()

		err := w.write(ctx, rec, w.attempts)
		if err != nil && !errors.Is(err, ErrInvalidRecord) {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"trade_id": rec.ID,
				"pending":  w.Pending(),
			}).Error("Trade record still not persisted")
			return
		}
		if err != nil {
			w.logger.WithError(err).WithField("trade_id", rec.ID).Error("Dropping invalid trade record from backlog")
		} else {
			w.logger.WithField("trade_id", rec.ID).Info("Backlogged trade record persisted")
		}

		w.mu.Lock()
		w.backlog = w.backlog[1:]
		w.mu.Unlock()
	}
}

// write tries the store up to attempts times with backoff in between. A
// duplicate means an earlier attempt landed and counts as success.
func (w *Writer) write(ctx context.Context, rec models.TradeRecord, attempts int) error {
	delay := w.baseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
		err = w.store.RecordTrade(wctx, rec)
		cancel()
		if err == nil || errors.Is(err, ErrDuplicateTrade) {
			return nil
		}
		if errors.Is(err, ErrInvalidRecord) {
			return err
		}
		w.logger.WithError(err).WithFields(logrus.Fields{
			"trade_id": rec.ID,
			"attempt":  attempt,
		}).Warn("Trade record write failed")
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > w.maxDelay {
			delay = w.maxDelay
		}
	}
	return err
}

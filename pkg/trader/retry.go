package trader

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

func alwaysRetry(error) bool { return true }

// retryCall runs fn up to RetryAttempts times with exponential backoff while
// retryable reports the error as transient. The last result is returned with
// the last error.
func retryCall[T any](ctx context.Context, e *Engine, op string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	delay := e.cfg.RetryBaseDelay
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		v, err = fn(ctx)
		if err == nil || !retryable(err) || attempt == e.cfg.RetryAttempts {
			return v, err
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"retry":   delay,
		}).Warn("Exchange call failed, retrying")

		select {
		case <-ctx.Done():
			return v, err
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.cfg.RetryMaxDelay {
			delay = e.cfg.RetryMaxDelay
		}
	}
	return v, err
}

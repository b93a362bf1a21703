package coinbase

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrOrderRejected  = errors.New("order rejected")
	ErrOrderNotFilled = errors.New("order not filled")
	ErrNoBalance      = errors.New("no balance for asset")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coinbase %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// submitError marks a failure that happened before the exchange could have
// accepted an order.
type submitError struct {
	err error
}

func (e *submitError) Error() string { return e.err.Error() }
func (e *submitError) Unwrap() error { return e.err }

// IsRetryable reports whether err is transient. For order placement it is
// true only when the order was certainly not accepted, so a retry can never
// double a fill.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	var sub *submitError
	if errors.As(err, &sub) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

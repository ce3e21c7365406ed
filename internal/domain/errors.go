package domain

import (
	"errors"
	"fmt"
)

// The error taxonomy. Adapters classify failures once, at the HTTP-status
// call site, so nothing downstream ever inspects error strings.

// TransientError covers network failures, timeouts, 5xx responses, and rate
// limiting. Always worth retrying up to the configured limit.
type TransientError struct {
	Exchange string
	Status   int // HTTP status, 0 for network-level failures
	Attempts int // attempts made before surfacing; >1 means retries exhausted
	Err      error
}

func (e *TransientError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: transient failure after %d attempts: %v", e.Exchange, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Exchange, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError covers 4xx responses: bad parameters, insufficient balance,
// auth failures. Never retried automatically; recorded on the owning entity
// for operator visibility.
type RejectedError struct {
	Exchange string
	Status   int
	Code     string // exchange-specific error code, empty if none
	Message  string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: rejected (HTTP %d, code %s): %s", e.Exchange, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: rejected (HTTP %d): %s", e.Exchange, e.Status, e.Message)
}

// OrderGoneError reports that an order the caller tried to cancel or query no
// longer exists on the exchange: already filled or previously cancelled.
// During cancellation this is success, not failure.
type OrderGoneError struct {
	Exchange        string
	ExchangeOrderID string
}

func (e *OrderGoneError) Error() string {
	return fmt.Sprintf("%s: order %s no longer exists on exchange", e.Exchange, e.ExchangeOrderID)
}

// IsTransient reports whether err is retriable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRejected reports whether err is a non-retriable exchange rejection.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// IsOrderGone reports whether err means the order already left the exchange.
func IsOrderGone(err error) bool {
	var g *OrderGoneError
	return errors.As(err, &g)
}

// CancelSucceeded reports whether a cancel call achieved its goal: either the
// exchange confirmed it, or the order was already gone.
func CancelSucceeded(err error) bool {
	return err == nil || IsOrderGone(err)
}

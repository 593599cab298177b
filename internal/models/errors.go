package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidSignature rejects a webhook whose HMAC does not match. Logged as
// a security event by the gateway.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrMalformedPayload rejects a webhook body that fails parsing or field
// validation. Distinguished from internal failures so the HTTP layer can tell
// the external system the delivery itself is bad.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// ReservationExpiredError means an order's holds lapsed before the pipeline
// could consume them: the sweeper released the stock and the order cannot
// proceed. Not retryable; a retry would find the same empty set.
type ReservationExpiredError struct {
	OrderID int64
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("reservations for order %d expired before fulfillment", e.OrderID)
}

// InsufficientInventoryError means the requested quantity exceeds what the
// channel may sell. Never retried; surfaces immediately to the caller.
type InsufficientInventoryError struct {
	VariantID  int64
	LocationID int64
	Requested  int
	Available  int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for variant %d at location %d: requested %d, available %d",
		e.VariantID, e.LocationID, e.Requested, e.Available)
}

// NegativeStockError means an adjustment would drive on-hand below zero (or
// below the reserved count). Fatal for that adjustment.
type NegativeStockError struct {
	VariantID  int64
	LocationID int64
	OnHand     int
	Delta      int
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("adjustment would drive stock negative for variant %d at location %d: on_hand %d, delta %d",
		e.VariantID, e.LocationID, e.OnHand, e.Delta)
}

// CircuitOpenError fails a call fast while the external system is presumed
// unhealthy. No network attempt was made.
type CircuitOpenError struct {
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open since %s, retry after %s", e.OpenedAt.Format(time.RFC3339), e.RetryAfter)
}

// ExternalSyncError wraps a failed call to the external POS system. Permanent
// errors (4xx validation) are never retried; transient ones (timeouts, 5xx)
// follow the orchestrator's retry policy.
type ExternalSyncError struct {
	Operation  string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ExternalSyncError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("external sync %s failed (%s, status %d): %v", e.Operation, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("external sync %s failed (%s, status %d)", e.Operation, kind, e.StatusCode)
}

func (e *ExternalSyncError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the orchestrator should retry the failed stage.
// Circuit-open and transient sync errors are retryable; everything else
// escalates immediately.
func IsRetryable(err error) bool {
	var syncErr *ExternalSyncError
	if errors.As(err, &syncErr) {
		return !syncErr.Permanent
	}
	var openErr *CircuitOpenError
	return errors.As(err, &openErr)
}

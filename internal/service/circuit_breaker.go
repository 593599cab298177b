package service

import (
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"
)

// Breaker states
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards calls to the external POS system. Closed passes calls
// through and counts consecutive failures within the monitoring window; once
// the threshold is hit it opens and fails fast without network I/O. After the
// recovery timeout a single trial call is allowed (half-open): success closes
// the circuit, failure reopens it. State is shared by all callers and updated
// atomically.
type CircuitBreaker struct {
	mu sync.Mutex

	state         BreakerState
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool

	failureThreshold int
	recoveryTimeout  time.Duration
	window           time.Duration

	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout, window time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		window:           window,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns
// CircuitOpenError until the recovery timeout elapses, then admits exactly one
// trial call in half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.recoveryTimeout {
			return &models.CircuitOpenError{
				OpenedAt:   cb.openedAt,
				RetryAfter: cb.recoveryTimeout - elapsed,
			}
		}
		cb.setState(BreakerHalfOpen)
		cb.trialInFlight = true
		return nil

	default: // half-open
		if cb.trialInFlight {
			return &models.CircuitOpenError{
				OpenedAt:   cb.openedAt,
				RetryAfter: cb.recoveryTimeout,
			}
		}
		cb.trialInFlight = true
		return nil
	}
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.trialInFlight = false
	if cb.state != BreakerClosed {
		cb.setState(BreakerClosed)
	}
}

// RecordFailure reports a failed call outcome. Only transient failures count;
// permanent 4xx validation errors must not be reported here.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.state == BreakerHalfOpen {
		// Failed trial call reopens the circuit.
		cb.trialInFlight = false
		cb.openedAt = now
		cb.setState(BreakerOpen)
		return
	}
	if cb.state == BreakerOpen {
		return
	}

	if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.window {
		cb.windowStart = now
		cb.failures = 0
	}

	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.openedAt = now
		cb.setState(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	cb.state = s
	util.CircuitBreakerState.Set(float64(s))
}

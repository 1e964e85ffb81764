package servalsheets

import (
	"sync/atomic"
	"time"
)

// CircuitState is the breaker's state.
type CircuitState int64

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String renders the state for logs and metrics labels.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the upstream endpoint. State transitions follow
// the classic machine: closed→open after FailureThreshold consecutive
// failures, open→half_open after OpenTimeout, half_open→closed after
// SuccessThreshold consecutive successes, half_open→open on any failure.
// All state lives in atomics; the breaker is safe for concurrent use and
// lock-free on the Allow path.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	successes   int64
	lastFailure int64
}

// NewCircuitBreaker creates a breaker, applying defaults for zero config
// values: 5 failures to open, 2 successes to close, 30s open timeout.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
	}
}

// Allow reports whether a call may proceed. In the open state it starts
// returning true again only after OpenTimeout, and the first caller to win
// the CAS becomes the half-open probe.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if time.Now().UnixNano()-lastFailure >= int64(cb.config.OpenTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				cb.notify(StateOpen, StateHalfOpen)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordFailure counts a failure toward opening the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateClosed), int64(StateOpen)) {
				cb.notify(StateClosed, StateOpen)
			}
		}
	case StateOpen:
		// Already open, lastFailure was refreshed above.
	case StateHalfOpen:
		atomic.AddInt64(&cb.failures, 1)
		if atomic.CompareAndSwapInt64(&cb.state, int64(StateHalfOpen), int64(StateOpen)) {
			atomic.StoreInt64(&cb.successes, 0)
			cb.notify(StateHalfOpen, StateOpen)
		}
	}
}

// RecordSuccess counts a success toward closing the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateOpen:
		// Stray success from a call admitted before the trip; ignore.
	case StateHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateHalfOpen), int64(StateClosed)) {
				atomic.StoreInt64(&cb.failures, 0)
				atomic.StoreInt64(&cb.successes, 0)
				cb.notify(StateHalfOpen, StateClosed)
			}
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// RetryAfter returns how long until the next probe is allowed. Zero when
// the breaker is not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	if cb.State() != StateOpen {
		return 0
	}
	lastFailure := atomic.LoadInt64(&cb.lastFailure)
	remaining := cb.config.OpenTimeout - time.Duration(time.Now().UnixNano()-lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.config.OnTransition != nil {
		cb.config.OnTransition(from, to)
	}
}

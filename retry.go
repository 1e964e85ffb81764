package servalsheets

import (
	"time"

	"github.com/khill1269/servalsheets-sub007/internal/backoff"
)

// RetryPolicy decides whether a failed upstream call should be attempted
// again and after what delay.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay algorithm for DefaultRetryPolicy.
type BackoffStrategy int

const (
	ExponentialJitter BackoffStrategy = iota
	DecorrelatedJitter
)

// DefaultRetryPolicy retries transient failures with bounded backoff.
// Non-retryable failures (validation, permission, not-found) never retry;
// server-provided retry hints take precedence over the computed delay when
// they are longer.
type DefaultRetryPolicy struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	jitter         float64
	strategy       backoff.Strategy
}

// NewDefaultRetryPolicy creates the stock policy.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a policy with an explicit
// backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	p := &DefaultRetryPolicy{
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		multiplier:     multiplier,
		jitter:         jitter,
	}
	switch strategy {
	case DecorrelatedJitter:
		p.strategy = backoff.DecorrelatedJitter{}
	default:
		p.strategy = backoff.ExponentialJitter{}
	}
	return p
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.maxRetries {
		return 0, false
	}
	if !IsTransient(err) {
		return 0, false
	}
	delay := p.strategy.Delay(attempt, p.initialBackoff, p.maxBackoff, p.multiplier, p.jitter)
	if hint := RetryHint(err); hint > delay {
		// Respect the server's pacing; cap it so a hostile hint cannot
		// park the caller forever.
		delay = hint
		if delay > time.Hour {
			delay = time.Hour
		}
	}
	return delay, true
}

// MaxRetries returns the attempt bound, for error reporting.
func (p *DefaultRetryPolicy) MaxRetries() int { return p.maxRetries }

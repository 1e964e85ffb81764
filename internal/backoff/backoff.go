// Package backoff computes retry delays. It offers exponential backoff
// with uniform jitter and AWS-style decorrelated jitter; both bound every
// result by the configured maximum so total retry time stays predictable.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before a given retry attempt.
type Strategy interface {
	Delay(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter grows delays geometrically and adds up to
// jitter*delay of uniform random slack.
type ExponentialJitter struct{}

// Delay implements Strategy.
func (ExponentialJitter) Delay(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(float64(initial) * pow(multiplier, attempt))
	if delay < 0 || delay > max {
		delay = max
	}
	jitter = clamp01(jitter)
	if jitter > 0 {
		slack := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+slack > max {
			delay = max
		} else {
			delay += slack
		}
	}
	return delay
}

// DecorrelatedJitter spreads delays over [initial, initial*3^attempt],
// which smooths retry storms better than pure exponential jitter.
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitter struct{}

// Delay implements Strategy. The multiplier and jitter parameters are
// unused; the AWS formula fixes both.
func (DecorrelatedJitter) Delay(attempt int, initial, max time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}
	base := float64(initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}
	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > max {
		delay = max
	}
	return delay
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

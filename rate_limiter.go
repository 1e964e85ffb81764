package servalsheets

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenBucket is a blocking token bucket. Tokens are real-valued; refill is
// a pure function of elapsed time, so the bucket never needs a background
// goroutine. One bucket guards one quota class.
type TokenBucket struct {
	mu              sync.Mutex
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity:        capacity,
		tokens:          capacity,
		refillPerSecond: refillPerSecond,
		lastRefill:      time.Now(),
	}
}

// refillLocked credits tokens for the time elapsed since the last refill.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Allow deducts cost tokens if available right now, without waiting.
func (b *TokenBucket) Allow(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// Acquire deducts cost tokens, suspending until enough capacity accrues.
// It returns the time spent waiting. If ctx fires first the caller's
// tokens are never deducted and the error wraps ctx.Err, so the caller can
// tell "never attempted" from an upstream failure. Waiting is best-effort
// FIFO: a woken waiter re-checks under the lock and may lose its slot to a
// concurrent caller.
func (b *TokenBucket) Acquire(ctx context.Context, cost float64) (time.Duration, error) {
	if cost > b.capacity {
		return 0, fmt.Errorf("cost %.2f exceeds bucket capacity %.2f", cost, b.capacity)
	}
	start := time.Now()
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return time.Since(start), nil
		}
		need := cost - b.tokens
		if b.refillPerSecond <= 0 {
			// A non-refilling bucket will never cover the shortfall.
			b.mu.Unlock()
			return time.Since(start), fmt.Errorf("bucket cannot refill %.2f tokens at rate %.2f", need, b.refillPerSecond)
		}
		wait := time.Duration(need / b.refillPerSecond * float64(time.Second))
		b.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
			// Not enough runway to ever acquire; fail fast instead of
			// sleeping into the deadline.
			return time.Since(start), context.DeadlineExceeded
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), ctx.Err()
		}
	}
}

// Tokens returns the current token count after a refill, for observability.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *TokenBucket) Capacity() float64 { return b.capacity }

// RateLimiterRegistry holds one independent bucket per quota class, so
// exhausting one class never blocks another.
type RateLimiterRegistry struct {
	mu      sync.RWMutex
	buckets map[OperationClass]*TokenBucket
}

// NewRateLimiterRegistry creates an empty registry.
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{buckets: make(map[OperationClass]*TokenBucket)}
}

// Register adds or replaces the bucket for class.
func (r *RateLimiterRegistry) Register(class OperationClass, cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[class] = NewTokenBucket(cfg.Capacity, cfg.RefillPerSecond)
}

// Bucket returns the bucket for class, or nil when the class is unlimited.
func (r *RateLimiterRegistry) Bucket(class OperationClass) *TokenBucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[class]
}

// Acquire admits one operation of the given class and cost, waiting for
// capacity if needed. Classes without a registered bucket are admitted
// immediately.
func (r *RateLimiterRegistry) Acquire(ctx context.Context, class OperationClass, cost float64) (time.Duration, error) {
	bucket := r.Bucket(class)
	if bucket == nil {
		return 0, nil
	}
	return bucket.Acquire(ctx, cost)
}

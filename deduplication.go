package servalsheets

import (
	"context"
	"sync"
	"time"
)

// InFlightCall is one upstream call shared between a leader and any number
// of attached waiters. Every waiter receives the identical result or the
// identical error.
type InFlightCall struct {
	mu        sync.Mutex
	result    *Result
	err       error
	done      chan struct{}
	waiters   int
	createdAt time.Time
}

// InFlightTracker collapses concurrent identical operations into one
// upstream call. A call's record exists only while the call is in flight:
// it is removed the moment the call settles, success or failure, so a
// later identical operation always gets a fresh attempt (no negative
// caching).
type InFlightTracker struct {
	mu      sync.Mutex
	entries map[string]*InFlightCall
}

// NewInFlightTracker returns an empty tracker.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{entries: make(map[string]*InFlightCall)}
}

// GetOrCreate returns the in-flight call for key. The second return is
// true when the caller created the record and must lead the upstream call;
// false when it attached to an existing one as a waiter.
func (t *InFlightTracker) GetOrCreate(key string) (*InFlightCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if call, exists := t.entries[key]; exists {
		call.mu.Lock()
		call.waiters++
		call.mu.Unlock()
		return call, false
	}
	call := &InFlightCall{
		done:      make(chan struct{}),
		waiters:   1,
		createdAt: time.Now(),
	}
	t.entries[key] = call
	return call, true
}

// Complete settles the call for key and releases every waiter. The record
// is removed before waiters wake, so the at-most-one-call-per-key
// invariant holds without a grace window.
func (t *InFlightTracker) Complete(key string, result *Result, err error) {
	t.mu.Lock()
	call, exists := t.entries[key]
	if exists {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !exists {
		return
	}
	call.mu.Lock()
	call.result = result
	call.err = err
	call.mu.Unlock()
	close(call.done)
}

// Wait blocks until the leader settles the call or ctx fires. Cancellation
// releases only this waiter; the shared call keeps running for the others.
func (call *InFlightCall) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-call.done:
		call.mu.Lock()
		result := call.result
		err := call.err
		call.mu.Unlock()
		return result, err
	case <-ctx.Done():
		call.mu.Lock()
		call.waiters--
		call.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Waiters returns how many callers are currently attached.
func (call *InFlightCall) Waiters() int {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.waiters
}

// Len returns the number of keys currently in flight.
func (t *InFlightTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

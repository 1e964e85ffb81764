package servalsheets

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BatchDispatch performs one merged upstream call for a flushed queue. The
// returned slice must align with ops; a per-item failure is reported in
// Result.Err.
type BatchDispatch func(ops []*Operation) ([]*Result, error)

type batchOutcome struct {
	result *Result
	err    error
}

// Per-item settle states. Delivery and abandonment race; a CAS decides
// which side owns the outcome.
const (
	itemWaiting int32 = iota
	itemAbandoned
	itemDelivered
)

type batchItem struct {
	op    *Operation
	ch    chan batchOutcome
	state atomic.Int32
	// orphan receives the outcome when the submitter's context fired
	// before the flush. Nil means an abandoned outcome is dropped.
	orphan func(*Result, error)
}

type pendingBatch struct {
	key   string
	items []*batchItem
	timer *time.Timer
}

// Batcher coalesces compatible operations (same merge key) behind a timer
// of the current window. The window retunes itself multiplicatively at
// every flush: sparse batches grow it toward Max, crowded batches shrink
// it toward Min, so under steady load the population converges between the
// two thresholds. Worst-case added latency per operation is the current
// window.
type Batcher struct {
	mu       sync.Mutex
	cfg      BatchWindowConfig
	window   time.Duration
	pending  map[string]*pendingBatch
	dispatch BatchDispatch
	onFlush  func(size int, window time.Duration)
}

// NewBatcher creates a batcher. Zero config fields take the defaults from
// DefaultBatchWindowConfig.
func NewBatcher(cfg BatchWindowConfig, dispatch BatchDispatch) *Batcher {
	def := DefaultBatchWindowConfig()
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = def.LowThreshold
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = def.HighThreshold
	}
	if cfg.IncreaseRate <= 1 {
		cfg.IncreaseRate = def.IncreaseRate
	}
	if cfg.DecreaseRate <= 0 || cfg.DecreaseRate >= 1 {
		cfg.DecreaseRate = def.DecreaseRate
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	return &Batcher{
		cfg:      cfg,
		window:   cfg.Initial,
		pending:  make(map[string]*pendingBatch),
		dispatch: dispatch,
	}
}

// Submit queues op behind its merge class's window and blocks until the
// flush delivers this operation's slice of the merged result, or ctx
// fires. A canceled caller abandons only its own slot; the batch still
// flushes for the others.
func (b *Batcher) Submit(ctx context.Context, op *Operation) (*Result, error) {
	result, _, err := b.submit(ctx, op, nil)
	return result, err
}

// submit queues op like Submit, but with an outcome handoff: when ctx
// fires before the flush and orphan is non-nil, the item stays in its
// batch and orphan receives the real outcome once the flush delivers it.
// The returned bool reports that handoff.
func (b *Batcher) submit(ctx context.Context, op *Operation, orphan func(*Result, error)) (*Result, bool, error) {
	item := &batchItem{op: op, ch: make(chan batchOutcome, 1), orphan: orphan}
	key := op.mergeKey()

	b.mu.Lock()
	batch, exists := b.pending[key]
	if !exists {
		batch = &pendingBatch{key: key}
		batch.timer = time.AfterFunc(b.window, func() { b.flush(batch) })
		b.pending[key] = batch
	}
	batch.items = append(batch.items, item)
	full := len(batch.items) >= b.cfg.MaxBatch
	b.mu.Unlock()

	if full {
		b.flush(batch)
	}

	select {
	case out := <-item.ch:
		return out.result, false, out.err
	case <-ctx.Done():
		if item.orphan != nil && item.state.CompareAndSwap(itemWaiting, itemAbandoned) {
			return nil, true, ctx.Err()
		}
		// Delivery won the race; the outcome is in (or about to land
		// in) the buffered channel.
		if item.state.Load() == itemDelivered {
			out := <-item.ch
			return out.result, false, out.err
		}
		return nil, false, ctx.Err()
	}
}

// Flush dispatches every pending queue immediately, bypassing the timers.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batches := make([]*pendingBatch, 0, len(b.pending))
	for _, batch := range b.pending {
		batches = append(batches, batch)
	}
	b.mu.Unlock()
	for _, batch := range batches {
		b.flush(batch)
	}
}

// Window returns the current window size.
func (b *Batcher) Window() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window
}

// flush detaches batch from the pending set, retunes the window, then
// dispatches. It is a no-op if another goroutine (timer, MaxBatch
// overflow, explicit Flush) already claimed the batch.
func (b *Batcher) flush(batch *pendingBatch) {
	b.mu.Lock()
	current, ok := b.pending[batch.key]
	if !ok || current != batch {
		b.mu.Unlock()
		return
	}
	delete(b.pending, batch.key)
	batch.timer.Stop()

	n := len(batch.items)
	switch {
	case n < b.cfg.LowThreshold:
		b.window = time.Duration(float64(b.window) * b.cfg.IncreaseRate)
		if b.window > b.cfg.Max {
			b.window = b.cfg.Max
		}
	case n > b.cfg.HighThreshold:
		b.window = time.Duration(float64(b.window) * b.cfg.DecreaseRate)
		if b.window < b.cfg.Min {
			b.window = b.cfg.Min
		}
	}
	window := b.window
	onFlush := b.onFlush
	b.mu.Unlock()

	if onFlush != nil {
		onFlush(n, window)
	}
	b.deliver(batch)
}

// deliver runs the merged call and fans results out, one slice per caller.
func (b *Batcher) deliver(batch *pendingBatch) {
	ops := make([]*Operation, len(batch.items))
	for i, item := range batch.items {
		ops[i] = item.op
	}
	results, err := b.dispatch(ops)
	if err != nil {
		for _, item := range batch.items {
			settleItem(item, nil, err)
		}
		return
	}
	if len(results) != len(ops) {
		err := &OrchestratorError{
			Type:      ErrorTypeBatch,
			Stage:     "batch",
			Message:   fmt.Sprintf("upstream returned %d results for %d operations", len(results), len(ops)),
			Timestamp: time.Now(),
		}
		for _, item := range batch.items {
			settleItem(item, nil, err)
		}
		return
	}
	for i, item := range batch.items {
		if results[i] != nil && results[i].Err != nil {
			settleItem(item, nil, results[i].Err)
			continue
		}
		settleItem(item, results[i], nil)
	}
}

// settleItem hands the outcome to the waiting submitter, or to the item's
// orphan callback when the submitter already gave up.
func settleItem(item *batchItem, result *Result, err error) {
	if item.state.CompareAndSwap(itemWaiting, itemDelivered) {
		item.ch <- batchOutcome{result: result, err: err}
		return
	}
	if item.orphan != nil {
		item.orphan(result, err)
	}
}

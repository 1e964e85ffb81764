package servalsheets

import (
	"context"
	"errors"
	"time"
)

// Orchestrator sits between per-operation callers and the upstream API
// client. Every operation flows cache → dedup → admission → batch →
// breaker-wrapped upstream call → cache populate → fan-out, and each stage
// degrades independently: a missing cache tier, limiter or batcher simply
// drops out of the pipeline. Safe for concurrent use by any number of
// callers.
type Orchestrator struct {
	invoker Invoker

	l1        Cache
	l2        RemoteCache
	l1TTL     time.Duration
	l2TTL     time.Duration
	cache     *TieredCache
	cacheCond CacheCondition

	dedup     *InFlightTracker
	dedupCond DedupCondition

	limiter  *RateLimiterRegistry
	rateCfgs map[OperationClass]RateLimitConfig
	costFunc CostFunc

	batchCfg   BatchWindowConfig
	batchCond  BatchCondition
	batcher    *Batcher
	noBatching bool

	breakerCfg CircuitBreakerConfig
	breaker    *CircuitBreaker

	retryPolicy     RetryPolicy
	maxRetries      int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	multiplier      float64
	jitter          float64
	backoffStrategy BackoffStrategy

	upstreamTimeout time.Duration

	metrics  *MetricsCollector
	observer Observer
	logger   Logger
	debug    *DebugConfig

	validationError error
}

// New constructs an Orchestrator around the upstream invoker. Defaults: L1
// caching of reads with a 5 minute TTL, deduplication of reads, batching
// with a 50ms initial window, a closed breaker, three retries with
// exponential jitter, and no admission limits until classes are
// registered. A best effort validation is performed; call IsValid /
// ValidationError for errors.
func New(invoker Invoker, options ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:         invoker,
		l1:              NewInMemoryCache(10000),
		l1TTL:           5 * time.Minute,
		l2TTL:           30 * time.Minute,
		cacheCond:       DefaultCacheCondition,
		dedup:           NewInFlightTracker(),
		dedupCond:       DefaultDedupCondition,
		costFunc:        DefaultCostFunc,
		batchCfg:        DefaultBatchWindowConfig(),
		batchCond:       DefaultBatchCondition,
		maxRetries:      3,
		initialBackoff:  100 * time.Millisecond,
		maxBackoff:      10 * time.Second,
		multiplier:      2.0,
		jitter:          0.1,
		upstreamTimeout: 30 * time.Second,
		debug:           DefaultDebugConfig(),
	}

	for _, option := range options {
		option(o)
	}

	o.assemble()

	if err := o.ValidateConfiguration(); err != nil {
		o.validationError = err
	}
	return o
}

// assemble wires the stages together once the options have settled.
func (o *Orchestrator) assemble() {
	userTransition := o.breakerCfg.OnTransition
	o.breakerCfg.OnTransition = func(from, to CircuitState) {
		if o.metrics != nil {
			o.metrics.RecordBreakerState(to)
			o.metrics.RecordBreakerTransition(from, to)
		}
		if o.observer != nil {
			o.observer.BreakerTransition(from, to)
		}
		if o.debugEnabled(o.debug != nil && o.debug.LogCircuit) {
			o.logger.Warn("Circuit breaker transition", "from", from.String(), "to", to.String())
		}
		if userTransition != nil {
			userTransition(from, to)
		}
	}
	o.breaker = NewCircuitBreaker(o.breakerCfg)

	if o.retryPolicy == nil {
		o.retryPolicy = NewDefaultRetryPolicyWithStrategy(
			o.maxRetries, o.initialBackoff, o.maxBackoff, o.multiplier, o.jitter, o.backoffStrategy)
	}

	if len(o.rateCfgs) > 0 {
		o.limiter = NewRateLimiterRegistry()
		for class, cfg := range o.rateCfgs {
			o.limiter.Register(class, cfg)
		}
	}

	if o.l1 != nil || o.l2 != nil {
		if o.l1 == nil {
			o.l1 = NewInMemoryCache(10000)
		}
		o.cache = NewTieredCache(o.l1, o.l2, o.l1TTL, o.l2TTL, o.logger)
	}

	if !o.noBatching {
		o.batcher = NewBatcher(o.batchCfg, o.dispatchBatch)
		o.batcher.onFlush = func(size int, window time.Duration) {
			if o.metrics != nil {
				o.metrics.RecordBatchFlush(size, window)
			}
			if o.observer != nil {
				o.observer.BatchFlush(size, window)
			}
			if o.debugEnabled(o.debug != nil && o.debug.LogBatch) {
				o.logger.Debug("Batch flush", "size", size, "window", window)
			}
		}
	}
}

// Do executes one normalized operation through the full pipeline.
func (o *Orchestrator) Do(ctx context.Context, op *Operation) (*Result, error) {
	start := time.Now()

	var requestID string
	if o.debug != nil && o.debug.Enabled && o.debug.RequestIDGen != nil {
		requestID = o.debug.RequestIDGen()
	}
	if o.debugEnabled(o.debug != nil && o.debug.LogRequests) {
		o.logger.Debug("Starting operation", "requestID", requestID, "kind", op.Kind, "sheet", op.Sheet, "range", op.Range.String())
	}
	if o.metrics != nil {
		o.metrics.RecordRequestStart(op.Class)
		defer o.metrics.RecordRequestEnd(op.Class)
	}

	key := op.Fingerprint()
	cacheable := o.shouldCache(ctx, op)

	if cacheable {
		if entry, ok := o.cache.Get(ctx, key); ok {
			if o.metrics != nil {
				o.metrics.RecordCacheHit(entry.Tier)
				o.metrics.RecordRequest(op.Kind, op.Class, "cache_hit", time.Since(start))
			}
			if o.observer != nil {
				o.observer.CacheHit(key, entry.Tier)
			}
			if o.debugEnabled(o.debug != nil && o.debug.LogCache) {
				o.logger.Debug("Cache hit", "requestID", requestID, "key", key, "tier", string(entry.Tier))
			}
			return &Result{Payload: entry.Value, VersionToken: entry.VersionToken}, nil
		}
		if o.metrics != nil {
			o.metrics.RecordCacheMiss()
		}
		if o.observer != nil {
			o.observer.CacheMiss(key)
		}
		if o.debugEnabled(o.debug != nil && o.debug.LogCache) {
			o.logger.Debug("Cache miss", "requestID", requestID, "key", key)
		}
	}

	dedupEnabled := o.dedup != nil && o.dedupCond(op)
	if dedupEnabled {
		call, owner := o.dedup.GetOrCreate(key)
		if !owner {
			if o.metrics != nil {
				o.metrics.RecordDedupAttach()
			}
			if o.observer != nil {
				o.observer.DedupAttach(key)
			}
			if o.debugEnabled(o.debug != nil && o.debug.LogDedup) {
				o.logger.Debug("Attached to in-flight call", "requestID", requestID, "key", key, "waiters", call.Waiters())
			}
			result, err := call.Wait(ctx)
			if err != nil && errors.Is(err, ctx.Err()) && ctx.Err() != nil {
				err = o.stageError(ErrorTypeTimeout, "dedup", "deadline exceeded waiting on in-flight call", err, op, requestID, start)
			}
			o.recordOutcome(op, err, start)
			return result, err
		}
	}

	// If this leader's deadline fires while its operation sits in a batch
	// window, the in-flight record must not settle with the leader's
	// timeout: the flush still happens, and attached waiters are owed its
	// real outcome. The orphan callback collects it for them.
	var orphan func(*Result, error)
	if dedupEnabled {
		orphan = func(res *Result, err error) {
			if err == nil {
				bg := context.Background()
				if cacheable {
					o.populate(bg, key, op, res)
				}
				if op.Class == ClassWrite {
					o.invalidateOverlapping(bg, op, requestID)
				}
			}
			o.dedup.Complete(key, res, err)
		}
	}

	result, handed, err := o.execute(ctx, op, requestID, start, orphan)

	if err == nil {
		if cacheable {
			o.populate(ctx, key, op, result)
			if o.debugEnabled(o.debug != nil && o.debug.LogCache) {
				o.logger.Debug("Result cached", "requestID", requestID, "key", key)
			}
		}
		if op.Class == ClassWrite {
			o.invalidateOverlapping(ctx, op, requestID)
		}
	}

	if dedupEnabled && !handed {
		o.dedup.Complete(key, result, err)
	}

	o.recordOutcome(op, err, start)
	return result, err
}

// Flush dispatches every pending batch immediately. Useful before
// shutdown or when a caller cannot afford the window latency.
func (o *Orchestrator) Flush() {
	if o.batcher != nil {
		o.batcher.Flush()
	}
}

// Close flushes pending batches and releases the L2 connection.
func (o *Orchestrator) Close() error {
	o.Flush()
	if o.cache != nil {
		return o.cache.Close()
	}
	return nil
}

// execute runs admission and batching for an operation the caller leads.
// orphan, when non-nil, receives the outcome of a batch flush the caller
// did not live to see; the returned bool reports that handoff.
func (o *Orchestrator) execute(ctx context.Context, op *Operation, requestID string, start time.Time, orphan func(*Result, error)) (*Result, bool, error) {
	if o.limiter != nil {
		cost := o.costFunc(op)
		waited, err := o.limiter.Acquire(ctx, op.Class, cost)
		if err != nil {
			errType := ErrorTypeRateLimit
			message := "admission denied"
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				errType = ErrorTypeTimeout
				message = "deadline exceeded waiting for admission"
			}
			if o.metrics != nil {
				o.metrics.RecordError(errType, "limiter")
			}
			return nil, false, o.stageError(errType, "limiter", message, err, op, requestID, start)
		}
		if o.metrics != nil {
			o.metrics.RecordRateLimitWait(op.Class, waited)
			if bucket := o.limiter.Bucket(op.Class); bucket != nil {
				o.metrics.RecordLimiterTokens(op.Class, bucket.Tokens())
			}
		}
		if o.observer != nil {
			o.observer.RateLimitWait(op.Class, waited)
		}
		if waited > 0 && o.debugEnabled(o.debug != nil && o.debug.LogRateLimit) {
			o.logger.Debug("Admission wait", "requestID", requestID, "class", string(op.Class), "waited", waited)
		}
	}

	if o.batcher != nil && o.batchCond(op) {
		result, handed, err := o.batcher.submit(ctx, op, orphan)
		if err != nil && errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			err = o.stageError(ErrorTypeTimeout, "batch", "deadline exceeded waiting for batch flush", err, op, requestID, start)
		}
		return result, handed, err
	}

	results, err := o.callUpstream(ctx, []*Operation{op}, requestID)
	if err != nil {
		return nil, false, err
	}
	if results[0].Err != nil {
		return nil, false, results[0].Err
	}
	return results[0], false, nil
}

// dispatchBatch is the batcher's flush target. Flushes run on timer
// goroutines detached from any caller, so the merged call gets its own
// deadline.
func (o *Orchestrator) dispatchBatch(ops []*Operation) ([]*Result, error) {
	ctx := context.Background()
	if o.upstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.upstreamTimeout)
		defer cancel()
	}
	return o.callUpstream(ctx, ops, "")
}

// callUpstream performs the breaker-guarded, retried upstream call.
func (o *Orchestrator) callUpstream(ctx context.Context, ops []*Operation, requestID string) ([]*Result, error) {
	start := time.Now()
	attempt := 0
	for {
		if !o.breaker.Allow() {
			if o.metrics != nil {
				o.metrics.RecordError(ErrorTypeCircuitOpen, "breaker")
			}
			if o.debugEnabled(o.debug != nil && o.debug.LogCircuit) {
				o.logger.Warn("Circuit open, failing fast", "requestID", requestID, "retryAfter", o.breaker.RetryAfter())
			}
			return nil, &OrchestratorError{
				Type:       ErrorTypeCircuitOpen,
				Stage:      "breaker",
				Message:    "circuit breaker is open",
				RequestID:  requestID,
				Kind:       ops[0].Kind,
				Sheet:      ops[0].Sheet,
				Attempt:    attempt,
				MaxRetries: o.maxRetries,
				Timestamp:  time.Now(),
				Duration:   time.Since(start),
				RetryAfter: o.breaker.RetryAfter(),
			}
		}

		results, err := o.invoke(ctx, ops)
		if err == nil {
			o.breaker.RecordSuccess()
			if o.metrics != nil {
				o.metrics.RecordBreakerState(o.breaker.State())
			}
			return results, nil
		}

		errType := classifyUpstream(err)
		transient := IsTransient(err)
		if transient || o.breakerCfg.CountNonRetryable {
			o.breaker.RecordFailure()
		}
		if o.metrics != nil {
			o.metrics.RecordError(errType, "upstream")
			o.metrics.RecordBreakerState(o.breaker.State())
		}

		delay, retry := o.retryPolicy.ShouldRetry(err, attempt)
		if !retry {
			return nil, o.wrapUpstream(err, errType, ops[0], requestID, attempt, start)
		}

		attempt++
		if o.metrics != nil {
			o.metrics.RecordRetry(attempt)
		}
		if o.observer != nil {
			o.observer.RetryAttempt(attempt, delay)
		}
		if o.debugEnabled(o.debug != nil && o.debug.LogRetries) {
			o.logger.Info("Scheduling retry", "requestID", requestID, "attempt", attempt, "backoff", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, o.wrapUpstream(err, errType, ops[0], requestID, attempt, start)
		}
	}
}

func (o *Orchestrator) invoke(ctx context.Context, ops []*Operation) ([]*Result, error) {
	if len(ops) == 1 {
		result, err := o.invoker.Invoke(ctx, ops[0])
		if err != nil {
			return nil, err
		}
		return []*Result{result}, nil
	}
	return o.invoker.InvokeBatch(ctx, ops)
}

// populate stores a successful read result in both cache tiers.
func (o *Orchestrator) populate(ctx context.Context, key string, op *Operation, result *Result) {
	ttl := time.Duration(0)
	if cc, ok := ctx.Value(cacheControlKey).(*CacheControl); ok && cc.TTL > 0 {
		ttl = cc.TTL
	}
	o.cache.Put(ctx, key, &CacheEntry{
		Key:          key,
		Kind:         op.Kind,
		Sheet:        op.Sheet,
		Range:        op.Range,
		Value:        result.Payload,
		VersionToken: result.VersionToken,
	}, ttl)
	if o.metrics != nil {
		o.metrics.RecordCacheSize(o.cache.Len())
	}
}

// invalidateOverlapping removes every cached entry whose range overlaps a
// successful write. A concurrent read of an affected key observes either
// the pre-write entry or the miss, never a partial state.
func (o *Orchestrator) invalidateOverlapping(ctx context.Context, op *Operation, requestID string) {
	if o.cache == nil {
		return
	}
	removed := o.cache.Invalidate(ctx, op.Sheet, func(e *CacheEntry) bool {
		return e.Sheet == op.Sheet && e.Range.Overlaps(op.Range)
	})
	if o.metrics != nil {
		o.metrics.RecordCacheSize(o.cache.Len())
	}
	if removed > 0 && o.debugEnabled(o.debug != nil && o.debug.LogCache) {
		o.logger.Debug("Invalidated overlapping entries", "requestID", requestID, "sheet", op.Sheet, "range", op.Range.String(), "removed", removed)
	}
}

func (o *Orchestrator) shouldCache(ctx context.Context, op *Operation) bool {
	if o.cache == nil {
		return false
	}
	if cc, ok := ctx.Value(cacheControlKey).(*CacheControl); ok {
		return cc.Enabled
	}
	return o.cacheCond(op)
}

func (o *Orchestrator) recordOutcome(op *Operation, err error, start time.Time) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.metrics.RecordRequest(op.Kind, op.Class, outcome, time.Since(start))
}

func (o *Orchestrator) stageError(errType, stage, message string, cause error, op *Operation, requestID string, start time.Time) error {
	return &OrchestratorError{
		Type:      errType,
		Stage:     stage,
		Message:   message,
		Cause:     cause,
		RequestID: requestID,
		Kind:      op.Kind,
		Sheet:     op.Sheet,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

func (o *Orchestrator) wrapUpstream(err error, errType string, op *Operation, requestID string, attempt int, start time.Time) error {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return err
	}
	return &OrchestratorError{
		Type:       errType,
		Stage:      "upstream",
		Message:    "upstream call failed",
		Cause:      err,
		RequestID:  requestID,
		Kind:       op.Kind,
		Sheet:      op.Sheet,
		Attempt:    attempt,
		MaxRetries: o.maxRetries,
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
		RetryAfter: RetryHint(err),
	}
}

func (o *Orchestrator) debugEnabled(flag bool) bool {
	return o.debug != nil && o.debug.Enabled && flag && o.logger != nil
}

// IsValid reports whether configuration validation passed at construction.
func (o *Orchestrator) IsValid() bool {
	return o.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (o *Orchestrator) ValidationError() error {
	return o.validationError
}

package servalsheets

import (
	"context"
	"time"
)

// OperationKind identifies a normalized spreadsheet operation.
type OperationKind string

const (
	KindReadValues  OperationKind = "values.read"
	KindWriteValues OperationKind = "values.write"
	KindApplyFormat OperationKind = "format.apply"
	KindStructure   OperationKind = "meta.structure"
	KindSampleCells OperationKind = "values.sample"
)

// OperationClass is the quota class an operation is admitted under.
type OperationClass string

const (
	ClassRead  OperationClass = "read"
	ClassWrite OperationClass = "write"
)

// Operation is a normalized operation descriptor as produced by the
// schema/validation layer. The orchestrator never re-validates it; it only
// derives cache and deduplication keys from it.
type Operation struct {
	Kind    OperationKind
	Class   OperationClass
	Sheet   string
	Range   Range
	Params  map[string]string
	Payload []byte
}

// Result is the opaque outcome of an upstream call for one operation.
// Err is only set for per-item failures inside a merged batch whose
// upstream reports itemized outcomes.
type Result struct {
	Payload      []byte
	VersionToken string
	Err          error
}

// Invoker is the upstream API client collaborator. Implementations classify
// their errors by implementing Retryable() (and optionally RetryAfter()) so
// the retry and circuit breaker layers can tell transient from permanent
// failures.
type Invoker interface {
	Invoke(ctx context.Context, op *Operation) (*Result, error)
	InvokeBatch(ctx context.Context, ops []*Operation) ([]*Result, error)
}

// Doer executes a single operation through the full orchestration pipeline.
// *Orchestrator satisfies it; the change estimator issues its probes through
// a Doer so probes benefit from caching and admission control like any
// other operation.
type Doer interface {
	Do(ctx context.Context, op *Operation) (*Result, error)
}

// CacheTier names the storage tier that served a cache hit.
type CacheTier string

const (
	TierL1 CacheTier = "l1"
	TierL2 CacheTier = "l2"
)

// CacheEntry is an immutable cached result. Entries are replaced wholesale
// on update, never mutated in place, and are never returned past ExpiresAt
// regardless of which tier holds them. The struct is JSON-serializable so
// the remote tier can store it.
type CacheEntry struct {
	Key          string        `json:"key"`
	Kind         OperationKind `json:"kind"`
	Sheet        string        `json:"sheet"`
	Range        Range         `json:"range"`
	Value        []byte        `json:"value"`
	VersionToken string        `json:"version_token,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Tier         CacheTier     `json:"-"`
}

// Expired reports whether the entry is past its TTL at time now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache is the local (L1) tier interface.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	// Invalidate removes every entry matching pred and returns how many
	// were removed.
	Invalidate(pred func(*CacheEntry) bool) int
	Len() int
	Clear()
}

// RemoteCache is the optional shared (L2) tier interface. Any networked
// key/value store with get/set/delete and TTL support can back it. All
// methods are best effort: errors degrade the orchestrator to L1-only and
// never fail a request.
type RemoteCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Invalidate(ctx context.Context, sheet string, pred func(*CacheEntry) bool) (int, error)
	Close() error
}

// CacheCondition decides whether an operation's result may be cached.
type CacheCondition func(op *Operation) bool

// DefaultCacheCondition caches read-class operations only.
func DefaultCacheCondition(op *Operation) bool {
	return op.Class == ClassRead
}

// DedupCondition decides whether an operation may join an in-flight call
// with the same key.
type DedupCondition func(op *Operation) bool

// DefaultDedupCondition deduplicates read-class operations only. Mutating
// classes must be opted in explicitly (WithDeduplicationClasses) so
// intended side effects are never masked.
func DefaultDedupCondition(op *Operation) bool {
	return op.Class == ClassRead
}

// BatchCondition decides whether an operation may be coalesced into a
// merged upstream call.
type BatchCondition func(op *Operation) bool

// DefaultBatchCondition batches everything except structure probes, which
// are latency sensitive and already cheap.
func DefaultBatchCondition(op *Operation) bool {
	return op.Kind != KindStructure
}

// CostFunc maps an operation to its admission cost in tokens.
type CostFunc func(op *Operation) float64

// DefaultCostFunc charges one token per operation.
func DefaultCostFunc(op *Operation) float64 { return 1 }

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// CountNonRetryable includes validation/permission/not-found failures
	// in the failure tally. Off by default: only infrastructure failures
	// should trip the breaker.
	CountNonRetryable bool
	// OnTransition is invoked after every state change.
	OnTransition func(from, to CircuitState)
}

// BatchWindowConfig holds the adaptive batch window tuning parameters.
// The window is adjusted multiplicatively, only at flush boundaries, and
// always stays within [Min, Max].
type BatchWindowConfig struct {
	Min           time.Duration
	Max           time.Duration
	Initial       time.Duration
	LowThreshold  int
	HighThreshold int
	IncreaseRate  float64
	DecreaseRate  float64
	// MaxBatch flushes a queue early once it reaches this many operations.
	MaxBatch int
}

// DefaultBatchWindowConfig returns the stock window tuning: 50ms initial,
// bounded by [10ms, 200ms].
func DefaultBatchWindowConfig() BatchWindowConfig {
	return BatchWindowConfig{
		Min:           10 * time.Millisecond,
		Max:           200 * time.Millisecond,
		Initial:       50 * time.Millisecond,
		LowThreshold:  2,
		HighThreshold: 8,
		IncreaseRate:  1.5,
		DecreaseRate:  0.7,
		MaxBatch:      25,
	}
}

// RateLimitConfig holds one quota class's token bucket parameters.
type RateLimitConfig struct {
	Capacity        float64
	RefillPerSecond float64
}

// Observer receives structured events from the orchestration stages. The
// core emits events but does not format or ship them; implementations
// decide what to do with each one. All methods may be called concurrently.
type Observer interface {
	CacheHit(key string, tier CacheTier)
	CacheMiss(key string)
	DedupAttach(key string)
	RateLimitWait(class OperationClass, waited time.Duration)
	BatchFlush(size int, window time.Duration)
	BreakerTransition(from, to CircuitState)
	RetryAttempt(attempt int, delay time.Duration)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) CacheHit(string, CacheTier)                    {}
func (NopObserver) CacheMiss(string)                              {}
func (NopObserver) DedupAttach(string)                            {}
func (NopObserver) RateLimitWait(OperationClass, time.Duration)   {}
func (NopObserver) BatchFlush(int, time.Duration)                 {}
func (NopObserver) BreakerTransition(CircuitState, CircuitState)  {}
func (NopObserver) RetryAttempt(int, time.Duration)               {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// Context keys for per-request cache control.
type contextKey string

const cacheControlKey contextKey = "servalsheets_cache_control"

// CacheControl holds per-request cache overrides.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// WithContextCacheEnabled forces caching for the request regardless of the
// orchestrator's cache condition.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: true})
}

// WithContextCacheDisabled bypasses the cache for the request.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: false})
}

// WithContextCacheTTL forces caching with a per-request TTL.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: true, TTL: ttl})
}

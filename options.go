package servalsheets

import (
	"fmt"
	"time"
)

// WithL1Cache sizes the local cache tier. maxEntries of zero means
// unbounded.
func WithL1Cache(maxEntries int, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.l1 = NewInMemoryCache(maxEntries)
		o.l1TTL = ttl
	}
}

// WithCustomL1 installs a caller-supplied local tier.
func WithCustomL1(cache Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.l1 = cache
		o.l1TTL = ttl
	}
}

// WithoutCache disables caching entirely.
func WithoutCache() Option {
	return func(o *Orchestrator) {
		o.l1 = nil
		o.l2 = nil
	}
}

// WithRemoteCache enables the shared L2 tier.
func WithRemoteCache(remote RemoteCache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.l2 = remote
		o.l2TTL = ttl
	}
}

// WithRedisCache enables a Redis-backed L2 tier.
func WithRedisCache(opts RedisCacheOptions, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.l2 = NewRedisCache(opts)
		o.l2TTL = ttl
	}
}

// WithCacheCondition overrides which operations are cacheable.
func WithCacheCondition(fn CacheCondition) Option {
	return func(o *Orchestrator) {
		o.cacheCond = fn
	}
}

// WithoutDeduplication disables in-flight call collapsing.
func WithoutDeduplication() Option {
	return func(o *Orchestrator) {
		o.dedup = nil
	}
}

// WithDeduplicationClasses opts the given classes into deduplication.
// Passing ClassWrite here is the explicit opt-in required before any
// mutating operation is deduplicated.
func WithDeduplicationClasses(classes ...OperationClass) Option {
	return func(o *Orchestrator) {
		set := make(map[OperationClass]bool, len(classes))
		for _, c := range classes {
			set[c] = true
		}
		if o.dedup == nil {
			o.dedup = NewInFlightTracker()
		}
		o.dedupCond = func(op *Operation) bool { return set[op.Class] }
	}
}

// WithDedupCondition overrides deduplication eligibility per operation.
func WithDedupCondition(fn DedupCondition) Option {
	return func(o *Orchestrator) {
		if o.dedup == nil {
			o.dedup = NewInFlightTracker()
		}
		o.dedupCond = fn
	}
}

// WithRateLimit registers an admission bucket for a quota class. Classes
// without a bucket are admitted immediately; each class's bucket is
// independent, so draining one never blocks another.
func WithRateLimit(class OperationClass, cfg RateLimitConfig) Option {
	return func(o *Orchestrator) {
		if o.rateCfgs == nil {
			o.rateCfgs = make(map[OperationClass]RateLimitConfig)
		}
		o.rateCfgs[class] = cfg
	}
}

// WithCostFunc overrides the per-operation admission cost.
func WithCostFunc(fn CostFunc) Option {
	return func(o *Orchestrator) {
		o.costFunc = fn
	}
}

// WithBatchWindow tunes the adaptive batch window.
func WithBatchWindow(cfg BatchWindowConfig) Option {
	return func(o *Orchestrator) {
		o.batchCfg = cfg
	}
}

// WithoutBatching dispatches every operation individually.
func WithoutBatching() Option {
	return func(o *Orchestrator) {
		o.noBatching = true
	}
}

// WithBatchCondition overrides which operations may be merged.
func WithBatchCondition(fn BatchCondition) Option {
	return func(o *Orchestrator) {
		o.batchCond = fn
	}
}

// WithCircuitBreaker sets the circuit breaker configuration.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(o *Orchestrator) {
		o.breakerCfg = cfg
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		o.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier.
func WithBackoffMultiplier(f float64) Option {
	return func(o *Orchestrator) {
		o.multiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0).
func WithJitter(f float64) Option {
	return func(o *Orchestrator) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		o.jitter = f
	}
}

// WithBackoffStrategy selects the delay algorithm for the default retry
// policy.
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(o *Orchestrator) {
		o.backoffStrategy = s
	}
}

// WithRetryPolicy replaces the default retry policy entirely.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.retryPolicy = policy
	}
}

// WithUpstreamTimeout bounds each merged upstream dispatch.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.upstreamTimeout = d
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(o *Orchestrator) {
		o.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

// WithObserver installs a structured event hook.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithLogger sets a custom logger for debug output.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger.
func WithSimpleLogger() Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.Enabled = true
		o.logger = NewSimpleLogger()
	}
}

// WithDebug enables debug logging with default configuration.
func WithDebug() Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(o *Orchestrator) {
		o.debug = config
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the orchestrator configuration and
// returns an error describing every problem found.
func (o *Orchestrator) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, o.validateRetryConfig()...)
	problems = append(problems, o.validateRateLimitConfig()...)
	problems = append(problems, o.validateBatchConfig()...)
	problems = append(problems, o.validateBreakerConfig()...)
	problems = append(problems, o.validateCacheConfig()...)

	if len(problems) > 0 {
		return &OrchestratorError{
			Type:    ErrorTypeValidation,
			Stage:   "config",
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

func (o *Orchestrator) validateRetryConfig() []string {
	var problems []string
	if o.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if o.initialBackoff <= 0 {
		problems = append(problems, "initialBackoff must be positive")
	}
	if o.maxBackoff < o.initialBackoff {
		problems = append(problems, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if o.multiplier <= 0 {
		problems = append(problems, "backoffMultiplier must be positive")
	}
	if o.jitter < 0 || o.jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}
	return problems
}

func (o *Orchestrator) validateRateLimitConfig() []string {
	var problems []string
	for class, cfg := range o.rateCfgs {
		if cfg.Capacity <= 0 {
			problems = append(problems, fmt.Sprintf("rate limit capacity for class %q must be positive", class))
		}
		if cfg.RefillPerSecond <= 0 {
			problems = append(problems, fmt.Sprintf("rate limit refill for class %q must be positive", class))
		}
	}
	return problems
}

func (o *Orchestrator) validateBatchConfig() []string {
	if o.noBatching {
		return nil
	}
	var problems []string
	cfg := o.batchCfg
	if cfg.Min < 0 || cfg.Max < 0 || cfg.Initial < 0 {
		problems = append(problems, "batch window durations must be non-negative")
	}
	if cfg.Min > 0 && cfg.Max > 0 && cfg.Min > cfg.Max {
		problems = append(problems, "batch window min must not exceed max")
	}
	if cfg.LowThreshold > 0 && cfg.HighThreshold > 0 && cfg.LowThreshold >= cfg.HighThreshold {
		problems = append(problems, "batch lowThreshold must be below highThreshold")
	}
	if cfg.IncreaseRate != 0 && cfg.IncreaseRate <= 1 {
		problems = append(problems, "batch increaseRate must be greater than 1")
	}
	if cfg.DecreaseRate != 0 && (cfg.DecreaseRate <= 0 || cfg.DecreaseRate >= 1) {
		problems = append(problems, "batch decreaseRate must be between 0 and 1")
	}
	return problems
}

func (o *Orchestrator) validateBreakerConfig() []string {
	var problems []string
	if o.breakerCfg.FailureThreshold < 0 {
		problems = append(problems, "breaker failureThreshold must be non-negative")
	}
	if o.breakerCfg.SuccessThreshold < 0 {
		problems = append(problems, "breaker successThreshold must be non-negative")
	}
	if o.breakerCfg.OpenTimeout < 0 {
		problems = append(problems, "breaker openTimeout must be non-negative")
	}
	return problems
}

func (o *Orchestrator) validateCacheConfig() []string {
	var problems []string
	if o.l1 != nil && o.l1TTL <= 0 {
		problems = append(problems, "l1 cache TTL must be positive")
	}
	if o.l2 != nil && o.l2TTL <= 0 {
		problems = append(problems, "l2 cache TTL must be positive")
	}
	return problems
}

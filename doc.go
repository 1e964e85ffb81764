// Package servalsheets provides a request orchestration and caching layer
// for spreadsheet range operations against a quota-limited remote API:
//
//   - Two-tier caching (local in-memory L1, shared Redis L2) with
//     range-overlap invalidation on writes
//   - In-flight deduplication (concurrent identical reads share one call)
//   - Token-bucket admission control with independent read/write budgets
//   - Adaptive batch window that merges compatible operations per sheet
//   - Circuit breaker (closed / open / half-open) guarding the upstream
//   - Retries with exponential backoff + jitter, honoring server hints
//   - Change-tier estimation (structure probe, sample digest, full digest)
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Every stage degrades independently: a missing cache, limiter, or
//     batcher leaves the rest of the pipeline intact
//   - Safe concurrent use of a single *Orchestrator instance
//   - Extensibility via pluggable cache tiers, observers, and metrics
//
// Typical usage:
//
//	orch := servalsheets.New(invoker,
//	    servalsheets.WithL1Cache(10000, 5*time.Minute),
//	    servalsheets.WithRateLimit(servalsheets.ClassRead, servalsheets.RateLimitConfig{Capacity: 100, RefillPerSecond: 1}),
//	    servalsheets.WithCircuitBreaker(servalsheets.CircuitBreakerConfig{}),
//	    servalsheets.WithMetrics(),
//	)
//	res, err := orch.Do(ctx, &servalsheets.Operation{
//	    Kind:  servalsheets.KindReadValues,
//	    Class: servalsheets.ClassRead,
//	    Sheet: "budget",
//	    Range: servalsheets.Range{StartRow: 1, StartCol: 1, EndRow: 10, EndCol: 4},
//	})
//
// Only reads are cached, deduplicated, and batched by default; override
// with WithCacheCondition, WithDedupCondition, and WithBatchCondition.
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) + enable debug flags selectively (WithDebug /
// WithDebugConfig) for insight without noise.
package servalsheets

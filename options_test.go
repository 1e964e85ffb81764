package servalsheets

import (
	"errors"
	"testing"
	"time"
)

func TestNewAppliesDefaults(t *testing.T) {
	o := New(nopInvoker{})
	defer o.Close()

	if !o.IsValid() {
		t.Fatalf("Expected valid defaults, got %v", o.ValidationError())
	}
	if o.cache == nil {
		t.Error("Expected L1 caching on by default")
	}
	if o.dedup == nil {
		t.Error("Expected deduplication on by default")
	}
	if o.batcher == nil {
		t.Error("Expected batching on by default")
	}
	if o.limiter != nil {
		t.Error("Expected no admission limits until classes are registered")
	}
	if o.maxRetries != 3 {
		t.Errorf("Expected 3 retries by default, got %d", o.maxRetries)
	}
	if o.upstreamTimeout != 30*time.Second {
		t.Errorf("Expected 30s upstream timeout, got %v", o.upstreamTimeout)
	}
}

func TestWithoutCache(t *testing.T) {
	o := New(nopInvoker{}, WithoutCache())
	defer o.Close()

	if o.cache != nil {
		t.Error("Expected nil cache")
	}
}

func TestWithCustomL1(t *testing.T) {
	custom := NewInMemoryCache(42)
	o := New(nopInvoker{}, WithCustomL1(custom, time.Minute))
	defer o.Close()

	if o.l1 != custom {
		t.Error("Expected the custom L1 to be installed")
	}
	if o.l1TTL != time.Minute {
		t.Errorf("Expected 1m TTL, got %v", o.l1TTL)
	}
}

func TestWithRemoteCache(t *testing.T) {
	l2 := newFakeRemoteCache()
	o := New(nopInvoker{}, WithRemoteCache(l2, time.Hour))
	defer o.Close()

	if o.l2 != RemoteCache(l2) {
		t.Error("Expected the remote tier to be installed")
	}
	if o.l2TTL != time.Hour {
		t.Errorf("Expected 1h L2 TTL, got %v", o.l2TTL)
	}
	if o.cache == nil {
		t.Error("Expected a tiered cache to be assembled")
	}
}

func TestWithRateLimit(t *testing.T) {
	o := New(nopInvoker{},
		WithRateLimit(ClassRead, RateLimitConfig{Capacity: 10, RefillPerSecond: 1}),
		WithRateLimit(ClassWrite, RateLimitConfig{Capacity: 5, RefillPerSecond: 0.5}),
	)
	defer o.Close()

	if o.limiter == nil {
		t.Fatal("Expected a limiter registry")
	}
	if b := o.limiter.Bucket(ClassRead); b == nil || b.Capacity() != 10 {
		t.Error("Expected read bucket capacity 10")
	}
	if b := o.limiter.Bucket(ClassWrite); b == nil || b.Capacity() != 5 {
		t.Error("Expected write bucket capacity 5")
	}
}

func TestWithRetryKnobs(t *testing.T) {
	o := New(nopInvoker{},
		WithMaxRetries(5),
		WithInitialBackoff(50*time.Millisecond),
		WithMaxBackoff(5*time.Second),
		WithBackoffMultiplier(3.0),
		WithJitter(0.25),
	)
	defer o.Close()

	policy, ok := o.retryPolicy.(*DefaultRetryPolicy)
	if !ok {
		t.Fatal("Expected the default retry policy")
	}
	if policy.MaxRetries() != 5 {
		t.Errorf("Expected policy bound of 5, got %d", policy.MaxRetries())
	}
}

func TestWithJitterClamped(t *testing.T) {
	o := New(nopInvoker{}, WithJitter(7.5))
	defer o.Close()

	if o.jitter != 1 {
		t.Errorf("Expected jitter clamped to 1, got %.2f", o.jitter)
	}

	o2 := New(nopInvoker{}, WithJitter(-2))
	defer o2.Close()
	if o2.jitter != 0 {
		t.Errorf("Expected jitter clamped to 0, got %.2f", o2.jitter)
	}
}

func TestWithRetryPolicyOverride(t *testing.T) {
	custom := retryPolicyFunc(func(err error, attempt int) (time.Duration, bool) { return 0, false })
	o := New(nopInvoker{}, WithRetryPolicy(custom))
	defer o.Close()

	if _, retry := o.retryPolicy.ShouldRetry(errors.New("x"), 0); retry {
		t.Error("Expected the custom never-retry policy to be installed")
	}
}

func TestWithDeduplicationClassesCreatesTracker(t *testing.T) {
	o := New(nopInvoker{}, WithoutDeduplication(), WithDeduplicationClasses(ClassWrite))
	defer o.Close()

	if o.dedup == nil {
		t.Fatal("Expected the class opt-in to re-enable tracking")
	}
	if !o.dedupCond(&Operation{Class: ClassWrite}) {
		t.Error("Expected writes to be deduplicated after opt-in")
	}
	if o.dedupCond(&Operation{Class: ClassRead}) {
		t.Error("Expected reads outside the opted-in classes")
	}
}

func TestWithDebugAndRequestIDs(t *testing.T) {
	gen := func() string { return "req_fixed" }
	o := New(nopInvoker{}, WithDebug(), WithRequestIDGenerator(gen))
	defer o.Close()

	if o.debug == nil || !o.debug.Enabled {
		t.Fatal("Expected debug enabled")
	}
	if o.debug.RequestIDGen() != "req_fixed" {
		t.Error("Expected the custom ID generator")
	}
}

func TestValidateConfigurationCatchesBadRetry(t *testing.T) {
	o := New(nopInvoker{}, WithMaxRetries(-1))
	defer o.Close()

	if o.IsValid() {
		t.Fatal("Expected invalid configuration")
	}
	var oe *OrchestratorError
	if !errors.As(o.ValidationError(), &oe) || oe.Type != ErrorTypeValidation {
		t.Errorf("Expected a Validation error, got %v", o.ValidationError())
	}
}

func TestValidateConfigurationCatchesBadBackoffOrder(t *testing.T) {
	o := New(nopInvoker{}, WithInitialBackoff(10*time.Second), WithMaxBackoff(time.Second))
	defer o.Close()

	if o.IsValid() {
		t.Error("Expected maxBackoff < initialBackoff to be rejected")
	}
}

func TestValidateConfigurationCatchesBadBucket(t *testing.T) {
	o := New(nopInvoker{}, WithRateLimit(ClassRead, RateLimitConfig{Capacity: 0, RefillPerSecond: 1}))
	defer o.Close()

	if o.IsValid() {
		t.Error("Expected zero-capacity bucket to be rejected")
	}
}

func TestValidateConfigurationCatchesBadWindow(t *testing.T) {
	o := New(nopInvoker{}, WithBatchWindow(BatchWindowConfig{
		Min: 100 * time.Millisecond,
		Max: 10 * time.Millisecond,
	}))
	defer o.Close()

	if o.IsValid() {
		t.Error("Expected min > max window to be rejected")
	}
}

func TestValidateConfigurationSkipsBatchWhenDisabled(t *testing.T) {
	o := New(nopInvoker{},
		WithoutBatching(),
		WithBatchWindow(BatchWindowConfig{Min: 100 * time.Millisecond, Max: 10 * time.Millisecond}),
	)
	defer o.Close()

	if !o.IsValid() {
		t.Errorf("Expected batch validation skipped when batching is off, got %v", o.ValidationError())
	}
}

type retryPolicyFunc func(err error, attempt int) (time.Duration, bool)

func (f retryPolicyFunc) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	return f(err, attempt)
}

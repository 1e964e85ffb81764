package servalsheets

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-based configuration for embedding the orchestrator
// in a service without code changes. Durations are expressed as numeric
// millisecond or second fields. Zero values fall back to the built-in
// defaults.
type Config struct {
	Cache    CacheFileConfig    `yaml:"cache"`
	Dedup    DedupFileConfig    `yaml:"dedup"`
	Rate     RateFileConfig     `yaml:"rate_limit"`
	Batch    BatchFileConfig    `yaml:"batch"`
	Breaker  BreakerFileConfig  `yaml:"circuit_breaker"`
	Retry    RetryFileConfig    `yaml:"retry"`
	Upstream UpstreamFileConfig `yaml:"upstream"`
	Debug    DebugFileConfig    `yaml:"debug"`
	Metrics  bool               `yaml:"metrics"`
}

// CacheFileConfig configures the two cache tiers.
type CacheFileConfig struct {
	Disabled     bool             `yaml:"disabled"`
	L1MaxEntries int              `yaml:"l1_max_entries"`
	L1TTLMs      int              `yaml:"l1_ttl_ms"`
	L2TTLSeconds int              `yaml:"l2_ttl_seconds"`
	Redis        *RedisFileConfig `yaml:"redis,omitempty"`
}

// RedisFileConfig configures the Redis L2 tier. L2 is enabled only
// when this block is present.
type RedisFileConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DedupFileConfig configures in-flight call collapsing.
type DedupFileConfig struct {
	Disabled bool `yaml:"disabled"`
	// Writes opts mutating operations into deduplication. Off by
	// default.
	Writes bool `yaml:"writes"`
}

// RateFileConfig configures per-class admission buckets.
type RateFileConfig struct {
	Read  *BucketFileConfig `yaml:"read,omitempty"`
	Write *BucketFileConfig `yaml:"write,omitempty"`
}

// BucketFileConfig describes one token bucket.
type BucketFileConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// BatchFileConfig configures the adaptive batch window.
type BatchFileConfig struct {
	Disabled      bool    `yaml:"disabled"`
	MinMs         int     `yaml:"min_ms"`
	MaxMs         int     `yaml:"max_ms"`
	InitialMs     int     `yaml:"initial_ms"`
	LowThreshold  int     `yaml:"low_threshold"`
	HighThreshold int     `yaml:"high_threshold"`
	IncreaseRate  float64 `yaml:"increase_rate"`
	DecreaseRate  float64 `yaml:"decrease_rate"`
	MaxBatch      int     `yaml:"max_batch"`
}

// BreakerFileConfig configures the circuit breaker.
type BreakerFileConfig struct {
	FailureThreshold  int  `yaml:"failure_threshold"`
	SuccessThreshold  int  `yaml:"success_threshold"`
	OpenTimeoutMs     int  `yaml:"open_timeout_ms"`
	CountNonRetryable bool `yaml:"count_non_retryable"`
}

// RetryFileConfig configures the retry policy.
type RetryFileConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	Jitter           float64 `yaml:"jitter"`
	// Strategy is "exponential" or "decorrelated".
	Strategy string `yaml:"strategy"`
}

// UpstreamFileConfig bounds upstream dispatches.
type UpstreamFileConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DebugFileConfig configures debug logging.
type DebugFileConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads and parses a YAML configuration file. A missing file
// is not an error: the zero Config (all defaults) is returned.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Options converts the file configuration into functional options,
// emitting only options for fields that deviate from the defaults.
func (c *Config) Options() []Option {
	var opts []Option

	if c.Cache.Disabled {
		opts = append(opts, WithoutCache())
	} else {
		if c.Cache.L1MaxEntries > 0 || c.Cache.L1TTLMs > 0 {
			entries := c.Cache.L1MaxEntries
			ttl := time.Duration(c.Cache.L1TTLMs) * time.Millisecond
			if ttl <= 0 {
				ttl = 5 * time.Minute
			}
			opts = append(opts, WithL1Cache(entries, ttl))
		}
		if c.Cache.Redis != nil {
			ttl := time.Duration(c.Cache.L2TTLSeconds) * time.Second
			if ttl <= 0 {
				ttl = 30 * time.Minute
			}
			opts = append(opts, WithRedisCache(RedisCacheOptions{
				Addr:     c.Cache.Redis.Addr,
				Password: c.Cache.Redis.Password,
				DB:       c.Cache.Redis.DB,
				Prefix:   c.Cache.Redis.Prefix,
			}, ttl))
		}
	}

	if c.Dedup.Disabled {
		opts = append(opts, WithoutDeduplication())
	} else if c.Dedup.Writes {
		opts = append(opts, WithDeduplicationClasses(ClassRead, ClassWrite))
	}

	if c.Rate.Read != nil {
		opts = append(opts, WithRateLimit(ClassRead, RateLimitConfig{
			Capacity:        c.Rate.Read.Capacity,
			RefillPerSecond: c.Rate.Read.RefillPerSecond,
		}))
	}
	if c.Rate.Write != nil {
		opts = append(opts, WithRateLimit(ClassWrite, RateLimitConfig{
			Capacity:        c.Rate.Write.Capacity,
			RefillPerSecond: c.Rate.Write.RefillPerSecond,
		}))
	}

	if c.Batch.Disabled {
		opts = append(opts, WithoutBatching())
	} else if c.Batch != (BatchFileConfig{}) {
		cfg := DefaultBatchWindowConfig()
		if c.Batch.MinMs > 0 {
			cfg.Min = time.Duration(c.Batch.MinMs) * time.Millisecond
		}
		if c.Batch.MaxMs > 0 {
			cfg.Max = time.Duration(c.Batch.MaxMs) * time.Millisecond
		}
		if c.Batch.InitialMs > 0 {
			cfg.Initial = time.Duration(c.Batch.InitialMs) * time.Millisecond
		}
		if c.Batch.LowThreshold > 0 {
			cfg.LowThreshold = c.Batch.LowThreshold
		}
		if c.Batch.HighThreshold > 0 {
			cfg.HighThreshold = c.Batch.HighThreshold
		}
		if c.Batch.IncreaseRate > 0 {
			cfg.IncreaseRate = c.Batch.IncreaseRate
		}
		if c.Batch.DecreaseRate > 0 {
			cfg.DecreaseRate = c.Batch.DecreaseRate
		}
		if c.Batch.MaxBatch > 0 {
			cfg.MaxBatch = c.Batch.MaxBatch
		}
		opts = append(opts, WithBatchWindow(cfg))
	}

	if c.Breaker != (BreakerFileConfig{}) {
		cfg := CircuitBreakerConfig{
			FailureThreshold:  c.Breaker.FailureThreshold,
			SuccessThreshold:  c.Breaker.SuccessThreshold,
			OpenTimeout:       time.Duration(c.Breaker.OpenTimeoutMs) * time.Millisecond,
			CountNonRetryable: c.Breaker.CountNonRetryable,
		}
		opts = append(opts, WithCircuitBreaker(cfg))
	}

	if c.Retry.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(c.Retry.MaxRetries))
	}
	if c.Retry.InitialBackoffMs > 0 {
		opts = append(opts, WithInitialBackoff(time.Duration(c.Retry.InitialBackoffMs)*time.Millisecond))
	}
	if c.Retry.MaxBackoffMs > 0 {
		opts = append(opts, WithMaxBackoff(time.Duration(c.Retry.MaxBackoffMs)*time.Millisecond))
	}
	if c.Retry.Multiplier > 0 {
		opts = append(opts, WithBackoffMultiplier(c.Retry.Multiplier))
	}
	if c.Retry.Jitter > 0 {
		opts = append(opts, WithJitter(c.Retry.Jitter))
	}
	if c.Retry.Strategy == "decorrelated" {
		opts = append(opts, WithBackoffStrategy(DecorrelatedJitter))
	}

	if c.Upstream.TimeoutSeconds > 0 {
		opts = append(opts, WithUpstreamTimeout(time.Duration(c.Upstream.TimeoutSeconds)*time.Second))
	}

	if c.Debug.Enabled {
		opts = append(opts, WithDebug())
	}
	if c.Metrics {
		opts = append(opts, WithMetrics())
	}

	return opts
}

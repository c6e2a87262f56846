// Package config loads the tunable thresholds for the caching and
// resilience layer. Every numeric knob is externally configurable; the
// defaults match the published limits of the upstream registry API
// (240 requests per minute) and conservative local heuristics.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the cache and resilience components
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Breaker  BreakerConfig  `mapstructure:"circuit_breaker"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
}

// CacheConfig holds cache store and adaptation tunables
type CacheConfig struct {
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	MemoryBudget      int64         `mapstructure:"memory_budget_bytes"`
	PatternStaleAge   time.Duration `mapstructure:"pattern_stale_age"`
	PatternSweepEvery time.Duration `mapstructure:"pattern_sweep_interval"`
}

// RetryConfig holds retry executor tunables
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Strategy   string        `mapstructure:"strategy"`
	Jitter     bool          `mapstructure:"jitter"`
}

// BreakerConfig holds circuit breaker tunables
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// DedupConfig holds request deduplicator tunables
type DedupConfig struct {
	ResultTTL  time.Duration `mapstructure:"result_ttl"`
	MaxResults int           `mapstructure:"max_results"`
}

// FallbackConfig holds fallback manager tunables
type FallbackConfig struct {
	PrimaryTimeout time.Duration `mapstructure:"primary_timeout"`
	CacheMaxAge    time.Duration `mapstructure:"cache_max_age"`
	CacheSize      int           `mapstructure:"cache_size"`
}

// QueueConfig holds rate-limited queue tunables
type QueueConfig struct {
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Window        time.Duration `mapstructure:"window"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxDepth      int           `mapstructure:"max_depth"`
}

// UpstreamConfig holds upstream API client tunables
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SmoothingRate  float64       `mapstructure:"smoothing_rate"`
	SmoothingBurst int           `mapstructure:"smoothing_burst"`
}

// setDefaults registers the default value for every knob
func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "regmesh:cache:")
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.memory_budget_bytes", int64(256*1024*1024))
	v.SetDefault("cache.pattern_stale_age", 24*time.Hour)
	v.SetDefault("cache.pattern_sweep_interval", 5*time.Minute)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("retry.jitter", true)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", 60*time.Second)

	v.SetDefault("dedup.result_ttl", 300*time.Second)
	v.SetDefault("dedup.max_results", 10000)

	v.SetDefault("fallback.primary_timeout", 30*time.Second)
	v.SetDefault("fallback.cache_max_age", time.Hour)
	v.SetDefault("fallback.cache_size", 1000)

	v.SetDefault("queue.rate_per_minute", 240)
	v.SetDefault("queue.window", time.Minute)
	v.SetDefault("queue.max_concurrent", 10)
	v.SetDefault("queue.max_depth", 1000)

	v.SetDefault("upstream.base_url", "https://registry.example.com/api/v1")
	v.SetDefault("upstream.request_timeout", 30*time.Second)
	v.SetDefault("upstream.smoothing_rate", 4.0)
	v.SetDefault("upstream.smoothing_burst", 8)
}

// Load reads configuration from the optional file path and REGMESH_*
// environment variables, falling back to defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REGMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every knob at its default value
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Unmarshal of in-process defaults cannot fail
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays invalid: base=%s max=%s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Queue.RatePerMinute <= 0 {
		return fmt.Errorf("queue.rate_per_minute must be > 0, got %d", c.Queue.RatePerMinute)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be > 0, got %d", c.Queue.MaxConcurrent)
	}
	if c.Cache.MemoryBudget <= 0 {
		return fmt.Errorf("cache.memory_budget_bytes must be > 0, got %d", c.Cache.MemoryBudget)
	}
	return nil
}

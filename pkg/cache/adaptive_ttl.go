package cache

import "time"

// TTLCalculatorConfig holds the heuristics for deriving entry lifetimes.
// Values are configuration knobs, not calibrated constants.
type TTLCalculatorConfig struct {
	// HotFrequency is the access count above which a pattern is considered popular
	HotFrequency int64
	// SlowResponse is the average latency above which data is considered
	// expensive to regenerate
	SlowResponse time.Duration
	// LargePayload is the payload size above which entries are considered
	// cheaper to evict and regenerate than to hoard
	LargePayload int64

	// HotMultiplier scales TTL for popular patterns
	HotMultiplier float64
	// SlowMultiplier further scales TTL for expensive data
	SlowMultiplier float64
	// MaxMultiplier caps the combined upward scaling
	MaxMultiplier float64
	// LargeMultiplier scales TTL down for large payloads
	LargeMultiplier float64

	// Per-strategy fixed multipliers for non-adaptive strategies
	LFUMultiplier float64
}

// DefaultTTLCalculatorConfig returns the default heuristics
func DefaultTTLCalculatorConfig() TTLCalculatorConfig {
	return TTLCalculatorConfig{
		HotFrequency:    10,
		SlowResponse:    time.Second,
		LargePayload:    1 << 20,
		HotMultiplier:   2.0,
		SlowMultiplier:  1.5,
		MaxMultiplier:   3.0,
		LargeMultiplier: 0.5,
		LFUMultiplier:   1.5,
	}
}

// TTLCalculator derives a time-to-live for new entries from pattern
// statistics and payload size: cache longer what is expensive or popular,
// shorter what is large or cheap to recompute.
type TTLCalculator struct {
	config TTLCalculatorConfig
}

// NewTTLCalculator creates a calculator with the given heuristics
func NewTTLCalculator(config TTLCalculatorConfig) *TTLCalculator {
	return &TTLCalculator{config: config}
}

// TTLFor computes the TTL for a new entry. An explicit TTL always wins.
// For the adaptive strategy the base TTL is scaled by pattern frequency,
// average response time, and payload size; other strategies use a fixed
// per-strategy multiplier.
func (c *TTLCalculator) TTLFor(baseTTL, explicitTTL time.Duration, strategy Strategy, stats *PatternStats, sizeBytes int64) time.Duration {
	if explicitTTL > 0 {
		return explicitTTL
	}

	switch strategy {
	case StrategyAdaptive:
		return c.adaptiveTTL(baseTTL, stats, sizeBytes)
	case StrategyLFU:
		return time.Duration(float64(baseTTL) * c.config.LFUMultiplier)
	default:
		return baseTTL
	}
}

func (c *TTLCalculator) adaptiveTTL(baseTTL time.Duration, stats *PatternStats, sizeBytes int64) time.Duration {
	multiplier := 1.0

	if stats != nil {
		if stats.Frequency > c.config.HotFrequency {
			multiplier = c.config.HotMultiplier
		}
		if stats.AvgResponseTime > c.config.SlowResponse {
			multiplier *= c.config.SlowMultiplier
			if multiplier > c.config.MaxMultiplier {
				multiplier = c.config.MaxMultiplier
			}
		}
	}

	if sizeBytes > c.config.LargePayload {
		// Large entries never outlive the base TTL, even when popular.
		multiplier *= c.config.LargeMultiplier
		if multiplier > 1.0 {
			multiplier = 1.0
		}
	}

	return time.Duration(float64(baseTTL) * multiplier)
}

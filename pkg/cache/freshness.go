package cache

import (
	"fmt"
	"time"
)

// Freshness buckets an entry's age into ordered tiers. A cached value
// satisfies a request only when its bucket is at or below the caller's
// required bucket.
type Freshness int

// Freshness tiers, ordered from strictest to loosest
const (
	FreshnessRealTime Freshness = iota
	FreshnessFresh
	FreshnessRecent
	FreshnessStale
	FreshnessExpired
)

// Age thresholds for the freshness tiers
const (
	realTimeMaxAge = 60 * time.Second
	freshMaxAge    = 300 * time.Second
	recentMaxAge   = 1800 * time.Second
	staleMaxAge    = 7200 * time.Second
)

func (f Freshness) String() string {
	switch f {
	case FreshnessRealTime:
		return "real-time"
	case FreshnessFresh:
		return "fresh"
	case FreshnessRecent:
		return "recent"
	case FreshnessStale:
		return "stale"
	case FreshnessExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ClassifyAge buckets an age into its freshness tier
func ClassifyAge(age time.Duration) Freshness {
	switch {
	case age <= realTimeMaxAge:
		return FreshnessRealTime
	case age <= freshMaxAge:
		return FreshnessFresh
	case age <= recentMaxAge:
		return FreshnessRecent
	case age <= staleMaxAge:
		return FreshnessStale
	default:
		return FreshnessExpired
	}
}

// Meets reports whether an entry of the given actual freshness satisfies
// the caller's required freshness.
func Meets(actual, required Freshness) bool {
	return actual <= required
}

// ParseFreshness parses a freshness tier name as produced by String
func ParseFreshness(s string) (Freshness, error) {
	switch s {
	case "real-time":
		return FreshnessRealTime, nil
	case "fresh":
		return FreshnessFresh, nil
	case "recent":
		return FreshnessRecent, nil
	case "stale":
		return FreshnessStale, nil
	case "expired":
		return FreshnessExpired, nil
	default:
		return 0, fmt.Errorf("unknown freshness tier %q", s)
	}
}

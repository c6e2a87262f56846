// Package cache implements the adaptive caching layer that fronts the
// upstream registry API: a Redis-backed store with per-entry metadata,
// freshness classification, access-pattern analysis, adaptive TTL
// derivation, and score-based eviction under a memory budget.
package cache

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or its entry expired
	ErrNotFound = errors.New("cache: entry not found")
)

// Strategy tags how an entry's lifetime is managed
type Strategy string

// Cache strategies
const (
	StrategyAdaptive Strategy = "adaptive"
	StrategyLRU      Strategy = "lru"
	StrategyLFU      Strategy = "lfu"
	StrategyTTL      Strategy = "ttl"
)

// Priority bounds for cache entries. Higher priority entries are evicted
// later under memory pressure.
const (
	MinPriority = 1
	MaxPriority = 5
)

// Meta is the sidecar metadata stored alongside each payload
type Meta struct {
	CreatedAt   time.Time
	ExpiresAt   time.Time
	SizeBytes   int64
	AccessCount int64
	Priority    int
	Strategy    Strategy
}

// Age returns the entry age at the given instant
func (m Meta) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// Expired reports whether the entry has passed its expiry at the given instant
func (m Meta) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Entry is a cached payload plus its metadata
type Entry struct {
	Namespace string
	Key       string
	Payload   []byte
	Meta      Meta
}

// Identifier returns the namespaced cache identifier for an entry
func Identifier(namespace, key string) string {
	return namespace + ":" + key
}

// splitIdentifier is the inverse of Identifier. Keys may themselves
// contain colons; only the first separator splits.
func splitIdentifier(identifier string) (namespace, key string) {
	for i := 0; i < len(identifier); i++ {
		if identifier[i] == ':' {
			return identifier[:i], identifier[i+1:]
		}
	}
	return identifier, ""
}

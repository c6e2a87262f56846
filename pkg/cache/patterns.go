package cache

import (
	"regexp"
	"sync"
	"time"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// Template placeholder rewrites, applied in order. UUIDs and timestamps are
// matched before bare integers so their digits don't get rewritten twice.
var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	quotedPattern    = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	integerPattern   = regexp.MustCompile(`\b\d+\b`)
)

// ExtractTemplate rewrites the variable parts of a cache identifier into
// placeholders, leaving the literal shape of the query as the template.
func ExtractTemplate(identifier string) string {
	template := uuidPattern.ReplaceAllString(identifier, "{UUID}")
	template = timestampPattern.ReplaceAllString(template, "{TIMESTAMP}")
	template = quotedPattern.ReplaceAllString(template, "{STRING}")
	template = integerPattern.ReplaceAllString(template, "{ID}")
	return template
}

// PatternStats holds rolling statistics for one query template. Averages
// are maintained incrementally: new_avg = old_avg + (sample - old_avg) / n.
type PatternStats struct {
	Template        string
	Frequency       int64
	AvgResponseTime time.Duration
	CacheHitRate    float64
	LastAccessed    time.Time
}

// PatternAnalyzer maintains per-template access statistics. Templates unseen
// for the stale age are pruned so memory stays bounded under unbounded key
// cardinality.
type PatternAnalyzer struct {
	mu       sync.Mutex
	patterns map[string]*PatternStats

	staleAge time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewPatternAnalyzer creates an analyzer that prunes templates unseen for staleAge
func NewPatternAnalyzer(staleAge time.Duration, logger observability.Logger, metrics observability.MetricsClient) *PatternAnalyzer {
	if staleAge <= 0 {
		staleAge = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewLogger("cache.patterns")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &PatternAnalyzer{
		patterns: make(map[string]*PatternStats),
		staleAge: staleAge,
		logger:   logger,
		metrics:  metrics,
	}
}

// Record registers one access for the identifier's template. hit reports
// whether the access was served from cache; responseTime is the observed
// latency of producing the value (zero when unknown).
func (a *PatternAnalyzer) Record(identifier string, hit bool, responseTime time.Duration) {
	template := ExtractTemplate(identifier)
	now := time.Now()

	a.mu.Lock()
	stats, ok := a.patterns[template]
	if !ok {
		stats = &PatternStats{Template: template}
		a.patterns[template] = stats
	}
	stats.Frequency++
	n := float64(stats.Frequency)

	hitSample := 0.0
	if hit {
		hitSample = 1.0
	}
	stats.CacheHitRate += (hitSample - stats.CacheHitRate) / n
	if responseTime > 0 {
		stats.AvgResponseTime += time.Duration((float64(responseTime) - float64(stats.AvgResponseTime)) / n)
	}
	stats.LastAccessed = now
	a.mu.Unlock()
}

// Lookup returns a snapshot of the statistics for the identifier's template
func (a *PatternAnalyzer) Lookup(identifier string) (PatternStats, bool) {
	template := ExtractTemplate(identifier)

	a.mu.Lock()
	defer a.mu.Unlock()
	stats, ok := a.patterns[template]
	if !ok {
		return PatternStats{}, false
	}
	return *stats, true
}

// Prune deletes templates not accessed since the stale cutoff and returns
// how many were removed.
func (a *PatternAnalyzer) Prune(now time.Time) int {
	cutoff := now.Add(-a.staleAge)

	a.mu.Lock()
	removed := 0
	for template, stats := range a.patterns {
		if stats.LastAccessed.Before(cutoff) {
			delete(a.patterns, template)
			removed++
		}
	}
	remaining := len(a.patterns)
	a.mu.Unlock()

	if removed > 0 {
		a.logger.Debug("Pruned stale query patterns", map[string]interface{}{
			"removed":   removed,
			"remaining": remaining,
		})
		a.metrics.IncrementCounterWithLabels("cache.patterns.pruned", float64(removed), nil)
	}
	return removed
}

// Size returns the number of tracked templates
func (a *PatternAnalyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.patterns)
}

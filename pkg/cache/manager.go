package cache

import (
	"context"
	"sync"
	"time"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// ManagerConfig holds tunables for the adaptive cache manager
type ManagerConfig struct {
	DefaultTTL        time.Duration
	MemoryBudget      int64
	PatternStaleAge   time.Duration
	PatternSweepEvery time.Duration
	TTLConfig         TTLCalculatorConfig
	EvictionWeights   EvictionWeights
}

// DefaultManagerConfig returns the default manager tunables
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultTTL:        time.Hour,
		MemoryBudget:      256 << 20,
		PatternStaleAge:   24 * time.Hour,
		PatternSweepEvery: 5 * time.Minute,
		TTLConfig:         DefaultTTLCalculatorConfig(),
		EvictionWeights:   DefaultEvictionWeights(),
	}
}

// SetOptions controls a single cache write
type SetOptions struct {
	// TTL, when positive, overrides the adaptive TTL calculation
	TTL time.Duration
	// Strategy tags how the entry's lifetime is managed
	Strategy Strategy
	// Priority (1-5) weighs against eviction; defaults to MinPriority
	Priority int
	// FetchLatency is how long the upstream took to produce the value,
	// fed into pattern statistics
	FetchLatency time.Duration
}

// indexEntry is the in-process eviction bookkeeping for one stored entry
type indexEntry struct {
	meta Meta
	seq  uint64
}

// Manager is the adaptive cache: a backing Store plus freshness
// classification, pattern analysis, adaptive TTLs, and score-based eviction
// under a memory budget. Backend failures are absorbed and reported as
// misses so callers degrade to "no cache" rather than erroring.
type Manager struct {
	store    Store
	analyzer *PatternAnalyzer
	ttlCalc  *TTLCalculator
	scorer   *EvictionScorer
	config   ManagerConfig

	mu    sync.Mutex
	index map[string]*indexEntry
	usage int64
	seq   uint64

	hits   int64
	misses int64

	logger  observability.Logger
	metrics observability.MetricsClient

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates an adaptive cache manager over the given store
func NewManager(store Store, config ManagerConfig, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewLogger("cache.manager")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.MemoryBudget <= 0 {
		config.MemoryBudget = 256 << 20
	}
	if config.PatternSweepEvery <= 0 {
		config.PatternSweepEvery = 5 * time.Minute
	}

	return &Manager{
		store:    store,
		analyzer: NewPatternAnalyzer(config.PatternStaleAge, logger.WithPrefix("cache.patterns"), metrics),
		ttlCalc:  NewTTLCalculator(config.TTLConfig),
		scorer:   NewEvictionScorer(config.EvictionWeights),
		config:   config,
		index:    make(map[string]*indexEntry),
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweeps. Sweeps stop when ctx is cancelled
// or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts background sweeps and waits for them to finish
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Get returns the cached payload for the key if present, unexpired, and at
// least as fresh as required. A value present but too stale for the request
// is a miss but is not deleted; a looser request may still use it.
func (m *Manager) Get(ctx context.Context, namespace, key string, minFreshness Freshness) ([]byte, bool) {
	identifier := Identifier(namespace, key)

	entry, err := m.store.Get(ctx, namespace, key)
	if err != nil {
		if err != ErrNotFound {
			// Backend trouble is not the caller's problem; degrade to a miss.
			m.logger.Warn("Cache backend error, treating as miss", map[string]interface{}{
				"key":   identifier,
				"error": err.Error(),
			})
			m.metrics.IncrementCounterWithLabels("cache.backend.errors", 1, map[string]string{"op": "get"})
		}
		m.recordMiss(identifier)
		return nil, false
	}

	now := time.Now()
	if entry.Meta.Expired(now) {
		m.recordMiss(identifier)
		return nil, false
	}

	actual := ClassifyAge(entry.Meta.Age(now))
	if !Meets(actual, minFreshness) {
		m.metrics.IncrementCounterWithLabels("cache.freshness.rejected", 1, map[string]string{
			"actual":   actual.String(),
			"required": minFreshness.String(),
		})
		m.recordMiss(identifier)
		return nil, false
	}

	m.mu.Lock()
	if idx, ok := m.index[identifier]; ok {
		idx.meta.AccessCount = entry.Meta.AccessCount
	}
	m.hits++
	m.mu.Unlock()

	m.analyzer.Record(identifier, true, 0)
	m.metrics.IncrementCounterWithLabels("cache.hits", 1, map[string]string{"namespace": namespace})
	return entry.Payload, true
}

// Set writes a payload through to the backing store, deriving the TTL
// adaptively unless opts.TTL is explicit. Writes that would exceed the
// memory budget evict existing entries first. Backend errors are absorbed:
// the system degrades to "no cache" rather than failing the caller.
func (m *Manager) Set(ctx context.Context, namespace, key string, payload []byte, opts SetOptions) error {
	identifier := Identifier(namespace, key)
	size := int64(len(payload))
	now := time.Now()

	if opts.Strategy == "" {
		opts.Strategy = StrategyAdaptive
	}
	if opts.Priority < MinPriority {
		opts.Priority = MinPriority
	} else if opts.Priority > MaxPriority {
		opts.Priority = MaxPriority
	}

	var stats *PatternStats
	if snapshot, ok := m.analyzer.Lookup(identifier); ok {
		stats = &snapshot
	}
	ttl := m.ttlCalc.TTLFor(m.config.DefaultTTL, opts.TTL, opts.Strategy, stats, size)

	m.ensureCapacity(ctx, identifier, size)

	meta := Meta{
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		SizeBytes: size,
		Priority:  opts.Priority,
		Strategy:  opts.Strategy,
	}

	if err := m.store.Set(ctx, namespace, key, payload, meta); err != nil {
		m.logger.Warn("Cache backend error, write skipped", map[string]interface{}{
			"key":   identifier,
			"error": err.Error(),
		})
		m.metrics.IncrementCounterWithLabels("cache.backend.errors", 1, map[string]string{"op": "set"})
		return nil
	}

	m.mu.Lock()
	if old, ok := m.index[identifier]; ok {
		m.usage -= old.meta.SizeBytes
	}
	m.seq++
	m.index[identifier] = &indexEntry{meta: meta, seq: m.seq}
	m.usage += size
	m.mu.Unlock()

	m.analyzer.Record(identifier, false, opts.FetchLatency)
	m.metrics.IncrementCounterWithLabels("cache.writes", 1, map[string]string{"namespace": namespace})
	return nil
}

// Invalidate removes an entry from the store and the eviction index
func (m *Manager) Invalidate(ctx context.Context, namespace, key string) {
	identifier := Identifier(namespace, key)
	if err := m.store.Delete(ctx, namespace, key); err != nil {
		m.logger.Warn("Cache backend error on invalidate", map[string]interface{}{
			"key":   identifier,
			"error": err.Error(),
		})
		m.metrics.IncrementCounterWithLabels("cache.backend.errors", 1, map[string]string{"op": "delete"})
	}
	m.dropFromIndex(identifier)
}

// ensureCapacity evicts entries, highest composite score first, until the
// incoming write fits within the memory budget.
func (m *Manager) ensureCapacity(ctx context.Context, incomingID string, incoming int64) {
	now := time.Now()

	m.mu.Lock()
	projected := m.usage + incoming
	if old, ok := m.index[incomingID]; ok {
		projected -= old.meta.SizeBytes
	}
	if projected <= m.config.MemoryBudget {
		m.mu.Unlock()
		return
	}

	// Snapshot candidates in insertion order so stable ranking breaks
	// score ties by insertion.
	candidates := make([]candidate, 0, len(m.index))
	order := make([]string, 0, len(m.index))
	for id := range m.index {
		order = append(order, id)
	}
	sortBySeq(order, m.index)
	for _, id := range order {
		if id == incomingID {
			continue
		}
		idx := m.index[id]
		ns, key := splitIdentifier(id)
		candidates = append(candidates, candidate{
			namespace: ns,
			key:       key,
			size:      idx.meta.SizeBytes,
			score:     m.scorer.Score(idx.meta, now),
		})
	}
	m.mu.Unlock()

	rank(candidates)

	toFree := projected - m.config.MemoryBudget
	freed := int64(0)
	evicted := 0
	for _, c := range candidates {
		if freed >= toFree {
			break
		}
		if err := m.store.Delete(ctx, c.namespace, c.key); err != nil {
			m.logger.Warn("Eviction delete failed", map[string]interface{}{
				"key":   Identifier(c.namespace, c.key),
				"error": err.Error(),
			})
			continue
		}
		m.dropFromIndex(Identifier(c.namespace, c.key))
		freed += c.size
		evicted++
	}

	if evicted > 0 {
		m.logger.Info("Evicted entries for capacity", map[string]interface{}{
			"evicted":     evicted,
			"freed_bytes": freed,
		})
		m.metrics.IncrementCounterWithLabels("cache.evictions", float64(evicted), nil)
	}
}

func (m *Manager) dropFromIndex(identifier string) {
	m.mu.Lock()
	if idx, ok := m.index[identifier]; ok {
		m.usage -= idx.meta.SizeBytes
		delete(m.index, identifier)
	}
	m.mu.Unlock()
}

func (m *Manager) recordMiss(identifier string) {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	m.analyzer.Record(identifier, false, 0)
	m.metrics.IncrementCounterWithLabels("cache.misses", 1, nil)
}

// sweepLoop prunes stale query patterns and drops expired entries from the
// eviction index on a fixed interval. The last sweep may simply not
// complete at shutdown; state stays consistent either way.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PatternSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.analyzer.Prune(now)
			m.sweepExpired(now)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired(now time.Time) {
	m.mu.Lock()
	for id, idx := range m.index {
		if idx.meta.Expired(now) {
			m.usage -= idx.meta.SizeBytes
			delete(m.index, id)
		}
	}
	m.mu.Unlock()
}

// Stats is a point-in-time snapshot of manager state
type Stats struct {
	Hits         int64
	Misses       int64
	Entries      int
	UsageBytes   int64
	BudgetBytes  int64
	PatternCount int
}

// Stats returns a snapshot of hit/miss counts and memory accounting
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Hits:        m.hits,
		Misses:      m.misses,
		Entries:     len(m.index),
		UsageBytes:  m.usage,
		BudgetBytes: m.config.MemoryBudget,
	}
	m.mu.Unlock()
	s.PatternCount = m.analyzer.Size()
	return s
}

// Usage returns the currently tracked byte usage
func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

func newTestManager(t *testing.T, config ManagerConfig) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", observability.NewNoopLogger())
	manager := NewManager(store, config, observability.NewNoopLogger(), nil)
	t.Cleanup(func() { _ = store.Close() })
	return manager, mr
}

func TestManagerSetGet(t *testing.T) {
	manager, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "filings", "entity/1", []byte("payload"), SetOptions{}))

	payload, ok := manager.Get(ctx, "filings", "entity/1", FreshnessRealTime)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), payload)

	stats := manager.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(7), stats.UsageBytes)
}

func TestManagerGetMiss(t *testing.T) {
	manager, _ := newTestManager(t, DefaultManagerConfig())

	_, ok := manager.Get(context.Background(), "filings", "absent", FreshnessExpired)
	assert.False(t, ok)
	assert.Equal(t, int64(1), manager.Stats().Misses)
}

func TestManagerServesFreshEntry(t *testing.T) {
	manager, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "filings", "recent", []byte("v"), SetOptions{TTL: 2 * time.Hour}))

	payload, ok := manager.Get(ctx, "filings", "recent", FreshnessRealTime)
	require.True(t, ok, "a just-written entry satisfies the strictest bucket")
	assert.Equal(t, []byte("v"), payload)
}

func TestManagerTooStaleIsMissButNotDeleted(t *testing.T) {
	manager, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	// Write an entry whose metadata says it was created 10 minutes ago.
	now := time.Now()
	meta := Meta{
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(time.Hour),
		SizeBytes: 1,
		Priority:  1,
		Strategy:  StrategyAdaptive,
	}
	require.NoError(t, manager.store.Set(ctx, "filings", "old", []byte("v"), meta))

	// 10 minutes is the recent bucket; a fresh requirement rejects it.
	_, ok := manager.Get(ctx, "filings", "old", FreshnessFresh)
	assert.False(t, ok)

	// A looser requirement still serves the same entry.
	payload, ok := manager.Get(ctx, "filings", "old", FreshnessRecent)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), payload)
}

func TestManagerExpiredEntryIsMiss(t *testing.T) {
	manager, mr := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "filings", "short", []byte("v"), SetOptions{TTL: time.Minute}))
	mr.FastForward(2 * time.Minute)

	_, ok := manager.Get(ctx, "filings", "short", FreshnessExpired)
	assert.False(t, ok)
}

func TestManagerEvictsWithinBudget(t *testing.T) {
	config := DefaultManagerConfig()
	config.MemoryBudget = 100
	manager, _ := newTestManager(t, config)
	ctx := context.Background()

	payload := make([]byte, 40)
	for i := 0; i < 3; i++ {
		require.NoError(t, manager.Set(ctx, "filings", fmt.Sprintf("k%d", i), payload, SetOptions{}))
	}

	assert.LessOrEqual(t, manager.Usage(), int64(100),
		"usage must not exceed the budget after writes")
	assert.Equal(t, 2, manager.Stats().Entries)

	// The oldest cold entry went first.
	_, ok := manager.Get(ctx, "filings", "k0", FreshnessExpired)
	assert.False(t, ok)
	_, ok = manager.Get(ctx, "filings", "k2", FreshnessExpired)
	assert.True(t, ok)
}

func TestManagerEvictionPrefersLowPriority(t *testing.T) {
	config := DefaultManagerConfig()
	config.MemoryBudget = 100
	manager, _ := newTestManager(t, config)
	ctx := context.Background()

	payload := make([]byte, 40)
	require.NoError(t, manager.Set(ctx, "filings", "important", payload, SetOptions{Priority: 5}))
	require.NoError(t, manager.Set(ctx, "filings", "disposable", payload, SetOptions{Priority: 1}))
	require.NoError(t, manager.Set(ctx, "filings", "incoming", payload, SetOptions{Priority: 3}))

	_, ok := manager.Get(ctx, "filings", "important", FreshnessExpired)
	assert.True(t, ok, "high-priority entry survives")
	_, ok = manager.Get(ctx, "filings", "disposable", FreshnessExpired)
	assert.False(t, ok, "low-priority entry is evicted first")
}

func TestManagerBackendDownDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", observability.NewNoopLogger())
	manager := NewManager(store, DefaultManagerConfig(), observability.NewNoopLogger(), nil)
	mr.Close()

	ctx := context.Background()
	_, ok := manager.Get(ctx, "filings", "k", FreshnessExpired)
	assert.False(t, ok, "backend errors read as misses")

	assert.NoError(t, manager.Set(ctx, "filings", "k", []byte("v"), SetOptions{}),
		"backend errors never fail the writer")
}

func TestManagerAdaptiveTTLUsesPatternStats(t *testing.T) {
	manager, mr := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	// Drive the template hot: 12 accesses against the same shape.
	for i := 0; i < 12; i++ {
		manager.Get(ctx, "filings", fmt.Sprintf("page/%d", i), FreshnessExpired)
	}

	require.NoError(t, manager.Set(ctx, "filings", "page/99", []byte("v"), SetOptions{}))

	// Default TTL is 1h; a hot pattern doubles it.
	ttl := mr.TTL("test:filings:page/99")
	assert.Greater(t, ttl, time.Hour, "hot patterns outlive the base TTL")
	assert.LessOrEqual(t, ttl, 2*time.Hour)
}

func TestManagerInvalidate(t *testing.T) {
	manager, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "filings", "k", []byte("v"), SetOptions{}))
	manager.Invalidate(ctx, "filings", "k")

	_, ok := manager.Get(ctx, "filings", "k", FreshnessExpired)
	assert.False(t, ok)
	assert.Zero(t, manager.Usage())
}

func TestManagerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", observability.NewNoopLogger())

	config := DefaultManagerConfig()
	config.PatternSweepEvery = 10 * time.Millisecond
	manager := NewManager(store, config, observability.NewNoopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)

	require.NoError(t, manager.Set(ctx, "filings", "k", []byte("v"), SetOptions{TTL: time.Minute}))
	time.Sleep(30 * time.Millisecond)

	cancel()
	manager.Stop()
	require.NoError(t, store.Close())
}

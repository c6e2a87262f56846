package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func testMeta(ttl time.Duration) Meta {
	now := time.Now()
	return Meta{
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		SizeBytes: 5,
		Priority:  2,
		Strategy:  StrategyAdaptive,
	}
}

func TestRedisStoreSetGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := testMeta(time.Hour)
	require.NoError(t, store.Set(ctx, "filings", "entity/1", []byte("hello"), meta))

	entry, err := store.Get(ctx, "filings", "entity/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entry.Payload)
	assert.Equal(t, "filings", entry.Namespace)
	assert.Equal(t, "entity/1", entry.Key)
	assert.Equal(t, int64(5), entry.Meta.SizeBytes)
	assert.Equal(t, 2, entry.Meta.Priority)
	assert.Equal(t, StrategyAdaptive, entry.Meta.Strategy)
	assert.WithinDuration(t, meta.ExpiresAt, entry.Meta.ExpiresAt, time.Millisecond)
}

func TestRedisStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "filings", "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreAccessCountIncrements(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "filings", "hot", []byte("v"), testMeta(time.Hour)))

	for want := int64(1); want <= 3; want++ {
		entry, err := store.Get(ctx, "filings", "hot")
		require.NoError(t, err)
		assert.Equal(t, want, entry.Meta.AccessCount)
	}
}

func TestRedisStoreLastWriteWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := testMeta(time.Hour)
	first.SizeBytes = 5
	require.NoError(t, store.Set(ctx, "filings", "k", []byte("first"), first))

	// Bump the access count so we can see the rewrite reset it.
	_, err := store.Get(ctx, "filings", "k")
	require.NoError(t, err)

	second := testMeta(time.Hour)
	second.SizeBytes = 6
	require.NoError(t, store.Set(ctx, "filings", "k", []byte("second"), second))

	entry, err := store.Get(ctx, "filings", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), entry.Payload)
	assert.Equal(t, int64(6), entry.Meta.SizeBytes)
	assert.Equal(t, int64(1), entry.Meta.AccessCount, "rewrite replaces metadata wholesale")
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "filings", "short", []byte("v"), testMeta(time.Minute)))

	_, err := store.Get(ctx, "filings", "short")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, "filings", "short")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("test:meta:filings:short"), "metadata expires with the payload")
}

func TestRedisStoreSetRejectsPastExpiry(t *testing.T) {
	store, _ := newTestStore(t)

	meta := testMeta(time.Hour)
	meta.ExpiresAt = time.Now().Add(-time.Second)
	err := store.Set(context.Background(), "filings", "k", []byte("v"), meta)
	assert.Error(t, err)
}

func TestRedisStoreDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "filings", "k", []byte("v"), testMeta(time.Hour)))
	require.NoError(t, store.Delete(ctx, "filings", "k"))

	_, err := store.Get(ctx, "filings", "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists("test:filings:k"))
	assert.False(t, mr.Exists("test:meta:filings:k"))
}

func TestRedisStoreBackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", nil)
	mr.Close()

	_, err := store.Get(context.Background(), "filings", "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound, "transport failures are not misses at the store level")
}

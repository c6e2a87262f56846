package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
)

// Store is the key/value contract against the durable backend. Implementations
// persist the payload and a metadata sidecar as one logical unit with a TTL.
type Store interface {
	Get(ctx context.Context, namespace, key string) (*Entry, error)
	Set(ctx context.Context, namespace, key string, payload []byte, meta Meta) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// RedisStore implements Store against Redis. The payload lives under the
// entry key with a native expiry; metadata lives in a hash sidecar under a
// parallel key with the same expiry, so both vanish together.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
}

// RedisStoreConfig configures the Redis backend
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore creates a Redis-backed store. The connection is verified
// lazily on first use; an unreachable backend degrades to cache misses at
// the manager level rather than failing construction.
func NewRedisStore(cfg RedisStoreConfig, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NewLogger("cache.redis")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		logger: logger,
	}
}

// NewRedisStoreWithClient creates a store around an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NewLogger("cache.redis")
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) dataKey(namespace, key string) string {
	return s.prefix + Identifier(namespace, key)
}

func (s *RedisStore) metaKey(namespace, key string) string {
	return s.prefix + "meta:" + Identifier(namespace, key)
}

// Get retrieves a payload and its metadata, incrementing the access count
// on a hit. Returns ErrNotFound when the key is absent or expired.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	dataKey := s.dataKey(namespace, key)
	metaKey := s.metaKey(namespace, key)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, dataKey)
	metaCmd := pipe.HGetAll(ctx, metaKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("cache get failed for %s: %w", dataKey, err)
	}

	payload, err := getCmd.Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache get failed for %s: %w", dataKey, err)
	}

	meta, err := decodeMeta(metaCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("cache metadata corrupt for %s: %w", metaKey, err)
	}

	// Access accounting is best effort; the read already succeeded.
	count, err := s.client.HIncrBy(ctx, metaKey, "access_count", 1).Result()
	if err == nil {
		meta.AccessCount = count
	} else {
		meta.AccessCount++
	}

	return &Entry{
		Namespace: namespace,
		Key:       key,
		Payload:   payload,
		Meta:      meta,
	}, nil
}

// Set stores a payload and its metadata with the entry's TTL. Set is
// last-write-wins: a second write for the same key fully replaces payload
// and metadata.
func (s *RedisStore) Set(ctx context.Context, namespace, key string, payload []byte, meta Meta) error {
	ttl := time.Until(meta.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("cache set for %s: expiry %s is not in the future", key, meta.ExpiresAt)
	}

	dataKey := s.dataKey(namespace, key)
	metaKey := s.metaKey(namespace, key)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dataKey, payload, ttl)
	pipe.Del(ctx, metaKey)
	pipe.HSet(ctx, metaKey, encodeMeta(meta))
	pipe.Expire(ctx, metaKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set failed for %s: %w", dataKey, err)
	}
	return nil
}

// Delete removes a payload and its metadata
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, s.dataKey(namespace, key), s.metaKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("cache delete failed for %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies backend connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encodeMeta(meta Meta) map[string]interface{} {
	return map[string]interface{}{
		"created_at":   meta.CreatedAt.UnixNano(),
		"expires_at":   meta.ExpiresAt.UnixNano(),
		"size_bytes":   meta.SizeBytes,
		"access_count": meta.AccessCount,
		"priority":     meta.Priority,
		"strategy":     string(meta.Strategy),
	}
}

func decodeMeta(fields map[string]string) (Meta, error) {
	var meta Meta
	if len(fields) == 0 {
		return meta, fmt.Errorf("metadata hash is empty")
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return meta, fmt.Errorf("bad created_at %q: %w", fields["created_at"], err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return meta, fmt.Errorf("bad expires_at %q: %w", fields["expires_at"], err)
	}
	sizeBytes, _ := strconv.ParseInt(fields["size_bytes"], 10, 64)
	accessCount, _ := strconv.ParseInt(fields["access_count"], 10, 64)
	priority, _ := strconv.Atoi(fields["priority"])

	meta.CreatedAt = time.Unix(0, createdAt)
	meta.ExpiresAt = time.Unix(0, expiresAt)
	meta.SizeBytes = sizeBytes
	meta.AccessCount = accessCount
	meta.Priority = priority
	meta.Strategy = Strategy(fields["strategy"])
	return meta, nil
}

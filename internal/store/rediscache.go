package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/loom/internal/graph"
)

// RedisCache implements CacheStore on Redis. Entries are stored as one
// JSON value per key with the TTL pushed down to Redis, so expiry works
// even when this process is not running.
type RedisCache struct {
	client *redis.Client
}

var _ CacheStore = (*RedisCache)(nil)

// redisEntry is the stored form. ExpiresAt rides along so Get can hand
// back the same entry that was put, not just the value bytes.
type redisEntry struct {
	Value        []byte `json:"value"`
	VersionStamp int64  `json:"version_stamp"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// OpenRedisCache connects using a redis:// or rediss:// URL.
func OpenRedisCache(ctx context.Context, dsn string) (*RedisCache, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("open redis cache: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("open redis cache: ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*graph.CacheEntry, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	var stored redisEntry
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("cache get %s: decode: %w", key, err)
	}

	entry := graph.CacheEntry{
		Key:          key,
		Value:        stored.Value,
		VersionStamp: stored.VersionStamp,
	}
	if stored.ExpiresAt != 0 {
		entry.ExpiresAt = time.Unix(0, stored.ExpiresAt).UTC()
	}
	return &entry, nil
}

func (c *RedisCache) Put(ctx context.Context, entry graph.CacheEntry) error {
	stored := redisEntry{
		Value:        entry.Value,
		VersionStamp: entry.VersionStamp,
	}
	if !entry.ExpiresAt.IsZero() {
		stored.ExpiresAt = entry.ExpiresAt.UnixNano()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache put %s: encode: %w", entry.Key, err)
	}

	if entry.ExpiresAt.IsZero() {
		if err := c.client.Set(ctx, entry.Key, payload, 0).Err(); err != nil {
			return fmt.Errorf("cache put %s: %w", entry.Key, err)
		}
		return nil
	}

	err = c.client.SetArgs(ctx, entry.Key, payload, redis.SetArgs{ExpireAt: entry.ExpiresAt}).Err()
	if err != nil {
		return fmt.Errorf("cache put %s: %w", entry.Key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

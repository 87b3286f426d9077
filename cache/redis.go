package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the Redis backend of the document cache, for deployments
// that already run Redis instead of memcached. Semantics are identical to
// the memcached backend: JSON values, no expiration, advisory only.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a document cache backed by the Redis server at
// host:port.
func NewRedisCache(host string, port int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
		}),
	}
}

// Get fetches the cached view for a key, with ok=false on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (CachedDocument, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return CachedDocument{}, false, nil
	}
	if err != nil {
		return CachedDocument{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var doc CachedDocument
	if err := json.Unmarshal(value, &doc); err != nil {
		return CachedDocument{}, false, fmt.Errorf("failed to decode cached document: %w", err)
	}

	return doc, true, nil
}

// Set stores the cached view for a key with no expiration.
func (c *RedisCache) Set(ctx context.Context, key string, doc CachedDocument) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cached document: %w", err)
	}

	if err := c.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

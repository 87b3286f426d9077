package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcacheCache is the memcached backend of the document cache. Documents
// are stored as JSON with no expiration.
type MemcacheCache struct {
	client *memcache.Client
}

// NewMemcacheCache creates a document cache backed by the memcached server
// at host:port.
func NewMemcacheCache(host string, port int) *MemcacheCache {
	return &MemcacheCache{
		client: memcache.New(fmt.Sprintf("%s:%d", host, port)),
	}
}

// Get fetches the cached view for a key. A missing key is an ordinary miss;
// any other backend error is surfaced so the caller can log it, but callers
// treat every error as a miss since the cache is advisory.
func (c *MemcacheCache) Get(_ context.Context, key string) (CachedDocument, bool, error) {
	item, err := c.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return CachedDocument{}, false, nil
	}
	if err != nil {
		return CachedDocument{}, false, fmt.Errorf("memcache get failed: %w", err)
	}

	var doc CachedDocument
	if err := json.Unmarshal(item.Value, &doc); err != nil {
		return CachedDocument{}, false, fmt.Errorf("failed to decode cached document: %w", err)
	}

	return doc, true, nil
}

// Set stores the cached view for a key, overwriting any previous value.
func (c *MemcacheCache) Set(_ context.Context, key string, doc CachedDocument) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cached document: %w", err)
	}

	if err := c.client.Set(&memcache.Item{Key: key, Value: value}); err != nil {
		return fmt.Errorf("memcache set failed: %w", err)
	}

	return nil
}

// Close is a no-op; the memcached client holds no persistent connection
// state worth tearing down.
func (c *MemcacheCache) Close() error {
	return nil
}

package cache

import (
	"context"
	"sync"
)

// MockCache is an in-memory DocumentCache for tests. It records call counts
// and can be forced to error.
type MockCache struct {
	mu   sync.Mutex
	docs map[string]CachedDocument

	// Errors to return from operations
	GetErr error
	SetErr error

	// Track function calls
	GetCalls int
	SetCalls int
}

// NewMockCache creates an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{docs: make(map[string]CachedDocument)}
}

// Get returns the stored document for key, if any.
func (c *MockCache) Get(_ context.Context, key string) (CachedDocument, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.GetCalls++
	if c.GetErr != nil {
		return CachedDocument{}, false, c.GetErr
	}

	doc, ok := c.docs[key]
	return doc, ok, nil
}

// Set stores the document for key.
func (c *MockCache) Set(_ context.Context, key string, doc CachedDocument) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.SetCalls++
	if c.SetErr != nil {
		return c.SetErr
	}

	c.docs[key] = doc
	return nil
}

// Close is a no-op.
func (c *MockCache) Close() error {
	return nil
}

// Stored returns the document currently cached under key, for assertions.
func (c *MockCache) Stored(key string) (CachedDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[key]
	return doc, ok
}

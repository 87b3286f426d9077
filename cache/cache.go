// Package cache provides the shared document cache the receiver workers use
// to avoid store round-trips when deciding whether a bucket document or one
// of its value arrays already exists. The cache is advisory: a stale entry
// costs an extra store read but never produces an incorrect write, so every
// backend is free to drop keys at any time.
//
// Two backends are provided, memcached (the default) and Redis, behind one
// DocumentCache interface, plus an in-memory mock for tests.
package cache

import "context"

// CachedDocument is the cached view of one bucket document: its window, its
// interval, and the value-type names known to exist on it.
type CachedDocument struct {
	Start    int64           `json:"start"`
	End      int64           `json:"end"`
	Interval int64           `json:"interval"`
	Values   map[string]bool `json:"values"`
}

// DocumentCache is the advisory key-value cache shared by all workers.
// Get misses return ok=false; Set overwrites unconditionally. No TTL is
// assumed.
type DocumentCache interface {
	// Get fetches the cached view for a key, with ok=false on a miss.
	Get(ctx context.Context, key string) (CachedDocument, bool, error)

	// Set stores the cached view for a key, overwriting any previous value.
	Set(ctx context.Context, key string, doc CachedDocument) error

	// Close releases the backend connection.
	Close() error
}

// Key builds the cache key for a measurement: the concatenation of its type
// and identifier.
func Key(ptype, identifier string) string {
	return ptype + identifier
}

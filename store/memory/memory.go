package memory

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCleanupInterval is how often expired entries are purged.
const DefaultCleanupInterval = 10 * time.Minute

// Store is a thread-safe in-memory implementation of session.Store.
// Entries expire after their TTL, like browser cookies.
// Suitable for single-process clients and testing - values are lost on restart.
type Store struct {
	cache *gocache.Cache
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{cache: gocache.New(gocache.NoExpiration, DefaultCleanupInterval)}
}

// Get returns the value for key if present and not expired.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Set stores value under key for ttl. A ttl of zero or less never expires.
func (s *Store) Set(key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.cache.Set(key, value, ttl)
	return nil
}

// Delete removes a key.
func (s *Store) Delete(key string) {
	s.cache.Delete(key)
}

// Count returns the number of entries currently stored,
// which may include expired ones not yet purged.
func (s *Store) Count() int {
	return s.cache.ItemCount()
}

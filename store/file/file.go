package file

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// record is the JSON structure persisted to disk for each entry.
type record struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is a file-backed implementation of session.Store - a cookie jar
// that survives client restarts. Entries carry an absolute expiry and are
// dropped once it passes.
// Not suitable for several processes sharing one file.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]record
	now     func() time.Time
}

// New creates a file-backed store at the given path.
// If the file exists, entries are loaded from it on startup; expired ones
// are discarded. If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{
		path:    path,
		entries: make(map[string]record),
		now:     time.Now,
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load cookies from %s: %w", path, err)
	}

	return s, nil
}

// Get returns the value for key if present and not expired.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[key]
	if !ok || r.expired(s.now()) {
		return "", false
	}
	return r.Value, true
}

// Set stores value under key for ttl and flushes to disk.
// A ttl of zero or less never expires.
func (s *Store) Set(key, value string, ttl time.Duration) error {
	r := record{Key: key, Value: value}
	if ttl > 0 {
		r.ExpiresAt = s.now().Add(ttl).UTC()
	}

	s.mu.Lock()
	s.entries[key] = r
	err := s.flush()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

// Delete removes a key and flushes to disk.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	err := s.flush()
	s.mu.Unlock()
	return err
}

// Count returns the number of live entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, r := range s.entries {
		if !r.expired(now) {
			n++
		}
	}
	return n
}

// load reads entries from the JSON file into memory.
// Called once at startup. If the file doesn't exist, returns nil - empty store.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh start, no file yet
	}
	if err != nil {
		return err
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	now := s.now()
	for _, r := range records {
		if r.expired(now) {
			continue
		}
		s.entries[r.Key] = r
	}
	return nil
}

// flush writes the live entries to the JSON file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	now := s.now()
	records := make([]record, 0, len(s.entries))
	for key, r := range s.entries {
		if r.expired(now) {
			delete(s.entries, key)
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	// write to a temp file then rename - atomic on most systems
	// prevents corrupt file if process crashes mid-write
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

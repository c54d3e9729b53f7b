package store

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// entry is one versioned record. A zero expiry means the record never
// expires.
type entry struct {
	value   []byte
	version int64
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// InMemoryStore is a volatile StateStore implementation storing versioned
// records in a process-local map. It is safe for concurrent access and best
// suited for tests or single-process deployments. Values are copied on read
// and write to prevent external mutation of internal state.
//
// Expired records are dropped lazily on access and by Sweep, which callers
// may run periodically.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewInMemoryStore constructs an empty in-memory state store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*entry), now: time.Now}
}

// Get returns the record and whether it exists.
func (s *InMemoryStore) Get(_ context.Context, key string) (core.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return core.Record{}, false, nil
	}
	return core.Record{Key: key, Value: cloneBytes(e.value), Version: e.version}, true, nil
}

// Put writes the value unconditionally, returning the new version.
func (s *InMemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value, ttl), nil
}

// CompareAndSwap writes the value only when the current version matches.
// expectedVersion 0 means create-if-absent. Returns core.ErrVersionMismatch
// on concurrent modification.
func (s *InMemoryStore) CompareAndSwap(_ context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if ok && e.expired(s.now()) {
		delete(s.entries, key)
		ok = false
	}
	current := int64(0)
	if ok {
		current = e.version
	}
	if current != expectedVersion {
		return 0, core.ErrVersionMismatch
	}
	return s.putLocked(key, value, 0), nil
}

// Delete removes the record. Deleting a missing key is not an error.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// List returns the records whose keys start with prefix. Used by components
// rebuilding their in-memory caches after a restart.
func (s *InMemoryStore) List(_ context.Context, prefix string) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var records []core.Record
	for key, e := range s.entries {
		if e.expired(now) || len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		records = append(records, core.Record{Key: key, Value: cloneBytes(e.value), Version: e.version})
	}
	return records, nil
}

// Sweep drops expired records and reports how many were removed.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// putLocked stores a copy of the value, bumping the version; caller must
// already hold the write lock.
func (s *InMemoryStore) putLocked(key string, value []byte, ttl time.Duration) int64 {
	version := int64(1)
	if prev, ok := s.entries[key]; ok {
		version = prev.version + 1
	}
	e := &entry{value: cloneBytes(value), version: version}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key] = e
	return version
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package sagex

import (
	"sync"
	"sync/atomic"
	"time"
)

// CacheEntry holds one cached payload together with the version tag the
// server issued for it and the time it was fetched.
type CacheEntry struct {
	Key       string
	Version   string
	Payload   []byte
	FetchedAt time.Time
}

// CacheStore keeps the most recent payload per key. It has a single writer
// (the fetch path) and any number of readers; entries are replaced as whole
// values under the lock, so a reader never observes a half-written entry.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// NewCacheStore creates a store whose entries stay fresh for at most ttl
// after their fetch time. A zero ttl disables the time bound; freshness then
// depends on the version tag alone.
func NewCacheStore(ttl time.Duration) *CacheStore {
	return &CacheStore{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the entry for key, if any.
func (s *CacheStore) Get(key string) (CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return entry, ok
}

// Put stores payload under key, replacing any previous entry atomically.
func (s *CacheStore) Put(key, version string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = CacheEntry{
		Key:       key,
		Version:   version,
		Payload:   payload,
		FetchedAt: s.now(),
	}
}

// IsFresh reports whether the entry for key matches observedVersion and, when
// a TTL is configured, is still within it.
func (s *CacheStore) IsFresh(key, observedVersion string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if entry.Version != observedVersion {
		return false
	}
	if s.ttl > 0 && s.now().Sub(entry.FetchedAt) > s.ttl {
		return false
	}
	return true
}

// Invalidate drops the entry for key, forcing the next fetch to go to the
// server unconditionally.
func (s *CacheStore) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Stats returns the hit and miss counters.
func (s *CacheStore) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

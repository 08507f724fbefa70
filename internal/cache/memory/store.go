package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type EvictionPolicy string

const (
	EvictLRU EvictionPolicy = "lru"
	EvictTTL EvictionPolicy = "ttl"
)

// Entry is an immutable cached value. Value is never mutated after Set, so a
// reader either sees the whole previous entry or the whole new one.
type Entry struct {
	Value       []byte
	ContentType string
	StoredAt    time.Time
	TTL         time.Duration
}

func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Expired reports whether the entry is past stored_at + ttl.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining is the TTL left at now, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	left := e.ExpiresAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

type Stats struct {
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// Store is the in-process cache tier. It never returns errors to callers:
// when full it evicts by the configured policy.
type Store struct {
	mu          sync.Mutex
	lru         *simplelru.LRU[string, Entry]
	capacity    int
	policy      EvictionPolicy
	now         func() time.Time
	evictions   uint64
	expirations uint64
}

func New(capacity int, policy EvictionPolicy, now func() time.Time) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory cache capacity must be positive, got %d", capacity)
	}
	switch policy {
	case "":
		policy = EvictLRU
	case EvictLRU, EvictTTL:
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", policy)
	}
	if now == nil {
		now = time.Now
	}

	lru, err := simplelru.NewLRU[string, Entry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	return &Store{
		lru:      lru,
		capacity: capacity,
		policy:   policy,
		now:      now,
	}, nil
}

func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		entry Entry
		ok    bool
	)
	if s.policy == EvictLRU {
		entry, ok = s.lru.Get(key)
	} else {
		entry, ok = s.lru.Peek(key)
	}
	if !ok {
		return Entry{}, false
	}
	if entry.Expired(s.now()) {
		s.lru.Remove(key)
		s.expirations++
		return Entry{}, false
	}
	return entry, true
}

// Set stores the entry. Entries with a non-positive TTL are not stored and
// any previous value for the key is dropped.
func (s *Store) Set(key string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.TTL <= 0 {
		s.lru.Remove(key)
		return
	}

	if !s.lru.Contains(key) && s.lru.Len() >= s.capacity {
		s.makeRoom()
	}

	if evicted := s.lru.Add(key, entry); evicted {
		s.evictions++
	}
}

// makeRoom frees one slot. Expired entries go first under either policy; the
// TTL policy then evicts the entry closest to expiry, ties broken by age.
func (s *Store) makeRoom() {
	if s.purgeExpiredLocked() > 0 {
		return
	}
	if s.policy != EvictTTL {
		return
	}

	var (
		victim   string
		earliest time.Time
		found    bool
	)
	for _, key := range s.lru.Keys() {
		entry, _ := s.lru.Peek(key)
		if !found || entry.ExpiresAt().Before(earliest) {
			victim, earliest, found = key, entry.ExpiresAt(), true
		}
	}
	if found {
		s.lru.Remove(victim)
		s.evictions++
	}
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lru.Remove(key)
}

func (s *Store) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.purgeExpiredLocked()
}

func (s *Store) purgeExpiredLocked() int {
	now := s.now()
	removed := 0
	for _, key := range s.lru.Keys() {
		entry, ok := s.lru.Peek(key)
		if ok && entry.Expired(now) {
			s.lru.Remove(key)
			removed++
		}
	}
	s.expirations += uint64(removed)
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lru.Len()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Entries:     s.lru.Len(),
		Capacity:    s.capacity,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
}

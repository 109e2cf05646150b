package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Prefetch cache bounds.
const (
	PrefetchCapacity = 1000
	PrefetchTTL      = 5 * time.Minute
)

type prefetchEntry struct {
	value    any
	storedAt time.Time
	hits     int64
}

// Prefetch is a bounded read cache keyed by entity id. Entries expire after
// the TTL; eviction on overflow removes the entry with the fewest
// accumulated hits (frequency-based, not recency-based).
type Prefetch struct {
	mu       sync.Mutex
	entries  map[string]*prefetchEntry
	capacity int
	ttl      time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewPrefetch returns a cache bounded at capacity entries with the given
// TTL. Zero values fall back to the defaults.
func NewPrefetch(capacity int, ttl time.Duration) *Prefetch {
	if capacity <= 0 {
		capacity = PrefetchCapacity
	}
	if ttl <= 0 {
		ttl = PrefetchTTL
	}
	return &Prefetch{
		entries:  make(map[string]*prefetchEntry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Get returns the cached value and bumps its hit counter. Expired entries
// are dropped on access.
func (p *Prefetch) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		p.misses.Add(1)
		return nil, false
	}
	if time.Since(e.storedAt) > p.ttl {
		delete(p.entries, key)
		p.misses.Add(1)
		return nil, false
	}
	e.hits++
	p.hits.Add(1)
	return e.value, true
}

// Put stores a value. When the cache is full and the key is new, the entry
// with the minimum hit count is evicted first.
func (p *Prefetch) Put(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; !exists && len(p.entries) >= p.capacity {
		p.evictLeastUsedLocked()
	}
	p.entries[key] = &prefetchEntry{value: value, storedAt: time.Now()}
}

func (p *Prefetch) evictLeastUsedLocked() {
	var victim string
	minHits := int64(-1)
	for k, e := range p.entries {
		if minHits < 0 || e.hits < minHits {
			minHits = e.hits
			victim = k
		}
	}
	if victim != "" {
		delete(p.entries, victim)
	}
}

// Invalidate drops an entry, if present.
func (p *Prefetch) Invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Clear empties the cache. Counters are kept.
func (p *Prefetch) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*prefetchEntry, p.capacity)
}

// PurgeExpired drops every entry past its TTL and returns how many went.
func (p *Prefetch) PurgeExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	purged := 0
	for k, e := range p.entries {
		if time.Since(e.storedAt) > p.ttl {
			delete(p.entries, k)
			purged++
		}
	}
	return purged
}

// Len returns the number of live entries.
func (p *Prefetch) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Hits returns the total cache hits since startup.
func (p *Prefetch) Hits() int64 { return p.hits.Load() }

// Misses returns the total cache misses since startup.
func (p *Prefetch) Misses() int64 { return p.misses.Load() }

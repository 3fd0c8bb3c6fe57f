package cache

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Amund211/tilestream/internal/domain"
)

// Protector reports whether key belongs to a tile that is still desired
type Protector func(key domain.CacheKey) bool

// memoryTier is the live view of the cache. Control thread only.
//
// The lru only tracks recency. Capacity is enforced here so retained keys
// can be skipped.
type memoryTier struct {
	lru       *simplelru.LRU[domain.CacheKey, domain.CacheEntry]
	capacity  int
	protected Protector
}

func newMemoryTier(capacity int) *memoryTier {
	lru, err := simplelru.NewLRU[domain.CacheKey, domain.CacheEntry](math.MaxInt32, nil)
	if err != nil {
		// Only fails for a non-positive size
		panic(err)
	}

	return &memoryTier{
		lru:       lru,
		capacity:  max(capacity, 1),
		protected: func(domain.CacheKey) bool { return false },
	}
}

func (m *memoryTier) get(key domain.CacheKey) (domain.CacheEntry, bool) {
	return m.lru.Get(key)
}

func (m *memoryTier) contains(key domain.CacheKey) bool {
	return m.lru.Contains(key)
}

func (m *memoryTier) add(key domain.CacheKey, entry domain.CacheEntry) {
	m.lru.Add(key, entry.WithTier(domain.TierMemory))
	m.evictOverflow(key)
	memoryEntries.Set(float64(m.lru.Len()))
}

// evictOverflow removes least recently used unprotected entries until the
// tier is within capacity. just is never evicted.
func (m *memoryTier) evictOverflow(just domain.CacheKey) {
	if m.lru.Len() <= m.capacity {
		return
	}

	// Keys are ordered oldest to newest
	for _, key := range m.lru.Keys() {
		if m.lru.Len() <= m.capacity {
			return
		}
		if key == just || m.protected(key) {
			continue
		}
		m.lru.Remove(key)
		memoryEvictions.Inc()
	}
}

func (m *memoryTier) remove(key domain.CacheKey) bool {
	removed := m.lru.Remove(key)
	memoryEntries.Set(float64(m.lru.Len()))
	return removed
}

func (m *memoryTier) purge() {
	m.lru.Purge()
	memoryEntries.Set(0)
}

func (m *memoryTier) len() int {
	return m.lru.Len()
}

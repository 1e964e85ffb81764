package servalsheets

import (
	"hash/fnv"
	"sync"
	"time"
)

// InMemoryCache is the sharded local (L1) tier. Expiry is checked at read
// time, so an entry is never returned past its TTL even if the janitorless
// map still holds it.
type InMemoryCache struct {
	shards     []*cacheShard
	numShards  int
	maxEntries int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCache creates an L1 cache. maxEntries bounds the total entry
// count across shards; zero means unbounded.
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{store: make(map[string]*CacheEntry)}
	}
	return &InMemoryCache{
		shards:     shards,
		numShards:  numShards,
		maxEntries: maxEntries,
	}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the entry for key if present and unexpired.
func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := shard.store[key]
	if !exists {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		delete(shard.store, key)
		return nil, false
	}
	return entry, true
}

// Set stores an entry under key. Any previous entry is replaced wholesale.
func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)
	entry.Tier = TierL1
	if _, exists := shard.store[key]; !exists {
		c.evictLocked(shard, now)
	}
	shard.store[key] = entry
}

// evictLocked makes room in shard when the per-shard budget is exhausted:
// expired entries first, then the oldest survivor.
func (c *InMemoryCache) evictLocked(shard *cacheShard, now time.Time) {
	if c.maxEntries <= 0 {
		return
	}
	perShard := c.maxEntries / c.numShards
	if perShard < 1 {
		perShard = 1
	}
	if len(shard.store) < perShard {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for k, e := range shard.store {
		if e.Expired(now) {
			delete(shard.store, k)
			continue
		}
		if oldestKey == "" || e.CreatedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.CreatedAt
		}
	}
	if len(shard.store) >= perShard && oldestKey != "" {
		delete(shard.store, oldestKey)
	}
}

// Delete removes a single entry.
func (c *InMemoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.store, key)
}

// Invalidate removes every entry matching pred and returns the count.
// Each shard is swept under its own lock, so a concurrent Get observes
// either the pre- or post-invalidation state of a key, never a torn one.
func (c *InMemoryCache) Invalidate(pred func(*CacheEntry) bool) int {
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, e := range shard.store {
			if pred(e) {
				delete(shard.store, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the current number of entries, expired ones included.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// Clear removes all entries.
func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

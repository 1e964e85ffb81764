package servalsheets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRemoteCache is an in-process RemoteCache for tests. failAll makes
// every method error, simulating a lost connection.
type fakeRemoteCache struct {
	mu      sync.Mutex
	store   map[string]*CacheEntry
	failAll bool
	gets    int
	sets    int
	closed  bool
}

func newFakeRemoteCache() *fakeRemoteCache {
	return &fakeRemoteCache{store: make(map[string]*CacheEntry)}
}

func (f *fakeRemoteCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failAll {
		return nil, errors.New("connection refused")
	}
	entry, ok := f.store[key]
	if !ok || entry.Expired(time.Now()) {
		return nil, nil
	}
	cp := *entry
	cp.Tier = TierL2
	return &cp, nil
}

func (f *fakeRemoteCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.failAll {
		return errors.New("connection refused")
	}
	cp := *entry
	f.store[key] = &cp
	return nil
}

func (f *fakeRemoteCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("connection refused")
	}
	delete(f.store, key)
	return nil
}

func (f *fakeRemoteCache) Invalidate(ctx context.Context, sheet string, pred func(*CacheEntry) bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("connection refused")
	}
	removed := 0
	for k, e := range f.store {
		if e.Sheet == sheet && pred(e) {
			delete(f.store, k)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeRemoteCache) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestTieredCachePutReachesBothTiers(t *testing.T) {
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(NewInMemoryCache(0), l2, time.Minute, time.Hour, nil)

	tc.Put(context.Background(), "k1", &CacheEntry{Key: "k1", Value: []byte("v")}, 0)

	if tc.Len() != 1 {
		t.Errorf("Expected 1 L1 entry, got %d", tc.Len())
	}
	if l2.sets != 1 {
		t.Errorf("Expected 1 L2 write, got %d", l2.sets)
	}
}

func TestTieredCacheGetPrefersL1(t *testing.T) {
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(NewInMemoryCache(0), l2, time.Minute, time.Hour, nil)

	tc.Put(context.Background(), "k1", &CacheEntry{Key: "k1", Value: []byte("v")}, 0)
	l2.mu.Lock()
	before := l2.gets
	l2.mu.Unlock()

	entry, ok := tc.Get(context.Background(), "k1")
	if !ok {
		t.Fatal("Expected hit")
	}
	if entry.Tier != TierL1 {
		t.Errorf("Expected l1 hit, got %s", entry.Tier)
	}
	l2.mu.Lock()
	after := l2.gets
	l2.mu.Unlock()
	if after != before {
		t.Error("Expected L1 hit to skip L2 entirely")
	}
}

func TestTieredCacheL2HitPromotes(t *testing.T) {
	l1 := NewInMemoryCache(0)
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(l1, l2, time.Minute, time.Hour, nil)

	l2.store["k1"] = &CacheEntry{
		Key:       "k1",
		Value:     []byte("remote"),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	entry, ok := tc.Get(context.Background(), "k1")
	if !ok {
		t.Fatal("Expected L2 hit")
	}
	if entry.Tier != TierL2 {
		t.Errorf("Expected l2 tier, got %s", entry.Tier)
	}

	// The entry is now local.
	promoted, ok := l1.Get("k1")
	if !ok {
		t.Fatal("Expected promotion into L1")
	}
	if string(promoted.Value) != "remote" {
		t.Errorf("Expected promoted value, got %s", promoted.Value)
	}
}

func TestTieredCachePromotionCapsTTL(t *testing.T) {
	l1 := NewInMemoryCache(0)
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(l1, l2, 50*time.Millisecond, time.Hour, nil)

	l2.store["k1"] = &CacheEntry{
		Key:       "k1",
		Value:     []byte("remote"),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	if _, ok := tc.Get(context.Background(), "k1"); !ok {
		t.Fatal("Expected L2 hit")
	}

	promoted, ok := l1.Get("k1")
	if !ok {
		t.Fatal("Expected promotion into L1")
	}
	if remaining := time.Until(promoted.ExpiresAt); remaining > 60*time.Millisecond {
		t.Errorf("Expected promoted TTL capped at the L1 TTL, got %v remaining", remaining)
	}
}

func TestTieredCacheDegradesWhenL2Fails(t *testing.T) {
	l2 := newFakeRemoteCache()
	l2.failAll = true
	tc := NewTieredCache(NewInMemoryCache(0), l2, time.Minute, time.Hour, nil)

	// Put must not fail, and the entry must still land in L1.
	tc.Put(context.Background(), "k1", &CacheEntry{Key: "k1", Value: []byte("v")}, 0)

	entry, ok := tc.Get(context.Background(), "k1")
	if !ok {
		t.Fatal("Expected L1 hit despite L2 failure")
	}
	if string(entry.Value) != "v" {
		t.Errorf("Expected v, got %s", entry.Value)
	}

	// Lookups of unknown keys degrade to a miss, never an error.
	if _, ok := tc.Get(context.Background(), "unknown"); ok {
		t.Error("Expected miss when L2 is down")
	}
}

func TestTieredCacheInvalidateSweepsBothTiers(t *testing.T) {
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(NewInMemoryCache(0), l2, time.Minute, time.Hour, nil)

	ctx := context.Background()
	tc.Put(ctx, "k1", &CacheEntry{Key: "k1", Sheet: "s", Range: Range{StartRow: 1, StartCol: 1, EndRow: 2, EndCol: 2}}, 0)
	tc.Put(ctx, "k2", &CacheEntry{Key: "k2", Sheet: "s", Range: Range{StartRow: 50, StartCol: 1, EndRow: 60, EndCol: 2}}, 0)

	write := Range{StartRow: 1, StartCol: 1, EndRow: 3, EndCol: 3}
	removed := tc.Invalidate(ctx, "s", func(e *CacheEntry) bool {
		return e.Sheet == "s" && e.Range.Overlaps(write)
	})

	if removed != 1 {
		t.Errorf("Expected 1 L1 removal, got %d", removed)
	}
	l2.mu.Lock()
	_, k1InL2 := l2.store["k1"]
	_, k2InL2 := l2.store["k2"]
	l2.mu.Unlock()
	if k1InL2 {
		t.Error("Expected overlapping entry removed from L2")
	}
	if !k2InL2 {
		t.Error("Expected disjoint entry to survive in L2")
	}
}

func TestTieredCachePerEntryTTLOverride(t *testing.T) {
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(NewInMemoryCache(0), l2, time.Hour, time.Hour, nil)

	tc.Put(context.Background(), "k1", &CacheEntry{Key: "k1"}, 20*time.Millisecond)

	if _, ok := tc.Get(context.Background(), "k1"); !ok {
		t.Fatal("Expected hit before the override TTL elapsed")
	}

	time.Sleep(30 * time.Millisecond)

	// Both tiers honored the short TTL.
	if entry, ok := tc.Get(context.Background(), "k1"); ok {
		t.Errorf("Expected miss after override TTL, got tier %s", entry.Tier)
	}
}

func TestTieredCacheCloseReleasesL2(t *testing.T) {
	l2 := newFakeRemoteCache()
	tc := NewTieredCache(NewInMemoryCache(0), l2, time.Minute, time.Hour, nil)

	if err := tc.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if !l2.closed {
		t.Error("Expected L2 Close to be called")
	}
}

func TestTieredCacheL1Only(t *testing.T) {
	tc := NewTieredCache(NewInMemoryCache(0), nil, time.Minute, 0, nil)

	tc.Put(context.Background(), "k1", &CacheEntry{Key: "k1", Value: []byte("v")}, 0)

	if _, ok := tc.Get(context.Background(), "k1"); !ok {
		t.Error("Expected hit in L1-only mode")
	}
	if err := tc.Close(); err != nil {
		t.Errorf("Close() returned error in L1-only mode: %v", err)
	}

	removed := tc.Invalidate(context.Background(), "s", func(e *CacheEntry) bool { return true })
	if removed != 1 {
		t.Errorf("Expected 1 removal, got %d", removed)
	}
}

package servalsheets

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// TieredCache composes the local L1 tier with an optional shared L2 tier.
// L2 is strictly best effort: every L2 failure is logged and swallowed, so
// losing the shared tier only costs the cross-process hit rate, never a
// request.
type TieredCache struct {
	l1     Cache
	l2     RemoteCache
	l1TTL  time.Duration
	l2TTL  time.Duration
	logger Logger
}

// NewTieredCache builds a tiered cache. l2 may be nil for L1-only
// operation; logger may be nil.
func NewTieredCache(l1 Cache, l2 RemoteCache, l1TTL, l2TTL time.Duration, logger Logger) *TieredCache {
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL, l2TTL: l2TTL, logger: logger}
}

// Get checks L1 first, then L2. An L2 hit is promoted into L1 with the
// entry's remaining lifetime so subsequent reads stay local.
func (t *TieredCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	if entry, ok := t.l1.Get(key); ok {
		return entry, true
	}
	if t.l2 == nil {
		return nil, false
	}
	entry, err := t.l2.Get(ctx, key)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("L2 cache lookup failed", "key", key, "error", err.Error())
		}
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	remaining := time.Until(entry.ExpiresAt)
	if remaining > t.l1TTL {
		remaining = t.l1TTL
	}
	if remaining > 0 {
		promoted := *entry
		t.l1.Set(key, &promoted, remaining)
	}
	return entry, true
}

// Put writes through to both tiers. A positive ttl overrides the
// configured tier TTLs for this entry. The caller's entry lands in L1
// synchronously; the L2 write happens on the same call but its failure is
// non-fatal.
func (t *TieredCache) Put(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) {
	l1TTL, l2TTL := t.l1TTL, t.l2TTL
	if ttl > 0 {
		l1TTL, l2TTL = ttl, ttl
	}
	local := *entry
	t.l1.Set(key, &local, l1TTL)
	if t.l2 == nil {
		return
	}
	remote := *entry
	remote.CreatedAt = local.CreatedAt
	remote.ExpiresAt = time.Now().Add(l2TTL)
	if err := t.l2.Set(ctx, key, &remote, l2TTL); err != nil {
		if t.logger != nil {
			t.logger.Warn("L2 cache write failed, serving L1-only", "key", key, "error", err.Error())
		}
	}
}

// Invalidate removes matching entries from both tiers and returns how many
// were removed from L1 (the authoritative local count). Tiers are swept
// concurrently; an L2 sweep failure is logged and ignored.
func (t *TieredCache) Invalidate(ctx context.Context, sheet string, pred func(*CacheEntry) bool) int {
	if t.l2 == nil {
		return t.l1.Invalidate(pred)
	}
	var removed int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		removed = t.l1.Invalidate(pred)
		return nil
	})
	g.Go(func() error {
		if _, err := t.l2.Invalidate(gctx, sheet, pred); err != nil && t.logger != nil {
			t.logger.Warn("L2 cache invalidation failed", "sheet", sheet, "error", err.Error())
		}
		return nil
	})
	_ = g.Wait()
	return removed
}

// Len reports the L1 entry count.
func (t *TieredCache) Len() int { return t.l1.Len() }

// Close releases the L2 connection, if any.
func (t *TieredCache) Close() error {
	if t.l2 == nil {
		return nil
	}
	return t.l2.Close()
}

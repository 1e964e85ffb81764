package servalsheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a RemoteCache backed by a Redis-compatible store. Keys are
// namespaced per sheet so invalidation can scan a single sheet's entries
// instead of the whole keyspace.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisCacheOptions configures a RedisCache.
type RedisCacheOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; defaults to "servalsheets:cache".
	Prefix string
}

// NewRedisCache connects to the addressed Redis instance. No connectivity
// probe is made here; the first Get/Set reports reachability problems and
// the tiered cache degrades to L1-only on them.
func NewRedisCache(opts RedisCacheOptions) *RedisCache {
	if opts.Prefix == "" {
		opts.Prefix = "servalsheets:cache"
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: opts.Prefix,
	}
}

// NewRedisCacheWithClient wraps an existing client, for callers that share
// a connection pool.
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "servalsheets:cache"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns the entry for key, or (nil, nil) on a miss. Expiry is
// re-checked locally so clock skew on the server never resurrects a stale
// entry.
func (r *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	raw, err := r.client.Get(ctx, r.prefix+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("redis get: decode: %w", err)
	}
	if entry.Expired(time.Now()) {
		return nil, nil
	}
	entry.Tier = TierL2
	return &entry, nil
}

// Set stores the entry with the given TTL.
func (r *RedisCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis set: encode: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.prefix+":"+key, raw, ttl)
	// Index the key under its sheet so Invalidate can find it without a
	// full keyspace scan.
	idx := r.sheetIndex(entry.Sheet)
	pipe.SAdd(ctx, idx, key)
	pipe.Expire(ctx, idx, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a single entry.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Invalidate removes every entry for sheet matching pred and returns the
// count. One round trip fetches the sheet's index, one fetches the
// candidate entries, one deletes the matches.
func (r *RedisCache) Invalidate(ctx context.Context, sheet string, pred func(*CacheEntry) bool) (int, error) {
	idx := r.sheetIndex(sheet)
	keys, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis invalidate: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + ":" + k
	}
	raws, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis invalidate: %w", err)
	}
	var doomed []string
	var doomedIdx []interface{}
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// Entry expired out from under the index.
			doomedIdx = append(doomedIdx, keys[i])
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			doomed = append(doomed, full[i])
			doomedIdx = append(doomedIdx, keys[i])
			continue
		}
		if pred(&entry) {
			doomed = append(doomed, full[i])
			doomedIdx = append(doomedIdx, keys[i])
		}
	}
	if len(doomed) > 0 {
		if err := r.client.Del(ctx, doomed...).Err(); err != nil {
			return 0, fmt.Errorf("redis invalidate: %w", err)
		}
	}
	if len(doomedIdx) > 0 {
		if err := r.client.SRem(ctx, idx, doomedIdx...).Err(); err != nil {
			return len(doomed), fmt.Errorf("redis invalidate: %w", err)
		}
	}
	return len(doomed), nil
}

// Close releases the underlying connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) sheetIndex(sheet string) string {
	return r.prefix + ":index:" + sheet
}

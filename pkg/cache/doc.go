// Package cache provides the two-tier embedding cache.
//
// Tier 1 (MemoryCache) is a strict-capacity LRU with TTL expiry. Tier 2
// (RedisCache) is a persistent store with server-side expiry and
// client-side age re-validation. TieredCache orchestrates the two:
// lookups check Tier 1 first, Tier 2 hits are promoted into Tier 1, and
// writes go through to both tiers. When Tier 2 becomes unreachable the
// tiered cache degrades to memory-only operation, keeps serving callers,
// and re-enables Tier 2 once a background health probe succeeds.
//
// Basic usage:
//
//	mem, err := cache.NewMemoryCache(cache.DefaultMemoryConfig(), logger)
//	if err != nil {
//		return err
//	}
//	redis := cache.NewRedisCache(cache.DefaultRedisConfig(), logger)
//	tiered := cache.NewTieredCache(mem, redis, cache.DefaultTieredConfig(), logger)
//	defer tiered.Close()
//
//	tiered.Put(ctx, key, vector)
//	entry, src, ok := tiered.Get(ctx, key)
//
// Vectors are copied on Put and on Get; callers never share backing
// arrays with the cache.
package cache

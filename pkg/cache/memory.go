package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// MemoryConfig controls the Tier-1 cache.
type MemoryConfig struct {
	// Capacity is the hard entry limit. Inserting at capacity evicts the
	// least recently used entry first.
	Capacity int `mapstructure:"capacity"`
	// TTL bounds entry staleness. Entries older than TTL are misses and
	// are evicted when observed. Zero disables expiry.
	TTL time.Duration `mapstructure:"ttl"`
	// CleanupInterval, when positive, runs a background sweep that
	// evicts expired entries without waiting for a lookup to land on
	// them.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DefaultMemoryConfig returns the Tier-1 defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:        4096,
		TTL:             15 * time.Minute,
		CleanupInterval: 0,
	}
}

// Validate checks the configuration for usable values.
func (c MemoryConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}

type memoryEntry struct {
	vector     []float32
	createdAt  time.Time
	lastAccess time.Time
}

// MemoryCache is the Tier-1 cache: a strict-capacity LRU with TTL
// expiry. All operations take one short critical section around the LRU
// structure; no lock is ever held across I/O, so unrelated keys never
// wait on each other's slow operations.
type MemoryCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[fingerprint.Fingerprint, *memoryEntry]

	capacity int
	ttl      time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once

	logger observability.Logger

	// now is replaceable in tests for deterministic expiry.
	now func() time.Time
}

// NewMemoryCache creates the Tier-1 cache. Capacity and TTL are fixed
// for the cache lifetime. A nil logger falls back to a no-op logger.
func NewMemoryCache(cfg MemoryConfig, logger observability.Logger) (*MemoryCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	c := &MemoryCache{
		capacity:        cfg.Capacity,
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
		now:             time.Now,
	}
	lru, err := simplelru.NewLRU[fingerprint.Fingerprint, *memoryEntry](cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru

	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop()
	}
	return c, nil
}

// onEvict runs inside the cache mutex for every removal, whether from
// capacity pressure, TTL expiry or an explicit remove.
func (c *MemoryCache) onEvict(fingerprint.Fingerprint, *memoryEntry) {
	c.evictions.Add(1)
}

// Get returns the entry for key if present and fresh. A hit updates
// recency and LastAccessedAt. A stale entry is evicted on observation
// and reported as a miss.
func (c *MemoryCache) Get(key fingerprint.Fingerprint) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	ent, ok := c.lru.Get(key)
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	if c.ttl > 0 && now.Sub(ent.createdAt) > c.ttl {
		c.lru.Remove(key)
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	ent.lastAccess = now
	out := Entry{
		Fingerprint:    key,
		Vector:         copyVector(ent.vector),
		CreatedAt:      ent.createdAt,
		LastAccessedAt: ent.lastAccess,
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return out, true
}

// Put inserts or overwrites the entry for key. At capacity the least
// recently used entry is evicted first. The vector is copied before it
// is stored.
func (c *MemoryCache) Put(key fingerprint.Fingerprint, vector []float32) {
	c.putAt(key, vector, c.now())
}

// putAt is Put with an explicit creation time. Tier-2 promotions carry
// their original CreatedAt through so TTL bounds total staleness, not
// time since promotion.
func (c *MemoryCache) putAt(key fingerprint.Fingerprint, vector []float32, createdAt time.Time) {
	ent := &memoryEntry{
		vector:     copyVector(vector),
		createdAt:  createdAt,
		lastAccess: c.now(),
	}

	c.mu.Lock()
	c.lru.Add(key, ent)
	c.mu.Unlock()
}

// Contains reports whether key is present and fresh without updating
// recency or counters.
func (c *MemoryCache) Contains(key fingerprint.Fingerprint) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	return c.ttl <= 0 || now.Sub(ent.createdAt) <= c.ttl
}

// Remove drops key if present.
func (c *MemoryCache) Remove(key fingerprint.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// EvictExpired removes every entry older than TTL and returns how many
// were dropped. It never touches recency order.
func (c *MemoryCache) EvictExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		ent, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(ent.createdAt) > c.ttl {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the fixed entry limit.
func (c *MemoryCache) Capacity() int {
	return c.capacity
}

// Stats returns a counter snapshot.
func (c *MemoryCache) Stats() TierStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	return TierStats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
		HitRate:   hitRate(hits, misses),
	}
}

// Close stops the background sweep, if one is running.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.EvictExpired(); n > 0 {
				c.logger.Debug("evicted expired entries", map[string]interface{}{
					"count": n,
				})
			}
		case <-c.stopCleanup:
			return
		}
	}
}

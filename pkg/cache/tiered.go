package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// TieredConfig controls two-tier orchestration.
type TieredConfig struct {
	// RecoveryInterval is how often a degraded cache probes Tier 2.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	// RecoveryTimeout bounds each probe.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

// DefaultTieredConfig returns the orchestration defaults.
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		RecoveryInterval: 5 * time.Second,
		RecoveryTimeout:  2 * time.Second,
	}
}

// TieredCache orchestrates the two tiers. Lookups check Tier 1 first;
// Tier 2 hits are promoted into Tier 1; writes go through to both tiers
// synchronously. A Tier-2 failure flips the cache into degraded
// (memory-only) mode instead of failing the caller; a background probe
// re-enables Tier 2 once it responds again.
type TieredCache struct {
	memory     *MemoryCache
	persistent Tier2

	degraded atomic.Bool

	t2hits   atomic.Int64
	t2misses atomic.Int64
	t2errors atomic.Int64

	recoveryInterval time.Duration
	recoveryTimeout  time.Duration
	stopRecovery     chan struct{}
	closeOnce        sync.Once

	logger observability.Logger
}

// NewTieredCache builds the orchestrator. persistent may be nil for a
// memory-only deployment. The tiered cache takes ownership of both
// tiers; Close closes them.
func NewTieredCache(memory *MemoryCache, persistent Tier2, cfg TieredConfig, logger observability.Logger) *TieredCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	def := DefaultTieredConfig()
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	t := &TieredCache{
		memory:           memory,
		persistent:       persistent,
		recoveryInterval: cfg.RecoveryInterval,
		recoveryTimeout:  cfg.RecoveryTimeout,
		stopRecovery:     make(chan struct{}),
		logger:           logger,
	}
	if persistent != nil {
		go t.recoveryLoop()
	}
	return t
}

// Get looks key up across the tiers. It never returns an error: Tier-2
// trouble degrades the cache and reads on as a miss.
func (t *TieredCache) Get(ctx context.Context, key fingerprint.Fingerprint) (Entry, Source, bool) {
	if entry, ok := t.GetMemory(key); ok {
		return entry, SourceTier1, true
	}
	if entry, ok := t.GetPersistent(ctx, key); ok {
		return entry, SourceTier2, true
	}
	return Entry{}, "", false
}

// GetMemory probes Tier 1 only. Callers that need per-tier latencies
// sequence GetMemory and GetPersistent themselves instead of Get.
func (t *TieredCache) GetMemory(key fingerprint.Fingerprint) (Entry, bool) {
	return t.memory.Get(key)
}

// GetPersistent probes Tier 2 and promotes a hit into Tier 1. Misses,
// outages and degraded mode all read as (zero, false).
func (t *TieredCache) GetPersistent(ctx context.Context, key fingerprint.Fingerprint) (Entry, bool) {
	if t.persistent == nil || t.degraded.Load() {
		return Entry{}, false
	}

	entry, found, err := t.persistent.Get(ctx, key)
	if err != nil {
		t.noteTier2Error("get", err)
		return Entry{}, false
	}
	if !found {
		t.t2misses.Add(1)
		return Entry{}, false
	}
	t.t2hits.Add(1)

	// Promote so the next lookup is served from memory. CreatedAt rides
	// along; TTL measures entry age, not promotion age.
	t.memory.putAt(key, entry.Vector, entry.CreatedAt)
	return entry, true
}

// HasPersistent reports whether a Tier-2 store is configured at all,
// degraded or not.
func (t *TieredCache) HasPersistent() bool {
	return t.persistent != nil
}

// Put writes the vector through to both tiers. Tier-2 failure degrades
// the cache; the caller never sees it.
func (t *TieredCache) Put(ctx context.Context, key fingerprint.Fingerprint, vector []float32) {
	t.memory.Put(key, vector)
	if t.persistent == nil || t.degraded.Load() {
		return
	}
	if err := t.persistent.Put(ctx, key, vector); err != nil {
		t.noteTier2Error("put", err)
	}
}

// Degraded reports whether the cache is running memory-only.
func (t *TieredCache) Degraded() bool {
	return t.degraded.Load()
}

// Stats returns a snapshot across both tiers.
func (t *TieredCache) Stats() Stats {
	t2hits := t.t2hits.Load()
	t2misses := t.t2misses.Load()
	return Stats{
		Tier1: t.memory.Stats(),
		Tier2: TierStats{
			Hits:    t2hits,
			Misses:  t2misses,
			Errors:  t.t2errors.Load(),
			HitRate: hitRate(t2hits, t2misses),
		},
		Degraded: t.degraded.Load(),
	}
}

// Ping probes Tier 2 directly. Memory-only deployments always report
// healthy.
func (t *TieredCache) Ping(ctx context.Context) error {
	if t.persistent == nil {
		return nil
	}
	return t.persistent.Ping(ctx)
}

// Close stops the recovery probe and closes both tiers.
func (t *TieredCache) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopRecovery)
		t.memory.Close()
		if t.persistent != nil {
			err = t.persistent.Close()
		}
	})
	return err
}

func (t *TieredCache) noteTier2Error(op string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The caller went away; that says nothing about tier health.
		return
	}
	t.t2errors.Add(1)
	if t.degraded.CompareAndSwap(false, true) {
		t.logger.Warn("tier2 unavailable, degrading to memory-only", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
}

func (t *TieredCache) recoveryLoop() {
	ticker := time.NewTicker(t.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !t.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.recoveryTimeout)
			err := t.persistent.Ping(ctx)
			cancel()
			if err != nil {
				continue
			}
			t.degraded.Store(false)
			t.logger.Info("tier2 recovered, leaving degraded mode", nil)
		case <-t.stopRecovery:
			return
		}
	}
}

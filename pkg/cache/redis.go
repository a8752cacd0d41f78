package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// RedisConfig controls the Tier-2 cache.
type RedisConfig struct {
	// Enabled gates the tier. Disabled leaves the cache memory-only.
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	// MaxRetries bounds transparent per-operation retries on transport
	// errors. Misses are never retried.
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// DefaultRedisConfig returns the Tier-2 defaults. The TTL is much longer
// than Tier 1's; Tier 2 rides out process restarts.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:        true,
		Addr:           "localhost:6379",
		Prefix:         "snapmatch:embedding",
		TTL:            24 * time.Hour,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PoolSize:       10,
		MinIdleConns:   2,
		MaxRetries:     2,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// errTierMiss is internal; it stops the retry loop on a clean miss.
var errTierMiss = errors.New("tier2 miss")

// RedisCache is the Tier-2 cache. Entries are stored as JSON under
// prefix:fingerprint with server-side expiry, and entry age is
// re-validated client-side on read. Transport failures surface as
// ErrCacheUnavailable after bounded retries.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration

	maxRetries uint64
	retryBase  time.Duration

	logger observability.Logger
	now    func() time.Time
}

// NewRedisCache creates the Tier-2 cache with its own client. It does
// not dial eagerly; use Ping to verify connectivity.
func NewRedisCache(cfg RedisConfig, logger observability.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	return NewRedisCacheWithClient(client, cfg, logger)
}

// NewRedisCacheWithClient wraps an existing client. The cache takes
// ownership: Close closes the client.
func NewRedisCacheWithClient(client redis.UniversalClient, cfg RedisConfig, logger observability.Logger) *RedisCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	return &RedisCache{
		client:     client,
		prefix:     cfg.Prefix,
		ttl:        cfg.TTL,
		maxRetries: uint64(cfg.MaxRetries),
		retryBase:  cfg.RetryBaseDelay,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *RedisCache) key(fp fingerprint.Fingerprint) string {
	return c.prefix + ":" + fp.String()
}

// withRetry runs fn with exponential backoff on transport errors. Clean
// misses abort immediately via backoff.Permanent.
func (c *RedisCache) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
}

// Get returns the entry for key. found=false with a nil error is a clean
// miss; a non-nil error means the tier is unhealthy. Corrupt or stale
// payloads count as misses and are deleted so the next write heals the
// key.
func (c *RedisCache) Get(ctx context.Context, key fingerprint.Fingerprint) (Entry, bool, error) {
	var raw []byte
	err := c.withRetry(ctx, func() error {
		b, err := c.client.Get(ctx, c.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(errTierMiss)
		}
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if errors.Is(err, errTierMiss) {
		return Entry{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Entry{}, false, ctxErr
		}
		return Entry{}, false, fmt.Errorf("%w: get: %v", ErrCacheUnavailable, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("dropping corrupt tier2 entry", map[string]interface{}{
			"key":   key.String(),
			"error": err.Error(),
		})
		_ = c.client.Del(ctx, c.key(key)).Err()
		return Entry{}, false, nil
	}
	if c.ttl > 0 && c.now().Sub(entry.CreatedAt) > c.ttl {
		// Server-side expiry should have collected it already; the age
		// check catches clock drift and TTL reconfiguration.
		_ = c.client.Del(ctx, c.key(key)).Err()
		return Entry{}, false, nil
	}
	entry.LastAccessedAt = c.now()
	return entry, true, nil
}

// Put stores the entry under the configured TTL. The vector is copied
// into the entry before marshalling.
func (c *RedisCache) Put(ctx context.Context, key fingerprint.Fingerprint, vector []float32) error {
	now := c.now()
	entry := Entry{
		Fingerprint:    key,
		Vector:         copyVector(vector),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	err = c.withRetry(ctx, func() error {
		return c.client.Set(ctx, c.key(key), payload, c.ttl).Err()
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: set: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Delete drops the entry for key, if any.
func (c *RedisCache) Delete(ctx context.Context, key fingerprint.Fingerprint) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Ping probes the backing store.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Close releases the client and its connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Package config loads the daemon configuration from a YAML file and
// SNAPMATCH_-prefixed environment variables, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/snapmatch-ai/snapmatch/pkg/api"
	"github.com/snapmatch-ai/snapmatch/pkg/cache"
	"github.com/snapmatch-ai/snapmatch/pkg/embedding"
	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/monitor"
	"github.com/snapmatch-ai/snapmatch/pkg/pipeline"
	"github.com/snapmatch-ai/snapmatch/pkg/vectorindex"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config holds the complete daemon configuration.
type Config struct {
	API         api.Config               `mapstructure:"api"`
	Log         LogConfig                `mapstructure:"log"`
	Fingerprint fingerprint.Config       `mapstructure:"fingerprint"`
	MemoryCache cache.MemoryConfig       `mapstructure:"memory_cache"`
	Redis       cache.RedisConfig        `mapstructure:"redis"`
	Tiered      cache.TieredConfig       `mapstructure:"tiered"`
	Embedding   embedding.Config         `mapstructure:"embedding"`
	Index       vectorindex.EngineConfig `mapstructure:"index"`
	Warmer      vectorindex.WarmerConfig `mapstructure:"warmer"`
	Monitor     monitor.Config           `mapstructure:"monitor"`
	Pipeline    pipeline.Config          `mapstructure:"pipeline"`
}

// Load reads configuration from file and environment. An explicit path
// (argument or SNAPMATCH_CONFIG_FILE) must exist; otherwise a
// snapmatch.yaml is searched for and running on defaults plus
// environment alone is fine.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("SNAPMATCH_CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snapmatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/snapmatch")
	}

	v.SetEnvPrefix("SNAPMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate cross-checks the sections that have to agree with each
// other before anything is wired up.
func (c *Config) Validate() error {
	if err := c.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if err := c.MemoryCache.Validate(); err != nil {
		return fmt.Errorf("memory_cache: %w", err)
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if c.Index.DSN == "" {
		return errors.New("index: dsn is required")
	}
	if c.Index.Dimensions != c.Embedding.Dimensions {
		return fmt.Errorf("index dimensions (%d) must match embedding dimensions (%d)",
			c.Index.Dimensions, c.Embedding.Dimensions)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis: addr is required when enabled")
	}
	return nil
}

// setDefaults mirrors each package's DefaultConfig so a bare
// environment still unmarshals into a runnable configuration.
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.shutdown_timeout", 30*time.Second)
	v.SetDefault("api.max_image_bytes", 8<<20)
	v.SetDefault("api.log_requests", true)

	// Log defaults
	v.SetDefault("log.level", "info")

	// Fingerprint defaults
	v.SetDefault("fingerprint.width", 64)
	v.SetDefault("fingerprint.height", 64)

	// Tier-1 cache defaults
	v.SetDefault("memory_cache.capacity", 4096)
	v.SetDefault("memory_cache.ttl", 15*time.Minute)
	v.SetDefault("memory_cache.cleanup_interval", time.Minute)

	// Tier-2 cache defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "snapmatch:embedding")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.retry_base_delay", 50*time.Millisecond)

	// Tier orchestration defaults
	v.SetDefault("tiered.recovery_interval", 5*time.Second)
	v.SetDefault("tiered.recovery_timeout", 2*time.Second)

	// Embedding client defaults. Endpoint and api_key have no usable
	// default; registering them keeps env-only overrides visible to
	// Unmarshal.
	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "image-embed-v2")
	v.SetDefault("embedding.dimensions", 512)
	v.SetDefault("embedding.pool_size", 8)
	v.SetDefault("embedding.pool_wait", 5*time.Second)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.backoff_base", 100*time.Millisecond)
	v.SetDefault("embedding.backoff_cap", 5*time.Second)
	v.SetDefault("embedding.attempt_timeout", 30*time.Second)
	v.SetDefault("embedding.breaker_min_requests", 5)
	v.SetDefault("embedding.breaker_failure_ratio", 0.6)
	v.SetDefault("embedding.breaker_interval", 60*time.Second)
	v.SetDefault("embedding.breaker_timeout", 30*time.Second)

	// Vector index defaults
	v.SetDefault("index.dsn", "")
	v.SetDefault("index.table", "snapmatch_embeddings")
	v.SetDefault("index.index_name", "snapmatch_embeddings_hnsw")
	v.SetDefault("index.dimensions", 512)
	v.SetDefault("index.max_open_conns", 25)
	v.SetDefault("index.max_idle_conns", 5)
	v.SetDefault("index.conn_max_lifetime", 5*time.Minute)

	// Warmer defaults
	v.SetDefault("warmer.concurrency", 4)
	v.SetDefault("warmer.top_k", 10)
	v.SetDefault("warmer.query_timeout", 5*time.Second)

	// Monitor defaults
	v.SetDefault("monitor.ring_size", 1024)

	// Pipeline defaults
	v.SetDefault("pipeline.default_top_k", 10)
	v.SetDefault("pipeline.warm_query_count", 32)
}

// Package embedding calls the external embedding-generation service.
//
// The client layers its protections in a fixed order: circuit breaker,
// then slot pool, then retry loop, then a single HTTP attempt with its
// own timeout. The breaker sheds load when the service is down, the
// pool bounds concurrent upstream work, and the retry loop absorbs
// transient failures with exponential backoff.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// Config controls the embedding client.
type Config struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`

	// PoolSize bounds concurrent upstream calls; PoolWait bounds how
	// long a caller waits for a free slot.
	PoolSize int           `mapstructure:"pool_size"`
	PoolWait time.Duration `mapstructure:"pool_wait"`

	// MaxRetries is the retry budget after the first attempt.
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultConfig returns production defaults. Endpoint and APIKey still
// have to be supplied.
func DefaultConfig() Config {
	return Config{
		Model:               "image-embed-v2",
		Dimensions:          512,
		PoolSize:            8,
		PoolWait:            5 * time.Second,
		MaxRetries:          3,
		BackoffBase:         100 * time.Millisecond,
		BackoffCap:          5 * time.Second,
		AttemptTimeout:      30 * time.Second,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
		BreakerInterval:     60 * time.Second,
		BreakerTimeout:      30 * time.Second,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("embedding endpoint is required")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Dimensions)
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	return nil
}

type embedRequest struct {
	Model       string `json:"model"`
	Image       string `json:"image"`
	ContentType string `json:"content_type"`
}

type embedResponse struct {
	Vector     []float32 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
}

// Client is the pooled, retrying embedding-service client. It is safe
// for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	pool    *Pool
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewClient builds a Client. Zero-valued knobs fall back to defaults; a
// nil logger falls back to a no-op logger.
func NewClient(cfg Config, logger observability.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = def.BreakerMinRequests
	}
	if cfg.BreakerFailureRatio <= 0 {
		cfg.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = def.BreakerInterval
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		pool:   NewPool(cfg.PoolSize, cfg.PoolWait),
		logger: logger,
	}

	settings := gobreaker.Settings{
		Name:        "embedding-service",
		MaxRequests: cfg.BreakerMinRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.BreakerMinRequests &&
				failureRatio >= cfg.BreakerFailureRatio
		},
		// Rejections the service made deliberately say nothing about
		// its health, so they never trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNonTransientUpstream)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(settings)
	return c, nil
}

// Embed generates the embedding vector for one image. The error is
// classified: errors.Is against ErrTransientUpstream,
// ErrNonTransientUpstream or ErrPoolExhausted tells callers whether a
// retry can help.
func (c *Client) Embed(ctx context.Context, image []byte, contentType string) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", ErrNonTransientUpstream)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.embedPooled(ctx, image, contentType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrTransientUpstream)
		}
		return nil, err
	}
	return result.([]float32), nil
}

// embedPooled holds one pool slot across the whole retry sequence so
// retries never multiply upstream concurrency.
func (c *Client) embedPooled(ctx context.Context, image []byte, contentType string) ([]float32, error) {
	if err := c.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.pool.Release()
	return c.embedWithRetry(ctx, image, contentType)
}

func (c *Client) embedWithRetry(ctx context.Context, image []byte, contentType string) ([]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffCap
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	var vector []float32
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		vec, err := c.attempt(ctx, image, contentType)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("embedding attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		vector = vec
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// attempt performs a single HTTP round trip under its own timeout.
func (c *Client) attempt(ctx context.Context, image []byte, contentType string) ([]float32, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	reqBody := embedRequest{
		Model:       c.cfg.Model,
		Image:       base64.StdEncoding.EncodeToString(image),
		ContentType: contentType,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, newUpstreamError(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrNonTransientUpstream, err)
	}
	if len(response.Vector) != c.cfg.Dimensions {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d",
			ErrNonTransientUpstream, c.cfg.Dimensions, len(response.Vector))
	}
	return response.Vector, nil
}

// PoolInUse returns how many upstream slots are checked out.
func (c *Client) PoolInUse() int {
	return c.pool.InUse()
}

// BreakerState returns the circuit breaker state for the ops surface.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

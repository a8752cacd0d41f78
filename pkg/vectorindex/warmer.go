package vectorindex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// Querier is the slice of Engine the warmer needs.
type Querier interface {
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
}

// WarmerConfig controls index warming.
type WarmerConfig struct {
	// Concurrency bounds parallel warm queries.
	Concurrency int `mapstructure:"concurrency"`
	// TopK is the neighbor count per warm query.
	TopK int `mapstructure:"top_k"`
	// QueryTimeout bounds each warm query.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DefaultWarmerConfig returns the warming defaults.
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Concurrency:  4,
		TopK:         10,
		QueryTimeout: 5 * time.Second,
	}
}

// Warmer pages the index into memory by running representative queries
// at startup. Failures are logged and skipped; warming never fails the
// caller.
type Warmer struct {
	engine Querier
	cfg    WarmerConfig
	logger observability.Logger
}

// NewWarmer builds a Warmer over engine.
func NewWarmer(engine Querier, cfg WarmerConfig, logger observability.Logger) *Warmer {
	def := DefaultWarmerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Warmer{engine: engine, cfg: cfg, logger: logger}
}

// Warm runs the given query vectors against the index with bounded
// concurrency and returns how many completed. It stops early when ctx
// ends.
func (w *Warmer) Warm(ctx context.Context, queries [][]float32) int {
	if len(queries) == 0 {
		return 0
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	var warmed atomic.Int64

	for i, query := range queries {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, vector []float32) {
			defer wg.Done()
			defer func() { <-sem }()

			queryCtx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
			defer cancel()
			if _, err := w.engine.Query(queryCtx, vector, w.cfg.TopK); err != nil {
				w.logger.Warn("warm query failed", map[string]interface{}{
					"query": i,
					"error": err.Error(),
				})
				return
			}
			warmed.Add(1)
		}(i, query)
	}
	wg.Wait()

	w.logger.Info("index warm complete", map[string]interface{}{
		"requested": len(queries),
		"warmed":    warmed.Load(),
	})
	return int(warmed.Load())
}

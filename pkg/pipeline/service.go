// Package pipeline runs the full lookup path: fingerprint, the two
// cache tiers, the request coalescer, the embedding client and the
// vector index.
//
// The ordering invariant lives here: on a full miss the embedding is
// computed at most once per fingerprint, written to both cache tiers,
// and only then released to the callers that were waiting on it. The
// monitor observes every stage without sitting on the critical path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/snapmatch-ai/snapmatch/pkg/cache"
	"github.com/snapmatch-ai/snapmatch/pkg/coalesce"
	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/monitor"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
	"github.com/snapmatch-ai/snapmatch/pkg/vectorindex"
)

// Stage names recorded with the monitor.
const (
	StageFingerprint = "fingerprint"
	StageTier1       = "tier1"
	StageTier2       = "tier2"
	StageCoalesce    = "coalesce"
	StageEmbed       = "embed"
	StageUpsert      = "upsert"
	StageQuery       = "query"
)

// Embedder produces the vector for one image. *embedding.Client is the
// production implementation.
type Embedder interface {
	Embed(ctx context.Context, image []byte, contentType string) ([]float32, error)
}

// Index is the slice of the vector engine the pipeline drives.
// *vectorindex.Engine is the production implementation.
type Index interface {
	ApplyProfile(ctx context.Context, profile vectorindex.Profile) error
	Upsert(ctx context.Context, key fingerprint.Fingerprint, vector []float32) error
	Query(ctx context.Context, vector []float32, topK int) ([]vectorindex.Match, error)
	CorpusSize(ctx context.Context) (int, error)
	SampleVectors(ctx context.Context, n int) ([][]float32, error)
}

// Config controls pipeline behavior.
type Config struct {
	// DefaultTopK is the neighbor count used when Search is called
	// with a non-positive topK.
	DefaultTopK int `mapstructure:"default_top_k"`
	// WarmQueryCount is how many corpus vectors Warm samples as
	// representative warm-up queries. Zero disables warm queries.
	WarmQueryCount int `mapstructure:"warm_query_count"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:    10,
		WarmQueryCount: 32,
	}
}

// Deps carries the pipeline's collaborators. Fingerprinter, Cache,
// Embedder and Index are required; the rest default sensibly.
type Deps struct {
	Fingerprinter *fingerprint.Fingerprinter
	Cache         *cache.TieredCache
	Coalescer     *coalesce.Coalescer
	Embedder      Embedder
	Index         Index
	Policy        *vectorindex.Policy
	Warmer        *vectorindex.Warmer
	Monitor       *monitor.Monitor
	Logger        observability.Logger
}

// Result is the outcome of resolving one image to its embedding.
type Result struct {
	RequestID   string                  `json:"request_id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Vector      []float32               `json:"vector"`
	Source      cache.Source            `json:"source"`
}

// Stats is the pipeline snapshot served on the ops surface.
type Stats struct {
	Cache    cache.Stats                `json:"cache"`
	InFlight int64                      `json:"in_flight"`
	Stages   map[string]monitor.Summary `json:"stages"`
}

// Service orchestrates the lookup path. Safe for concurrent use.
type Service struct {
	cfg           Config
	fingerprinter *fingerprint.Fingerprinter
	cache         *cache.TieredCache
	coalescer     *coalesce.Coalescer
	embedder      Embedder
	index         Index
	policy        *vectorindex.Policy
	warmer        *vectorindex.Warmer
	monitor       *monitor.Monitor
	logger        observability.Logger
}

// New builds the pipeline service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Fingerprinter == nil {
		return nil, errors.New("pipeline: fingerprinter is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("pipeline: cache is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("pipeline: embedder is required")
	}
	if deps.Index == nil {
		return nil, errors.New("pipeline: index is required")
	}

	def := DefaultConfig()
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.WarmQueryCount < 0 {
		cfg.WarmQueryCount = 0
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	coalescer := deps.Coalescer
	if coalescer == nil {
		coalescer = coalesce.New(logger)
	}
	policy := deps.Policy
	if policy == nil {
		policy = vectorindex.DefaultPolicy()
	}
	mon := deps.Monitor
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}

	return &Service{
		cfg:           cfg,
		fingerprinter: deps.Fingerprinter,
		cache:         deps.Cache,
		coalescer:     coalescer,
		embedder:      deps.Embedder,
		index:         deps.Index,
		policy:        policy,
		warmer:        deps.Warmer,
		monitor:       mon,
		logger:        logger,
	}, nil
}

// Lookup resolves an image to its embedding: Tier 1, then Tier 2 with
// promotion, then a coalesced computation through the embedding client.
// On a computed result both cache tiers are written before any waiting
// caller is released.
func (s *Service) Lookup(ctx context.Context, image []byte, contentType string) (Result, error) {
	requestID := uuid.New().String()

	start := time.Now()
	key, err := s.fingerprinter.Fingerprint(image)
	if err != nil {
		s.monitor.Record(StageFingerprint, time.Since(start), monitor.OutcomeError)
		return Result{}, err
	}
	s.monitor.Record(StageFingerprint, time.Since(start), monitor.OutcomeHit)

	start = time.Now()
	if entry, ok := s.cache.GetMemory(key); ok {
		s.monitor.Record(StageTier1, time.Since(start), monitor.OutcomeHit)
		return Result{RequestID: requestID, Fingerprint: key, Vector: entry.Vector, Source: cache.SourceTier1}, nil
	}
	s.monitor.Record(StageTier1, time.Since(start), monitor.OutcomeMiss)

	if s.cache.HasPersistent() {
		start = time.Now()
		if entry, ok := s.cache.GetPersistent(ctx, key); ok {
			s.monitor.Record(StageTier2, time.Since(start), monitor.OutcomeHit)
			return Result{RequestID: requestID, Fingerprint: key, Vector: entry.Vector, Source: cache.SourceTier2}, nil
		}
		s.monitor.Record(StageTier2, time.Since(start), monitor.OutcomeMiss)
	}

	// Full miss. However many callers land here with the same key,
	// exactly one embedding call runs; the rest wait for its result.
	var owned atomic.Bool
	start = time.Now()
	vector, err := s.coalescer.Resolve(ctx, key, func(ctx context.Context) ([]float32, error) {
		owned.Store(true)
		embedStart := time.Now()
		vec, embedErr := s.embedder.Embed(ctx, image, contentType)
		if embedErr != nil {
			s.monitor.Record(StageEmbed, time.Since(embedStart), monitor.OutcomeError)
			return nil, embedErr
		}
		s.monitor.Record(StageEmbed, time.Since(embedStart), monitor.OutcomeMiss)

		// Both tiers are primed before the flight completes, so no
		// waiter can miss on a key it was just handed.
		s.cache.Put(ctx, key, vec)
		return vec, nil
	})

	// A coalesce hit means this caller rode someone else's flight.
	outcome := monitor.OutcomeHit
	if owned.Load() {
		outcome = monitor.OutcomeMiss
	}
	if err != nil {
		outcome = monitor.OutcomeError
	}
	s.monitor.Record(StageCoalesce, time.Since(start), outcome)

	if err != nil {
		s.logger.Warn("embedding resolution failed", map[string]interface{}{
			"request_id": requestID,
			"key":        key.String(),
			"error":      err.Error(),
		})
		return Result{}, err
	}
	return Result{RequestID: requestID, Fingerprint: key, Vector: vector, Source: cache.SourceComputed}, nil
}

// Search resolves the image and returns its topK nearest neighbors.
func (s *Service) Search(ctx context.Context, image []byte, contentType string, topK int) ([]vectorindex.Match, error) {
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	res, err := s.Lookup(ctx, image, contentType)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	matches, err := s.index.Query(ctx, res.Vector, topK)
	if err != nil {
		s.monitor.Record(StageQuery, time.Since(start), monitor.OutcomeError)
		return nil, fmt.Errorf("vector query: %w", err)
	}
	s.monitor.Record(StageQuery, time.Since(start), monitor.OutcomeMiss)
	return matches, nil
}

// IndexImage resolves the image and upserts its embedding into the
// vector index. A failed upsert leaves the cache primed, so retrying
// costs a Tier-1 hit instead of a second embedding call.
func (s *Service) IndexImage(ctx context.Context, image []byte, contentType string) (Result, error) {
	res, err := s.Lookup(ctx, image, contentType)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	if err := s.index.Upsert(ctx, res.Fingerprint, res.Vector); err != nil {
		s.monitor.Record(StageUpsert, time.Since(start), monitor.OutcomeError)
		return Result{}, fmt.Errorf("vector upsert: %w", err)
	}
	s.monitor.Record(StageUpsert, time.Since(start), monitor.OutcomeMiss)
	return res, nil
}

// Warm applies the tuning profile for the current corpus size, then
// pages the index in with sampled representative queries. Warm-query
// trouble degrades to a cold start; only sizing and profile application
// can fail Warm.
func (s *Service) Warm(ctx context.Context) error {
	size, err := s.index.CorpusSize(ctx)
	if err != nil {
		return fmt.Errorf("corpus size: %w", err)
	}
	profile := s.policy.SelectProfile(size)
	if err := s.index.ApplyProfile(ctx, profile); err != nil {
		return fmt.Errorf("apply profile %q: %w", profile.Name, err)
	}
	s.logger.Info("index profile applied", map[string]interface{}{
		"profile":     profile.Name,
		"corpus_size": size,
		"quantized":   profile.Quantized,
	})

	if s.warmer == nil || s.cfg.WarmQueryCount <= 0 || size == 0 {
		return nil
	}
	queries, err := s.index.SampleVectors(ctx, s.cfg.WarmQueryCount)
	if err != nil {
		s.logger.Warn("skipping index warm-up", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	s.warmer.Warm(ctx, queries)
	return nil
}

// Stats snapshots the pipeline for the ops surface.
func (s *Service) Stats() Stats {
	return Stats{
		Cache:    s.cache.Stats(),
		InFlight: s.coalescer.InFlight(),
		Stages:   s.monitor.SnapshotAll(),
	}
}

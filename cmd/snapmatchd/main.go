package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapmatch-ai/snapmatch/pkg/api"
	"github.com/snapmatch-ai/snapmatch/pkg/cache"
	"github.com/snapmatch-ai/snapmatch/pkg/coalesce"
	"github.com/snapmatch-ai/snapmatch/pkg/config"
	"github.com/snapmatch-ai/snapmatch/pkg/embedding"
	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/monitor"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
	"github.com/snapmatch-ai/snapmatch/pkg/pipeline"
	"github.com/snapmatch-ai/snapmatch/pkg/vectorindex"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("snapmatchd",
		observability.LogLevel(strings.ToUpper(cfg.Log.Level)))

	// Tier 1 is always on; Tier 2 only when configured.
	memory, err := cache.NewMemoryCache(cfg.MemoryCache, logger.WithPrefix("cache"))
	if err != nil {
		log.Fatalf("Failed to initialize memory cache: %v", err)
	}
	var tier2 cache.Tier2
	if cfg.Redis.Enabled {
		tier2 = cache.NewRedisCache(cfg.Redis, logger.WithPrefix("cache"))
	} else {
		logger.Info("tier2 cache disabled, running memory-only", nil)
	}
	tiered := cache.NewTieredCache(memory, tier2, cfg.Tiered, logger.WithPrefix("cache"))
	defer func() { _ = tiered.Close() }()

	embedClient, err := embedding.NewClient(cfg.Embedding, logger.WithPrefix("embedding"))
	if err != nil {
		log.Fatalf("Failed to initialize embedding client: %v", err)
	}

	engine, err := vectorindex.Open(cfg.Index, logger.WithPrefix("vectorindex"))
	if err != nil {
		log.Fatalf("Failed to connect to vector database: %v", err)
	}
	defer func() { _ = engine.Close() }()
	if err := engine.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure vector schema: %v", err)
	}

	mon := monitor.New(cfg.Monitor)
	svc, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Fingerprinter: fingerprint.New(cfg.Fingerprint),
		Cache:         tiered,
		Coalescer:     coalesce.New(logger.WithPrefix("coalesce")),
		Embedder:      embedClient,
		Index:         engine,
		Policy:        vectorindex.DefaultPolicy(),
		Warmer:        vectorindex.NewWarmer(engine, cfg.Warmer, logger.WithPrefix("vectorindex")),
		Monitor:       mon,
		Logger:        logger.WithPrefix("pipeline"),
	})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	// Pick the tuning profile for the current corpus and page the
	// index in before taking traffic.
	if err := svc.Warm(ctx); err != nil {
		log.Fatalf("Failed to warm vector index: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(monitor.NewCollector(mon))

	server, err := api.New(cfg.API, api.Deps{
		Service:  svc,
		Cache:    tiered,
		Index:    engine,
		Breaker:  embedClient,
		Monitor:  mon,
		Gatherer: registry,
		Logger:   logger.WithPrefix("api"),
	})
	if err != nil {
		log.Fatalf("Failed to build API server: %v", err)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("server stopped gracefully", nil)
}

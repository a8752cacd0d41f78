// Package api serves the HTTP surface: image search and indexing on
// the data side; health, stats, latency summaries and Prometheus
// metrics on the ops side.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/snapmatch-ai/snapmatch/pkg/monitor"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
	"github.com/snapmatch-ai/snapmatch/pkg/pipeline"
	"github.com/snapmatch-ai/snapmatch/pkg/vectorindex"
)

const requestIDHeader = "X-Request-ID"

// Config controls the HTTP server.
type Config struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxImageBytes caps the request body on the data endpoints.
	MaxImageBytes int64 `mapstructure:"max_image_bytes"`
	LogRequests   bool  `mapstructure:"log_requests"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     90 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxImageBytes:   8 << 20,
		LogRequests:     true,
	}
}

// Service is the slice of the pipeline the server exposes.
// *pipeline.Service is the production implementation.
type Service interface {
	Search(ctx context.Context, image []byte, contentType string, topK int) ([]vectorindex.Match, error)
	IndexImage(ctx context.Context, image []byte, contentType string) (pipeline.Result, error)
	Stats() pipeline.Stats
}

// CacheHealth reports Tier-2 state for the health endpoint.
type CacheHealth interface {
	Ping(ctx context.Context) error
	Degraded() bool
}

// Pinger probes a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter exposes the embedding circuit state.
type BreakerReporter interface {
	BreakerState() gobreaker.State
}

// Deps carries the server's collaborators. Service is required; a nil
// optional collaborator drops its endpoint or health component.
type Deps struct {
	Service  Service
	Cache    CacheHealth
	Index    Pinger
	Breaker  BreakerReporter
	Monitor  *monitor.Monitor
	Gatherer prometheus.Gatherer
	Logger   observability.Logger
}

// Server is the HTTP server. Build with New, run with Start.
type Server struct {
	cfg    Config
	deps   Deps
	logger observability.Logger
	router *gin.Engine
	server *http.Server
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("api: service is required")
	}

	def := DefaultConfig()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = def.MaxImageBytes
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	if cfg.LogRequests {
		router.Use(requestLogger(logger))
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		router: router,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1")
	{
		v1.POST("/search", s.handleSearch)
		v1.POST("/images", s.handleIndex)
		v1.GET("/stats", s.handleStats)
		if s.deps.Monitor != nil {
			v1.GET("/latency", gin.WrapH(monitor.NewHandler(s.deps.Monitor, s.logger)))
		}
	}
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("api server listening", map[string]interface{}{
		"addr": s.cfg.ListenAddress,
	})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestID tags every request, preferring the caller's X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("request handled", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"request_id": c.GetString("request_id"),
		})
	}
}

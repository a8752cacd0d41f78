package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// EngineConfig controls the pgvector adapter.
type EngineConfig struct {
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	IndexName  string `mapstructure:"index_name"`
	Dimensions int    `mapstructure:"dimensions"`

	// Connection pool knobs, applied by Open. Zero leaves the driver
	// default in place.
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DefaultEngineConfig returns the adapter defaults. DSN and Dimensions
// still have to be supplied.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Table:     "snapmatch_embeddings",
		IndexName: "snapmatch_embeddings_hnsw",
	}
}

// Match is one nearest-neighbor result. Score is cosine similarity;
// higher is closer.
type Match struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Score       float64                 `json:"score"`
}

// Engine is the pgvector adapter. It owns index DDL (ApplyProfile),
// write traffic (Upsert) and query traffic (Query). Safe for concurrent
// use; profile application is serialized.
type Engine struct {
	db     *sqlx.DB
	table  string
	index  string
	dims   int
	logger observability.Logger

	mu          sync.Mutex
	lastApplied *Profile
	efSearch    int
	quantized   bool
}

// NewEngine wraps an existing database handle.
func NewEngine(db *sqlx.DB, cfg EngineConfig, logger observability.Logger) (*Engine, error) {
	def := DefaultEngineConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.IndexName == "" {
		cfg.IndexName = def.IndexName
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("engine dimensions must be positive, got %d", cfg.Dimensions)
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Engine{
		db:     db,
		table:  cfg.Table,
		index:  cfg.IndexName,
		dims:   cfg.Dimensions,
		logger: logger,
	}, nil
}

// Open connects to Postgres and wraps the handle.
func Open(cfg EngineConfig, logger observability.Logger) (*Engine, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vector database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	engine, err := NewEngine(db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return engine, nil
}

// EnsureSchema creates the extension and the embeddings table if they
// do not exist yet.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			fingerprint TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, e.table, e.dims)
	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create embeddings table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	e.logger.Info("vector schema ready", map[string]interface{}{
		"table":      e.table,
		"dimensions": e.dims,
	})
	return nil
}

// ApplyProfile builds the HNSW index for profile. Re-applying the same
// tuning is a no-op: the index's existence is double-checked against
// pg_indexes and no DDL is issued. Changing tuning drops and rebuilds
// the index. EfSearch alone never rebuilds; it only changes the
// session setting used by Query.
func (e *Engine) ApplyProfile(ctx context.Context, profile Profile) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastApplied != nil && sameTuning(*e.lastApplied, profile) {
		exists, err := e.indexExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			e.efSearch = profile.EfSearch
			e.lastApplied = &profile
			return nil
		}
	}

	indexExpr := "embedding vector_cosine_ops"
	if profile.Quantized {
		indexExpr = fmt.Sprintf("(embedding::halfvec(%d)) halfvec_cosine_ops", e.dims)
	}
	dropSQL := fmt.Sprintf("DROP INDEX IF EXISTS %s", e.index)
	createSQL := fmt.Sprintf(
		"CREATE INDEX %s ON %s USING hnsw (%s) WITH (m = %d, ef_construction = %d)",
		e.index, e.table, indexExpr, profile.M, profile.EfConstruction)

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, dropSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to drop index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.lastApplied = &profile
	e.efSearch = profile.EfSearch
	e.quantized = profile.Quantized
	e.logger.Info("applied index profile", map[string]interface{}{
		"profile":         profile.Name,
		"m":               profile.M,
		"ef_construction": profile.EfConstruction,
		"ef_search":       profile.EfSearch,
		"quantized":       profile.Quantized,
	})
	return nil
}

func (e *Engine) indexExists(ctx context.Context) (bool, error) {
	var exists bool
	err := e.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)", e.index,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check index existence: %w", err)
	}
	return exists, nil
}

// Upsert stores or replaces the embedding for key.
func (e *Engine) Upsert(ctx context.Context, key fingerprint.Fingerprint, vector []float32) error {
	if len(vector) != e.dims {
		return fmt.Errorf("expected %d dimensions, got %d", e.dims, len(vector))
	}
	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, embedding) VALUES ($1, $2::vector)
		ON CONFLICT (fingerprint)
		DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = CURRENT_TIMESTAMP`, e.table)
	if _, err := e.db.ExecContext(ctx, upsertSQL, key.String(), vectorLiteral(vector)); err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// Query returns the topK nearest neighbors by cosine distance. The
// current profile's EfSearch is applied per session; quantized profiles
// query through the same halfvec expression the index was built on.
func (e *Engine) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	if len(vector) != e.dims {
		return nil, fmt.Errorf("expected %d dimensions, got %d", e.dims, len(vector))
	}

	e.mu.Lock()
	efSearch := e.efSearch
	quantized := e.quantized
	e.mu.Unlock()

	distanceExpr := "embedding <=> $1::vector"
	if quantized {
		distanceExpr = fmt.Sprintf("embedding::halfvec(%d) <=> $1::halfvec(%d)", e.dims, e.dims)
	}
	querySQL := fmt.Sprintf(`
		SELECT fingerprint, 1 - (%s) AS score
		FROM %s
		ORDER BY %s
		LIMIT $2`, distanceExpr, e.table, distanceExpr)

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if efSearch > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to set ef_search: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, querySQL, vectorLiteral(vector), topK)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to query neighbors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var key string
		var score float64
		if err := rows.Scan(&key, &score); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		fp, err := fingerprint.Parse(key)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("malformed fingerprint %q in index: %w", key, err)
		}
		matches = append(matches, Match{Fingerprint: fp, Score: score})
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return matches, nil
}

// CorpusSize returns the number of indexed embeddings.
func (e *Engine) CorpusSize(ctx context.Context) (int, error) {
	var count int
	err := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", e.table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return count, nil
}

// SampleVectors returns up to n stored embeddings drawn at random. The
// warmer uses them as representative queries so warming pages in the
// graph regions real traffic will touch.
func (e *Engine) SampleVectors(ctx context.Context, n int) ([][]float32, error) {
	if n <= 0 {
		return nil, nil
	}
	sampleSQL := fmt.Sprintf(
		"SELECT embedding::text FROM %s ORDER BY random() LIMIT $1", e.table)
	rows, err := e.db.QueryContext(ctx, sampleSQL, n)
	if err != nil {
		return nil, fmt.Errorf("failed to sample embeddings: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := parseVectorLiteral(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed embedding in index: %w", err)
		}
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}
	return vectors, nil
}

// Ping probes the database.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close releases the connection pool.
func (e *Engine) Close() error {
	return e.db.Close()
}

// vectorLiteral renders v in pgvector text form: [x,y,z].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVectorLiteral is the inverse of vectorLiteral.
func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("not a vector literal: %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, ",")
	vec := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", part, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

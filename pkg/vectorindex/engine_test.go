package vectorindex

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	engine, err := NewEngine(sqlxDB, EngineConfig{Dimensions: 4}, nil)
	require.NoError(t, err)
	return engine, mock
}

func fpOf(b byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	f[0] = b
	return f
}

func TestEngine_EnsureSchema(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS snapmatch_embeddings").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, engine.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ApplyProfile_BuildsIndex(t *testing.T) {
	engine, mock := newTestEngine(t)
	profile := Profile{Name: "medium", M: 16, EfConstruction: 200, EfSearch: 80}

	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS snapmatch_embeddings_hnsw").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX snapmatch_embeddings_hnsw ON snapmatch_embeddings USING hnsw .embedding vector_cosine_ops. WITH .m = 16, ef_construction = 200.").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, engine.ApplyProfile(context.Background(), profile))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ApplyProfile_ReapplyIssuesNoDDL(t *testing.T) {
	engine, mock := newTestEngine(t)
	profile := Profile{Name: "medium", M: 16, EfConstruction: 200, EfSearch: 80}

	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, engine.ApplyProfile(context.Background(), profile))

	// Same tuning again: only the pg_indexes probe, no DDL.
	mock.ExpectQuery("SELECT EXISTS .SELECT 1 FROM pg_indexes WHERE indexname = .1.").
		WithArgs("snapmatch_embeddings_hnsw").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, engine.ApplyProfile(context.Background(), profile))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ApplyProfile_EfSearchChangeSkipsRebuild(t *testing.T) {
	engine, mock := newTestEngine(t)
	profile := Profile{Name: "medium", M: 16, EfConstruction: 200, EfSearch: 80}

	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, engine.ApplyProfile(context.Background(), profile))

	retuned := profile
	retuned.EfSearch = 120
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("snapmatch_embeddings_hnsw").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, engine.ApplyProfile(context.Background(), retuned))

	assert.Equal(t, 120, engine.efSearch, "ef_search is session-level and must update without DDL")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ApplyProfile_RebuildsOnTuningChange(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, engine.ApplyProfile(context.Background(),
		Profile{Name: "medium", M: 16, EfConstruction: 200, EfSearch: 80}))

	// Different graph tuning forces a drop and rebuild.
	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS snapmatch_embeddings_hnsw").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX snapmatch_embeddings_hnsw ON snapmatch_embeddings USING hnsw .embedding vector_cosine_ops. WITH .m = 32, ef_construction = 400.").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, engine.ApplyProfile(context.Background(),
		Profile{Name: "small", M: 32, EfConstruction: 400, EfSearch: 120}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ApplyProfile_RebuildsWhenIndexMissing(t *testing.T) {
	engine, mock := newTestEngine(t)
	profile := Profile{Name: "medium", M: 16, EfConstruction: 200, EfSearch: 80}

	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, engine.ApplyProfile(context.Background(), profile))

	// Someone dropped the index behind our back: the probe misses and
	// the engine rebuilds.
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("snapmatch_embeddings_hnsw").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, engine.ApplyProfile(context.Background(), profile))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_ApplyProfile_QuantizedUsesHalfvec(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX snapmatch_embeddings_hnsw ON snapmatch_embeddings USING hnsw ..embedding::halfvec.4.. halfvec_cosine_ops. WITH .m = 8, ef_construction = 96.").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, engine.ApplyProfile(context.Background(),
		Profile{Name: "xlarge", M: 8, EfConstruction: 96, EfSearch: 48, Quantized: true}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Upsert(t *testing.T) {
	engine, mock := newTestEngine(t)
	key := fpOf(1)

	mock.ExpectExec("INSERT INTO snapmatch_embeddings .fingerprint, embedding. VALUES").
		WithArgs(key.String(), "[1,2,3,4]").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, engine.Upsert(context.Background(), key, []float32{1, 2, 3, 4}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Upsert_DimensionMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.Upsert(context.Background(), fpOf(1), []float32{1, 2, 3})
	assert.ErrorContains(t, err, "dimensions")
}

func TestEngine_Query(t *testing.T) {
	engine, mock := newTestEngine(t)
	engine.efSearch = 64
	a, b := fpOf('a'), fpOf('b')

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL hnsw.ef_search = 64").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint, 1 - .embedding <=> .1::vector. AS score").
		WithArgs("[0.5,0.5,0.5,0.5]", 2).
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "score"}).
			AddRow(a.String(), 0.93).
			AddRow(b.String(), 0.81))
	mock.ExpectCommit()

	matches, err := engine.Query(context.Background(), []float32{0.5, 0.5, 0.5, 0.5}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, a, matches[0].Fingerprint)
	assert.InDelta(t, 0.93, matches[0].Score, 1e-9)
	assert.Equal(t, b, matches[1].Fingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_Query_NoEfSearchConfigured(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fingerprint").
		WithArgs("[1,1,1,1]", 10).
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "score"}))
	mock.ExpectCommit()

	matches, err := engine.Query(context.Background(), []float32{1, 1, 1, 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_CorpusSize(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	size, err := engine.CorpusSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_SampleVectors(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT embedding::text FROM snapmatch_embeddings ORDER BY random").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"embedding"}).
			AddRow("[0.25,0.5,0.75,1]").
			AddRow("[1,2,3,4]"))

	vectors, err := engine.SampleVectors(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.25, 0.5, 0.75, 1}, vectors[0])
	assert.Equal(t, []float32{1, 2, 3, 4}, vectors[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_SampleVectors_NonPositiveCount(t *testing.T) {
	engine, mock := newTestEngine(t)

	vectors, err := engine.SampleVectors(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, vectors, "a non-positive sample count must not touch the database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseVectorLiteral(t *testing.T) {
	vec, err := parseVectorLiteral(" [1,2.5,-3] ")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, vec)

	roundTrip, err := parseVectorLiteral(vectorLiteral([]float32{0.125, -42, 7}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.125, -42, 7}, roundTrip)

	_, err = parseVectorLiteral("1,2,3")
	assert.Error(t, err)
	_, err = parseVectorLiteral("[1,x]")
	assert.Error(t, err)
}

package keyword

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Schema is the SQL DDL for the keyword tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// The embedding column is unconstrained because its length depends on the
// acoustic model; model_id records which model produced it. Detections are
// not tied to keywords by a foreign key so history survives a removal.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS keywords (
    name           TEXT        PRIMARY KEY,
    pronunciations TEXT[]      NOT NULL,
    embedding      vector      NOT NULL,
    model_id       TEXT        NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS keyword_detections (
    id          BIGSERIAL        PRIMARY KEY,
    keyword     TEXT             NOT NULL,
    session_id  TEXT             NOT NULL DEFAULT '',
    detected_at TIMESTAMPTZ      NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    gap         DOUBLE PRECISION NOT NULL,
    latency_ms  DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_keyword_detections_keyword_time
    ON keyword_detections (keyword, detected_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] and [JournalWriter] backed by PostgreSQL with
// the pgvector extension.
type PostgresStore struct {
	db DB
}

// Compile-time interface checks.
var (
	_ Store         = (*PostgresStore)(nil)
	_ JournalWriter = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. Vector columns require the pgvector types to be
// registered on every connection; [NewPool] does that. The caller is
// responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPool connects to dsn, makes sure the vector extension exists and
// returns a pool whose connections have the pgvector types registered.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("keyword: parse dsn: %w", err)
	}

	// Type registration looks the vector type up, so the extension has to
	// exist before the first pooled connection is made.
	conn, err := pgx.ConnectConfig(ctx, cfg.ConnConfig)
	if err != nil {
		return nil, fmt.Errorf("keyword: connect: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyword: create vector extension: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("keyword: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("keyword: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("keyword: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("keyword: ping: %w", err)
	}
	return nil
}

// Save inserts or replaces a keyword definition.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO keywords (name, pronunciations, embedding, model_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			pronunciations = EXCLUDED.pronunciations,
			embedding = EXCLUDED.embedding,
			model_id = EXCLUDED.model_id,
			updated_at = now()`

	_, err := s.db.Exec(ctx, query,
		rec.Name, rec.Pronunciations, pgvector.NewVector(rec.Embedding), rec.ModelID)
	if err != nil {
		return fmt.Errorf("keyword: save %q: %w", rec.Name, err)
	}
	return nil
}

// Delete removes a keyword definition. Deleting a missing keyword is not an
// error.
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM keywords WHERE name = $1`
	if _, err := s.db.Exec(ctx, query, name); err != nil {
		return fmt.Errorf("keyword: delete %q: %w", name, err)
	}
	return nil
}

// Load returns every stored definition ordered by name.
func (s *PostgresStore) Load(ctx context.Context) ([]Record, error) {
	const query = `
		SELECT name, pronunciations, embedding, model_id
		FROM keywords
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("keyword: load: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec Record
			vec pgvector.Vector
		)
		if err := rows.Scan(&rec.Name, &rec.Pronunciations, &vec, &rec.ModelID); err != nil {
			return nil, fmt.Errorf("keyword: load scan: %w", err)
		}
		rec.Embedding = vec.Slice()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keyword: load: %w", err)
	}
	return recs, nil
}

// AppendDetections inserts ds into keyword_detections with one statement.
func (s *PostgresStore) AppendDetections(ctx context.Context, ds []Detection) error {
	if len(ds) == 0 {
		return nil
	}
	var (
		names      = make([]string, len(ds))
		sessions   = make([]string, len(ds))
		times      = make([]time.Time, len(ds))
		confidence = make([]float64, len(ds))
		gaps       = make([]float64, len(ds))
		latencies  = make([]*float64, len(ds))
	)
	for i, d := range ds {
		names[i] = d.Keyword
		sessions[i] = d.SessionID
		times[i] = d.At
		confidence[i] = d.Confidence
		gaps[i] = d.Gap
		if d.LatencyKnown {
			l := ms(d.Latency)
			latencies[i] = &l
		}
	}

	const query = `
		INSERT INTO keyword_detections (keyword, session_id, detected_at, confidence, gap, latency_ms)
		SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::float8[], $5::float8[], $6::float8[])`

	if _, err := s.db.Exec(ctx, query, names, sessions, times, confidence, gaps, latencies); err != nil {
		return fmt.Errorf("keyword: append %d detections: %w", len(ds), err)
	}
	return nil
}

// Package workstore implements the Work store (W): EncodedBody and Response
// rows, accessed through pgx rather than GORM because the Queue Processor
// needs SELECT ... FOR UPDATE SKIP LOCKED, which GORM does not express well.
//
// Grounded on the teacher's db/postgres_pgx.go pgxpool wrapper.
package workstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the Work store connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the Work store.
func Open(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("workstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workstore: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Migrate creates the encoded_bodies and responses tables if absent. The
// Work store is accessed with raw SQL throughout, so schema management is a
// plain migration script rather than GORM AutoMigrate.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS encoded_bodies (
			id TEXT PRIMARY KEY,
			document_key TEXT NOT NULL UNIQUE,
			content_base64 TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id TEXT PRIMARY KEY,
			batch_id BIGINT NOT NULL,
			document_key TEXT NOT NULL,
			document_id BIGINT NOT NULL,
			prompt_id BIGINT NOT NULL,
			connection_id BIGINT NOT NULL,
			connection_snapshot JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'QUEUED',
			task_id TEXT,
			remote_task_id TEXT,
			response_text TEXT,
			response_json JSONB,
			error_message TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			time_taken_seconds DOUBLE PRECISION,
			tokens_per_second DOUBLE PRECISION,
			overall_score DOUBLE PRECISION,
			started_processing_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_key, prompt_id, connection_id)
		)`,
		`CREATE INDEX IF NOT EXISTS responses_batch_status_idx ON responses (batch_id, status)`,
		`CREATE INDEX IF NOT EXISTS responses_queued_idx ON responses (status) WHERE status = 'QUEUED'`,
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("workstore: migrate: %w", err)
		}
	}
	return nil
}

// Pool exposes the underlying pool for callers needing a transaction.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Close releases the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

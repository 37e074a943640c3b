package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	language   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL DEFAULT '',
	submitter_id TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL,
	code_hash    TEXT NOT NULL,
	state        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	exit_code    INTEGER NOT NULL DEFAULT 0,
	stdout       TEXT NOT NULL DEFAULT '',
	stderr       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_session_idx ON executions (session_id, created_at DESC);`

// DB wraps a PostgreSQL connection pool for documents and the executions audit log.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Get loads a session document.
func (db *DB) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := db.pool.QueryRow(ctx,
		`SELECT id, code, language, updated_at FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Code, &doc.Language, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document %s: %w", id, err)
	}
	return &doc, nil
}

// Upsert replaces the whole document.
func (db *DB) Upsert(ctx context.Context, id string, w DocumentWrite) error {
	query := `
		INSERT INTO documents (id, code, language, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET code = EXCLUDED.code, language = EXCLUDED.language, updated_at = EXCLUDED.updated_at`

	if _, err := db.pool.Exec(ctx, query, id, w.Code, w.Language); err != nil {
		return fmt.Errorf("upserting document %s: %w", id, err)
	}
	return nil
}

// LogExecution inserts a terminal job record into the audit log. Re-logging
// the same job id is a no-op.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, session_id, submitter_id, language, code_hash,
			state, status, exit_code, stdout, stderr, error, attempts, duration_ms,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.SessionID, exec.SubmitterID, exec.Language, exec.CodeHash,
		exec.State, exec.Status, exec.ExitCode,
		truncateForDB(exec.Stdout, 65535),
		truncateForDB(exec.Stderr, 65535),
		exec.Error, exec.Attempts, exec.DurationMS,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, session_id, submitter_id, language, code_hash, state, status,
			exit_code, stdout, stderr, error, attempts, duration_ms, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.SessionID, &exec.SubmitterID, &exec.Language, &exec.CodeHash,
		&exec.State, &exec.Status, &exec.ExitCode,
		&exec.Stdout, &exec.Stderr, &exec.Error,
		&exec.Attempts, &exec.DurationMS,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, session_id, submitter_id, language, code_hash, state, status,
			exit_code, attempts, duration_ms, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.SessionID, filter.State, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.SessionID, &exec.SubmitterID, &exec.Language, &exec.CodeHash,
			&exec.State, &exec.Status, &exec.ExitCode,
			&exec.Attempts, &exec.DurationMS,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

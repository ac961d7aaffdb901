package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS persistent_graphs (
	namespace  TEXT PRIMARY KEY,
	blob       JSONB NOT NULL,
	version    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresGraphBackend keeps persistent graphs in a PostgreSQL table.
type PostgresGraphBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresGraphBackend connects to dsn and ensures the graph table exists.
func NewPostgresGraphBackend(ctx context.Context, dsn string) (*PostgresGraphBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create persistent_graphs table: %w", err)
	}

	return &PostgresGraphBackend{pool: pool}, nil
}

// Load returns the persistent graph stored for namespace.
func (p *PostgresGraphBackend) Load(ctx context.Context, namespace string) (*GraphBlob, Version, error) {
	var data []byte
	var version string

	err := p.pool.QueryRow(ctx,
		`SELECT blob, version FROM persistent_graphs WHERE namespace = $1`,
		namespace,
	).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyGraphBlob(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load persistent graph: %w", err)
	}

	blob, err := DecodeGraphBlob(data)
	if err != nil {
		return nil, "", err
	}
	return blob, Version(version), nil
}

// Store writes the persistent graph if expected is still current.
func (p *PostgresGraphBackend) Store(ctx context.Context, namespace string, blob *GraphBlob, expected Version) (Version, error) {
	data, err := EncodeGraphBlob(blob)
	if err != nil {
		return "", err
	}

	next := Version(uuid.New().String())
	now := time.Now().UTC()

	var query string
	var args []any
	if expected == "" {
		query = `
			INSERT INTO persistent_graphs (namespace, blob, version, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (namespace) DO NOTHING
		`
		args = []any{namespace, data, string(next), now}
	} else {
		query = `
			UPDATE persistent_graphs
			SET blob = $2, version = $3, updated_at = $4
			WHERE namespace = $1 AND version = $5
		`
		args = []any{namespace, data, string(next), now, string(expected)}
	}

	result, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("store persistent graph: %w", err)
	}
	if result.RowsAffected() == 0 {
		return "", ErrVersionConflict
	}
	return next, nil
}

// Delete removes the persistent graph for namespace.
func (p *PostgresGraphBackend) Delete(ctx context.Context, namespace string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM persistent_graphs WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("delete persistent graph: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresGraphBackend) Close() error {
	p.pool.Close()
	return nil
}

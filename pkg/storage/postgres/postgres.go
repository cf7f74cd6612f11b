package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/censys/intake-scanner/pkg/storage"
)

type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool. Call EnsureSchema before using it.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the scan_outcomes table if it is missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS scan_outcomes (
  object_key TEXT PRIMARY KEY,
  outcome TEXT NOT NULL,
  area TEXT NOT NULL,
  signature TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  size_bytes BIGINT NOT NULL,
  routed_at TIMESTAMPTZ NOT NULL
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ERROR creating scan_outcomes table: %w", err)
	}
	return nil
}

// UpsertOutcome records the terminal outcome of an object. Repeated
// notifications for the same key only overwrite with an equal or newer
// routed_at, so redelivered events cannot roll the record back.
func (r *Repository) UpsertOutcome(ctx context.Context, record storage.OutcomeRecord) error {
	const query = `
INSERT INTO scan_outcomes (object_key, outcome, area, signature, reason, size_bytes, routed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (object_key)
DO UPDATE SET
  outcome = EXCLUDED.outcome,
  area = EXCLUDED.area,
  signature = EXCLUDED.signature,
  reason = EXCLUDED.reason,
  size_bytes = EXCLUDED.size_bytes,
  routed_at = EXCLUDED.routed_at
WHERE EXCLUDED.routed_at >= scan_outcomes.routed_at;
`
	_, err := r.pool.Exec(ctx, query,
		record.ObjectKey,
		record.Outcome,
		string(record.Area),
		record.Signature,
		record.Reason,
		record.Size,
		record.RoutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

// Close helps when wiring Repository to a lifecycle manager.
func (r *Repository) Close() {
	r.pool.Close()
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// The ledger is written once per routed object; a small pool is plenty.
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

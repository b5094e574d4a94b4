// Package pg is the Postgres-backed store.Store implementation: events, work_queue,
// proposals, blocks, idempotency_keys and revisions all live in one relational
// database, with LISTEN/NOTIFY carrying the bus's lightweight envelopes. Grounded on
// the teacher's pkg/datastorage/server connection handling (bug #200: pgx's default
// QueryExecModeCacheStatement caches prepared statements across schema migrations and
// breaks with "cached plan must not change result type"; DescribeExec avoids that by
// describing each query without caching the plan).
package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/jackc/pgx/v5/stdlib" // also registers the "pgx" database/sql driver for sqlx
	"github.com/kvknd/substrated/internal/config"
)

// NewPgxConnConfig parses dsn and forces DefaultQueryExecMode to DescribeExec so a
// live Helm-upgrade-style migration never invalidates a cached prepared plan (#200).
func NewPgxConnConfig(dsn string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return cfg, nil
}

// Open constructs a pooled sqlx.DB bound to the pgx stdlib driver, with the pool
// sizing and lifetime knobs from DatabaseConfig.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	connCfg, err := NewPgxConnConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to build pgxpool config: %w", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	sqlDB := stdlib.OpenDB(*connCfg)
	db := sqlx.NewDb(sqlDB, "pgx")
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// Ping verifies connectivity with a bounded timeout, used by the orchestrator's
// startup healthcheck.
func Ping(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

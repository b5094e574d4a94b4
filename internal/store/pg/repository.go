package pg

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
	"go.uber.org/zap"
)

// Repository is the Postgres-backed store.Store implementation.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New constructs a Repository over an already-opened, migrated database handle.
func New(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

var _ store.Store = (*Repository)(nil)

// WithAdvisoryLock serializes commits to one basket using Postgres's
// transaction-level advisory locks (spec §5 Ordering guarantees: commits to one
// basket are serialized). pg_advisory_xact_lock is released automatically at
// transaction end, so a dedicated transaction holds the lock while fn runs; fn
// receives only ctx, and its own statements do not run in that transaction.
func (r *Repository) WithAdvisoryLock(ctx context.Context, basketID domain.ID, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advisory lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockKey := basketLockKey(basketID)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire basket advisory lock: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// basketLockKey derives a stable 64-bit advisory lock key from the first eight
// bytes of a basket UUID, matching the Postgres advisory-lock key domain (bigint).
func basketLockKey(basketID domain.ID) int64 {
	var key int64
	b := basketID
	for i := 0; i < 8; i++ {
		key = (key << 8) | int64(b[i])
	}
	return key
}

package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kvknd/substrated/pkg/domain"
)

// Reserve inserts (request_id) atomically; ON CONFLICT DO NOTHING plus a follow-up
// read makes the dedup check race-free under concurrent producers retrying the same
// request_id (spec invariant 1: exactly one delta per request_id).
func (r *Repository) Reserve(ctx context.Context, requestID string) (bool, domain.ID, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (request_id) VALUES ($1)
		ON CONFLICT (request_id) DO NOTHING`, requestID)
	if err != nil {
		return false, domain.ID{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.ID{}, err
	}
	if n == 1 {
		return false, domain.ID{}, nil
	}

	var deltaID *domain.ID
	err = r.db.GetContext(ctx, &deltaID, `SELECT delta_id FROM idempotency_keys WHERE request_id = $1`, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, domain.ID{}, nil
		}
		return false, domain.ID{}, err
	}
	if deltaID == nil {
		return true, domain.ID{}, nil
	}
	return true, *deltaID, nil
}

func (r *Repository) Resolve(ctx context.Context, requestID string, deltaID domain.ID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE idempotency_keys SET delta_id = $1 WHERE request_id = $2`, deltaID, requestID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

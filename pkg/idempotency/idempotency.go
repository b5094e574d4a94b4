// Package idempotency guarantees at-most-once application of externally triggered
// mutations by request_id (spec §4.2, component C3): exactly one delta is ever
// produced per request_id, even under concurrent retries of the same request.
package idempotency

import (
	"context"

	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
)

// Guard wraps store.IdempotencyStore with the reserve/resolve protocol callers use
// around a mutating operation.
type Guard struct {
	store store.IdempotencyStore
}

func New(s store.IdempotencyStore) *Guard {
	return &Guard{store: s}
}

// Outcome reports whether requestID had already been seen, and if so whether a
// delta was already resolved for it.
type Outcome struct {
	AlreadySeen bool
	DeltaID     domain.ID
	HasDelta    bool
}

// Begin reserves requestID. If it was already reserved by a prior call, Outcome
// reports that (with the resolved delta id, if one exists yet) and the caller must
// not re-run the mutation -- it should return the prior delta id, or, if HasDelta is
// false, treat the original request as still in flight.
func (g *Guard) Begin(ctx context.Context, requestID string) (Outcome, error) {
	existed, deltaID, err := g.store.Reserve(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if !existed {
		return Outcome{AlreadySeen: false}, nil
	}
	zero := domain.ID{}
	return Outcome{AlreadySeen: true, DeltaID: deltaID, HasDelta: deltaID != zero}, nil
}

// Resolve attaches the produced delta id to requestID once the mutation completes.
func (g *Guard) Resolve(ctx context.Context, requestID string, deltaID domain.ID) error {
	return g.store.Resolve(ctx, requestID, deltaID)
}

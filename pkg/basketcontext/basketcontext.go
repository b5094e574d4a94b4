// Package basketcontext is the read-only substrate projection (spec §4.3,
// component C9) that validation and stage agents consult: active blocks for a
// basket, dedup candidates for a proposed CreateBlock, and a usage/staleness
// snapshot. It never mutates the store; every write path runs through
// pkg/governance's commit.
package basketcontext

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
)

// Projection wraps the store's read-only basket surfaces.
type Projection struct {
	blocks  store.BlockStore
	context store.BasketContextStore
}

func New(blocks store.BlockStore, ctx store.BasketContextStore) *Projection {
	return &Projection{blocks: blocks, context: ctx}
}

// ActiveBlocks returns every non-terminal block in a basket, ordered however the
// store returns them (no further ranking is part of this projection's contract).
func (p *Projection) ActiveBlocks(ctx context.Context, basketID domain.ID) ([]domain.Block, error) {
	return p.blocks.ListActiveBlocks(ctx, basketID)
}

// History returns a block's revision log, oldest first.
func (p *Projection) History(ctx context.Context, blockID domain.ID) ([]domain.Revision, error) {
	return p.blocks.ListRevisions(ctx, blockID)
}

// Dedup finds near-duplicate active blocks for proposed content, used by
// pkg/governance.Validator and directly by a P1 stage agent deciding whether to
// propose CreateBlock or UpdateBlock for the same idea.
func (p *Projection) Dedup(ctx context.Context, basketID domain.ID, content string, threshold float64) ([]domain.DedupHint, error) {
	return p.context.FindSimilarBlocks(ctx, basketID, content, threshold, 5)
}

// Usage reports substrate health for a basket (active/stale block counts, goal and
// constraint totals), consumed by status API and P3_REFLECTION's staleness check.
func (p *Projection) Usage(ctx context.Context, basketID domain.ID, staleAfter time.Duration) (store.UsageSnapshot, error) {
	return p.context.UsageSnapshot(ctx, basketID, staleAfter)
}

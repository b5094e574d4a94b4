package pg

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
)

// FindSimilarBlocks finds near-duplicate blocks for semantic dedup (spec §4.4 point
// 4) using pg_trgm's similarity() between content and each non-rejected,
// non-superseded block's title plus content, keeping scores at or above threshold,
// best first. It compares text only: no embedding column is read and pkg/embedder
// is not called.
func (r *Repository) FindSimilarBlocks(ctx context.Context, basketID domain.ID, content string, threshold float64, limit int) ([]domain.DedupHint, error) {
	type row struct {
		BlockID    domain.ID `db:"block_id"`
		Similarity float64   `db:"similarity"`
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id AS block_id, similarity(title || ' ' || content, $1) AS similarity
		FROM blocks
		WHERE basket_id = $2 AND status NOT IN ('REJECTED', 'SUPERSEDED')
		  AND similarity(title || ' ' || content, $1) >= $3
		ORDER BY similarity DESC
		LIMIT $4`, content, basketID, threshold, limit)
	if err != nil {
		return nil, err
	}
	hints := make([]domain.DedupHint, 0, len(rows))
	for i, rr := range rows {
		hints = append(hints, domain.DedupHint{OpIndex: i, ExistingBlockID: rr.BlockID, Similarity: rr.Similarity})
	}
	return hints, nil
}

// UsageSnapshot aggregates active/stale block counts and goal/constraint totals for
// a basket, grounded on original_source/api/src/app/db/reports.py's usage report shape.
func (r *Repository) UsageSnapshot(ctx context.Context, basketID domain.ID, staleAfter time.Duration) (store.UsageSnapshot, error) {
	snap := store.UsageSnapshot{BasketID: basketID}
	cutoff := time.Now().Add(-staleAfter)

	var counts struct {
		Active      int `db:"active"`
		Stale       int `db:"stale"`
		Goals       int `db:"goals"`
		Constraints int `db:"constraints"`
	}
	err := r.db.GetContext(ctx, &counts, `
		SELECT
			count(*) FILTER (WHERE status NOT IN ('REJECTED', 'SUPERSEDED')) AS active,
			count(*) FILTER (WHERE status NOT IN ('REJECTED', 'SUPERSEDED') AND last_validated_at < $2) AS stale,
			count(*) FILTER (WHERE semantic_type = 'goal' AND status NOT IN ('REJECTED', 'SUPERSEDED')) AS goals,
			count(*) FILTER (WHERE semantic_type = 'constraint' AND status NOT IN ('REJECTED', 'SUPERSEDED')) AS constraints
		FROM blocks WHERE basket_id = $1`, basketID, cutoff)
	if err != nil {
		return store.UsageSnapshot{}, err
	}
	snap.ActiveBlocks, snap.StaleBlocks, snap.GoalCount, snap.ConstraintCount = counts.Active, counts.Stale, counts.Goals, counts.Constraints

	var contextItems int
	if err := r.db.GetContext(ctx, &contextItems, `SELECT count(*) FROM context_items WHERE basket_id = $1`, basketID); err != nil {
		return store.UsageSnapshot{}, err
	}
	snap.ContextItems = contextItems
	return snap, nil
}

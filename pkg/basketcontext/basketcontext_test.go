package basketcontext

import (
	"context"
	"testing"
	"time"

	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
)

func TestActiveBlocks_ExcludesRejectedAndSuperseded(t *testing.T) {
	st := memtest.New()
	basketID := domain.NewID()
	st.SeedBlock(domain.Block{ID: domain.NewID(), BasketID: basketID, Status: domain.BlockAccepted})
	st.SeedBlock(domain.Block{ID: domain.NewID(), BasketID: basketID, Status: domain.BlockRejected})
	st.SeedBlock(domain.Block{ID: domain.NewID(), BasketID: basketID, Status: domain.BlockSuperseded})
	st.SeedBlock(domain.Block{ID: domain.NewID(), BasketID: domain.NewID(), Status: domain.BlockAccepted})

	p := New(st, st)
	blocks, err := p.ActiveBlocks(context.Background(), basketID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 active block, got %d", len(blocks))
	}
	if blocks[0].Status != domain.BlockAccepted {
		t.Errorf("expected the remaining block to be ACCEPTED, got %s", blocks[0].Status)
	}
}

func TestDedup_DelegatesToStoreSimilarityHook(t *testing.T) {
	st := memtest.New()
	wantHint := domain.DedupHint{ExistingBlockID: domain.NewID(), Similarity: 0.91}
	st.SimilarityFn = func(basketID domain.ID, content string) []domain.DedupHint {
		return []domain.DedupHint{wantHint}
	}

	p := New(st, st)
	hints, err := p.Dedup(context.Background(), domain.NewID(), "some content", 0.8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hints) != 1 || hints[0].ExistingBlockID != wantHint.ExistingBlockID {
		t.Errorf("expected dedup hint %+v, got %+v", wantHint, hints)
	}
}

func TestUsage_CountsActiveAndStaleBlocks(t *testing.T) {
	st := memtest.New()
	basketID := domain.NewID()
	st.SeedBlock(domain.Block{
		ID: domain.NewID(), BasketID: basketID, Status: domain.BlockAccepted,
		SemanticType: domain.SemanticGoal, LastValidatedAt: time.Now(),
	})
	st.SeedBlock(domain.Block{
		ID: domain.NewID(), BasketID: basketID, Status: domain.BlockAccepted,
		SemanticType: domain.SemanticConstraint, LastValidatedAt: time.Now().Add(-48 * time.Hour),
	})
	st.SeedBlock(domain.Block{ID: domain.NewID(), BasketID: basketID, Status: domain.BlockRejected})

	p := New(st, st)
	snap, err := p.Usage(context.Background(), basketID, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ActiveBlocks != 2 {
		t.Errorf("ActiveBlocks = %d, want 2 (rejected block excluded)", snap.ActiveBlocks)
	}
	if snap.StaleBlocks != 1 {
		t.Errorf("StaleBlocks = %d, want 1", snap.StaleBlocks)
	}
	if snap.GoalCount != 1 || snap.ConstraintCount != 1 {
		t.Errorf("GoalCount/ConstraintCount = %d/%d, want 1/1", snap.GoalCount, snap.ConstraintCount)
	}
}

func TestHistory_ReturnsEmptyForUnknownBlock(t *testing.T) {
	st := memtest.New()
	p := New(st, st)
	revisions, err := p.History(context.Background(), domain.NewID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(revisions) != 0 {
		t.Errorf("expected no revisions for an unknown block, got %d", len(revisions))
	}
}

package governance

import (
	"context"
	"testing"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance/policy"
)

func newTestValidator(t *testing.T) (*Validator, *memtest.Store) {
	t.Helper()
	st := memtest.New()
	policyEngine := policy.NewEngine(config.DefaultPolicyTable(0.85), policy.NewGojqEvaluator())
	return NewValidator(st, st, policyEngine, 0.8), st
}

func TestValidate_WellFormedCreateBlockAutoApproves(t *testing.T) {
	v, _ := newTestValidator(t)
	basketID := domain.NewID()
	p := domain.Proposal{
		ID:         domain.NewID(),
		BasketID:   basketID,
		Confidence: 0.95,
		Ops: []domain.Op{{
			Type: domain.OpCreateBlock,
			CreateBlock: &domain.CreateBlockOp{
				BasketID:     basketID,
				WorkspaceID:  domain.NewID(),
				Title:        "a goal",
				SemanticType: domain.SemanticGoal,
				Content:      "ship the thing",
				Confidence:   0.95,
			},
		}},
	}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.OK {
		t.Fatalf("expected report.OK, got errors: %+v", report.OpReports)
	}
	if report.PolicyDecision != domain.AutoApprove {
		t.Errorf("decision = %s, want AUTO_APPROVE", report.PolicyDecision)
	}
}

func TestValidate_CreateBlockMissingRequiredFieldFailsSchema(t *testing.T) {
	v, _ := newTestValidator(t)
	p := domain.Proposal{
		ID:         domain.NewID(),
		Confidence: 0.9,
		Ops: []domain.Op{{
			Type: domain.OpCreateBlock,
			CreateBlock: &domain.CreateBlockOp{
				// Title and SemanticType omitted -- should fail struct validation.
				BasketID:    domain.NewID(),
				WorkspaceID: domain.NewID(),
				Content:     "no title here",
			},
		}},
	}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.OK {
		t.Fatal("expected report.OK = false for a schema-invalid op")
	}
	if len(report.OpReports) != 1 || report.OpReports[0].OK {
		t.Fatalf("expected exactly one failing op report, got %+v", report.OpReports)
	}
}

func TestValidate_ZeroOpsProposalIsRejected(t *testing.T) {
	v, _ := newTestValidator(t)
	p := domain.Proposal{ID: domain.NewID(), Confidence: 1.0}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.OK {
		t.Fatal("expected report.OK = false for a proposal with 0 ops")
	}
	if report.PolicyDecision != domain.PolicyReject {
		t.Errorf("decision = %s, want REJECT for a 0-op proposal", report.PolicyDecision)
	}
}

func TestValidate_UpdateBlockOnMissingBlockFailsReferential(t *testing.T) {
	v, _ := newTestValidator(t)
	p := domain.Proposal{
		ID:         domain.NewID(),
		Confidence: 0.9,
		Ops: []domain.Op{{
			Type: domain.OpUpdateBlock,
			UpdateBlock: &domain.UpdateBlockOp{
				BasketID:    domain.NewID(),
				WorkspaceID: domain.NewID(),
				BlockID:     domain.NewID(),
				FromVersion: 1,
				Patch:       map[string]any{"content": "new content"},
			},
		}},
	}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.OK {
		t.Fatal("expected report.OK = false when the referenced block does not exist")
	}
}

func TestValidate_UpdateOnLockedBlockFailsContentEditableCheck(t *testing.T) {
	v, st := newTestValidator(t)
	basketID := domain.NewID()
	blockID := domain.NewID()
	st.SeedBlock(domain.Block{
		ID:       blockID,
		BasketID: basketID,
		Status:   domain.BlockLocked,
		Version:  3,
		Content:  "locked content",
	})

	p := domain.Proposal{
		ID:         domain.NewID(),
		BasketID:   basketID,
		Confidence: 0.9,
		Ops: []domain.Op{{
			Type: domain.OpUpdateBlock,
			UpdateBlock: &domain.UpdateBlockOp{
				BasketID:    basketID,
				WorkspaceID: domain.NewID(),
				BlockID:     blockID,
				FromVersion: 3,
				Patch:       map[string]any{"content": "agent trying to sneak an edit in"},
			},
		}},
	}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.OK {
		t.Fatal("expected report.OK = false for a content edit to a LOCKED block")
	}
}

func TestValidate_MergeBlocksRequiresReviewEvenAtFullConfidence(t *testing.T) {
	v, st := newTestValidator(t)
	basketID := domain.NewID()
	primary := domain.NewID()
	merged := domain.NewID()
	st.SeedBlock(domain.Block{ID: primary, BasketID: basketID, Status: domain.BlockAccepted, Version: 1})
	st.SeedBlock(domain.Block{ID: merged, BasketID: basketID, Status: domain.BlockAccepted, Version: 1})

	p := domain.Proposal{
		ID:         domain.NewID(),
		BasketID:   basketID,
		Confidence: 1.0,
		Ops: []domain.Op{{
			Type: domain.OpMergeBlocks,
			MergeBlocks: &domain.MergeBlocksOp{
				BasketID:    basketID,
				WorkspaceID: domain.NewID(),
				PrimaryID:   primary,
				MergedIDs:   []domain.ID{merged},
			},
		}},
	}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.OK {
		t.Fatalf("merge of two existing blocks should pass validation, got: %+v", report.OpReports)
	}
	if report.PolicyDecision != domain.RequireReview {
		t.Errorf("decision = %s, want REQUIRE_REVIEW", report.PolicyDecision)
	}
}

func TestValidate_DedupHintSurfacesAsWarningAndForcesReview(t *testing.T) {
	st := memtest.New()
	existing := domain.NewID()
	st.SimilarityFn = func(basketID domain.ID, content string) []domain.DedupHint {
		return []domain.DedupHint{{ExistingBlockID: existing, Similarity: 0.93}}
	}
	policyEngine := policy.NewEngine(config.DefaultPolicyTable(0.85), policy.NewGojqEvaluator())
	v := NewValidator(st, st, policyEngine, 0.8)

	basketID := domain.NewID()
	p := domain.Proposal{
		ID:         domain.NewID(),
		BasketID:   basketID,
		Confidence: 0.97,
		Ops: []domain.Op{{
			Type: domain.OpCreateBlock,
			CreateBlock: &domain.CreateBlockOp{
				BasketID:     basketID,
				WorkspaceID:  domain.NewID(),
				Title:        "near duplicate",
				SemanticType: domain.SemanticFinding,
				Content:      "same idea, different words",
				Confidence:   0.97,
			},
		}},
	}

	report, err := v.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.OK {
		t.Fatalf("dedup hints should not fail the report outright, got: %+v", report.OpReports)
	}
	if len(report.DedupHints) != 1 {
		t.Fatalf("expected one dedup hint, got %d", len(report.DedupHints))
	}
	if report.PolicyDecision != domain.RequireReview {
		t.Errorf("decision = %s, want REQUIRE_REVIEW when dedup hints are present", report.PolicyDecision)
	}
}

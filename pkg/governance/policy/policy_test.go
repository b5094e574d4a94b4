package policy

import (
	"context"
	"testing"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/pkg/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(config.DefaultPolicyTable(0.85), NewGojqEvaluator())
}

func TestEngine_HighConfidenceCreateBlockAutoApproves(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), Input{
		Op: domain.OpCreateBlock, Confidence: 0.95, DedupHints: nil,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != domain.AutoApprove {
		t.Errorf("decision = %s, want AUTO_APPROVE", result.Decision)
	}
}

func TestEngine_LowConfidenceCreateBlockDefaultsToReview(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), Input{
		Op: domain.OpCreateBlock, Confidence: 0.40,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Matched {
		t.Errorf("low confidence should not match the auto-approve rule")
	}
	if result.Decision != domain.RequireReview {
		t.Errorf("decision = %s, want REQUIRE_REVIEW (fail-safe default)", result.Decision)
	}
}

func TestEngine_DedupHintsBlockAutoApprove(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), Input{
		Op: domain.OpCreateBlock, Confidence: 0.99,
		DedupHints: []domain.DedupHint{{OpIndex: 0, ExistingBlockID: domain.NewID(), Similarity: 0.92}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != domain.RequireReview {
		t.Errorf("decision = %s, want REQUIRE_REVIEW when dedup hints exist", result.Decision)
	}
}

func TestEngine_MergeAlwaysRequiresReview(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), Input{Op: domain.OpMergeBlocks, Confidence: 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != domain.RequireReview || !result.Matched {
		t.Errorf("merge ops must always require review, got decision=%s matched=%v", result.Decision, result.Matched)
	}
}

func TestEngine_UpdateOnLockedBlockRejected(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), Input{
		Op: domain.OpUpdateBlock, Confidence: 1.0, BlockStatus: "LOCKED",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != domain.PolicyReject {
		t.Errorf("decision = %s, want REJECT for an update to a locked block", result.Decision)
	}
}

func TestEngine_UpdateOnAcceptedBlockDefaultsToReview(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), Input{
		Op: domain.OpUpdateBlock, Confidence: 1.0, BlockStatus: "ACCEPTED",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Matched {
		t.Errorf("no default policy table rule should match an update to a non-locked block")
	}
	if result.Decision != domain.RequireReview {
		t.Errorf("decision = %s, want REQUIRE_REVIEW", result.Decision)
	}
}

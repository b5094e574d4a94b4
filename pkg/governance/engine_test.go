package governance

import (
	"context"
	"testing"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance/policy"
	"go.uber.org/zap"
)

// newTestEngine builds an Engine with a nil event bus: Engine.emit is a no-op when
// e.bus == nil, so governance lifecycle logic can be exercised without a live
// Postgres-backed pkg/bus.Bus.
func newTestEngine(t *testing.T) (*Engine, *memtest.Store) {
	t.Helper()
	st := memtest.New()
	policyEngine := policy.NewEngine(config.DefaultPolicyTable(0.85), policy.NewGojqEvaluator())
	validator := NewValidator(st, st, policyEngine, 0.8)
	return NewEngine(st, validator, nil, nil, zap.NewNop()), st
}

func wellFormedProposal(basketID domain.ID, confidence float64) domain.Proposal {
	return domain.Proposal{
		BasketID:   basketID,
		Confidence: confidence,
		Ops: []domain.Op{{
			Type: domain.OpCreateBlock,
			CreateBlock: &domain.CreateBlockOp{
				BasketID:     basketID,
				WorkspaceID:  domain.NewID(),
				Title:        "a goal",
				SemanticType: domain.SemanticGoal,
				Content:      "ship the thing",
				Confidence:   confidence,
			},
		}},
	}
}

func TestDraft_HighConfidenceAutoApprovesAndCommitsSynchronously(t *testing.T) {
	e, _ := newTestEngine(t)
	basketID := domain.NewID()

	p, err := e.Draft(context.Background(), wellFormedProposal(basketID, 0.95))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != domain.ProposalCommitted {
		t.Errorf("state = %s, want COMMITTED after an auto-approved Draft", p.State)
	}
}

func TestDraft_LowConfidenceStopsAtValidated(t *testing.T) {
	e, _ := newTestEngine(t)
	basketID := domain.NewID()

	p, err := e.Draft(context.Background(), wellFormedProposal(basketID, 0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != domain.ProposalValidated {
		t.Errorf("state = %s, want VALIDATED (requires human review)", p.State)
	}
}

func TestDraft_SchemaInvalidGoesStraightToRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	p, err := e.Draft(context.Background(), domain.Proposal{
		Confidence: 0.9,
		Ops: []domain.Op{{
			Type:        domain.OpCreateBlock,
			CreateBlock: &domain.CreateBlockOp{Content: "missing required fields"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != domain.ProposalRejected {
		t.Errorf("state = %s, want REJECTED", p.State)
	}
}

func TestDraft_ZeroOpsIsRejectedNotAutoApproved(t *testing.T) {
	e, _ := newTestEngine(t)
	p, err := e.Draft(context.Background(), domain.Proposal{BasketID: domain.NewID(), Confidence: 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != domain.ProposalRejected {
		t.Errorf("state = %s, want REJECTED for a 0-op proposal", p.State)
	}
}

func TestApprove_CommitsAValidatedProposal(t *testing.T) {
	e, _ := newTestEngine(t)
	basketID := domain.NewID()

	drafted, err := e.Draft(context.Background(), wellFormedProposal(basketID, 0.3))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if drafted.State != domain.ProposalValidated {
		t.Fatalf("precondition failed: expected VALIDATED, got %s", drafted.State)
	}

	approved, err := e.Approve(context.Background(), drafted.ID, domain.OriginHuman)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.State != domain.ProposalCommitted {
		t.Errorf("state = %s, want COMMITTED after Approve", approved.State)
	}
}

func TestReject_SetsFailureReasonAndStopsShortOfCommit(t *testing.T) {
	e, _ := newTestEngine(t)
	basketID := domain.NewID()

	drafted, err := e.Draft(context.Background(), wellFormedProposal(basketID, 0.3))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	rejected, err := e.Reject(context.Background(), drafted.ID, "reviewer declined")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != domain.ProposalRejected {
		t.Errorf("state = %s, want REJECTED", rejected.State)
	}
	if rejected.FailureReason != "reviewer declined" {
		t.Errorf("FailureReason = %q, want %q", rejected.FailureReason, "reviewer declined")
	}
}

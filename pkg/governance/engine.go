package governance

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/metrics"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/domain"
	"go.uber.org/zap"
)

// Engine drives a Proposal through its full governance lifecycle (spec §4.5):
// DRAFT -> VALIDATED -> (APPROVED -> COMMITTED) | REJECTED, with FAILED reachable
// only from a commit-time failure. It is the single writer of proposal state
// transitions; nothing else calls store.ProposalStore's mutating methods directly.
type Engine struct {
	store     store.ProposalStore
	validator *Validator
	bus       *bus.Bus
	metrics   *metrics.Registry
	logger    *zap.Logger
}

func NewEngine(s store.ProposalStore, validator *Validator, b *bus.Bus, reg *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{store: s, validator: validator, bus: b, metrics: reg, logger: logger}
}

// Draft inserts a new proposal and immediately runs validation, mirroring spec §4.5's
// "drafted proposals are validated before anything else happens to them" -- there is
// no externally visible DRAFT state a caller can observe mid-validation since the
// validation pass here is synchronous and pure.
func (e *Engine) Draft(ctx context.Context, p domain.Proposal) (domain.Proposal, error) {
	inserted, err := e.store.InsertProposal(ctx, p)
	if err != nil {
		return domain.Proposal{}, orcherrors.Transient("proposal_insert_failed", "failed to insert proposal", err)
	}
	e.emit(ctx, domain.TopicProposalDrafted, inserted, nil)
	return e.Validate(ctx, inserted.ID)
}

// Validate runs the validator against proposal id and records the resulting report,
// transitioning to VALIDATED, or straight to REJECTED if the report says so.
func (e *Engine) Validate(ctx context.Context, id domain.ID) (domain.Proposal, error) {
	p, err := e.store.GetProposal(ctx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	report, err := e.validator.Validate(ctx, p)
	if err != nil {
		return domain.Proposal{}, orcherrors.Fatal("validation_failed", "validator errored", err)
	}
	updated, err := e.store.SetValidationReport(ctx, id, report)
	if err != nil {
		return domain.Proposal{}, err
	}

	switch updated.State {
	case domain.ProposalRejected:
		e.emit(ctx, domain.TopicProposalRejected, updated, map[string]any{"reason": "policy_or_schema_rejected"})
	case domain.ProposalValidated:
		e.emit(ctx, domain.TopicProposalValidated, updated, nil)
		if report.PolicyDecision == domain.RequireReview {
			e.emit(ctx, domain.TopicProposalReview, updated, nil)
		} else if report.PolicyDecision == domain.AutoApprove {
			return e.Approve(ctx, id, domain.OriginHuman)
		}
	}
	return updated, nil
}

// Approve transitions a VALIDATED proposal to APPROVED and then commits it. Callers
// pass the approver's origin (domain.OriginHuman when auto-approval fires -- spec
// §4.5 treats AUTO_APPROVE as "approved on the basket owner's implicit behalf",
// never agent-self-approved); the origin is not recorded, since store.Approve
// stores only the decision time.
func (e *Engine) Approve(ctx context.Context, id domain.ID, _ domain.ProposalOrigin) (domain.Proposal, error) {
	updated, err := e.store.Approve(ctx, id, time.Now())
	if err != nil {
		return domain.Proposal{}, err
	}
	e.emit(ctx, domain.TopicProposalApproved, updated, nil)
	return e.Commit(ctx, id)
}

// Reject transitions a VALIDATED proposal to REJECTED with a human-supplied reason.
func (e *Engine) Reject(ctx context.Context, id domain.ID, reason string) (domain.Proposal, error) {
	updated, err := e.store.Reject(ctx, id, reason, time.Now())
	if err != nil {
		return domain.Proposal{}, err
	}
	e.emit(ctx, domain.TopicProposalRejected, updated, map[string]any{"reason": reason})
	return updated, nil
}

// Commit applies an APPROVED proposal's ops atomically via store.ProposalStore and
// emits substrate.committed, or substrate.commit_failed if the transaction aborted.
func (e *Engine) Commit(ctx context.Context, id domain.ID) (domain.Proposal, error) {
	start := time.Now()
	outcome, err := e.store.CommitProposal(ctx, id, time.Now())
	if err != nil {
		p, getErr := e.store.GetProposal(ctx, id)
		if getErr != nil {
			return domain.Proposal{}, err
		}
		e.emit(ctx, domain.TopicSubstrateCommitFail, p, map[string]any{"error": err.Error()})
		return p, err
	}
	p, err := e.store.GetProposal(ctx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if e.metrics != nil {
		e.metrics.CommitLatency.WithLabelValues(p.BasketID.String()).Observe(time.Since(start).Seconds())
	}
	kinds := make(map[string]bool, len(outcome.Delta.Changes))
	for _, c := range outcome.Delta.Changes {
		kinds[c.EntityKnd] = true
	}
	changedKinds := make([]string, 0, len(kinds))
	for k := range kinds {
		changedKinds = append(changedKinds, k)
	}
	e.emit(ctx, domain.TopicSubstrateCommitted, p, map[string]any{
		"delta_id":      outcome.Delta.ID.String(),
		"change_count":  len(outcome.Delta.Changes),
		"changed_kinds": changedKinds,
	})
	return p, nil
}

func (e *Engine) emit(ctx context.Context, topic domain.Topic, p domain.Proposal, extra map[string]any) {
	if e.bus == nil {
		return
	}
	payload := map[string]any{
		"proposal_id": p.ID.String(),
		"origin":      string(p.Origin),
	}
	for k, v := range extra {
		payload[k] = v
	}
	basketID := p.BasketID
	workspaceID := p.WorkspaceID
	_, err := e.bus.Emit(ctx, domain.Event{
		Topic:       topic,
		Payload:     payload,
		BasketID:    &basketID,
		WorkspaceID: &workspaceID,
		Origin:      string(p.Origin),
	})
	if err != nil {
		e.logger.Error("governance: failed to emit event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

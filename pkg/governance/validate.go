// Package governance implements the proposal validator and governance engine
// (spec §4.4/§4.5, components C4/C5): the only path from a drafted Op list to a
// committed Delta. Validation is pure and deterministic given a basket context
// snapshot -- it never mutates the store itself, only decides whether a proposal
// may proceed, and to which next state.
package governance

import (
	"context"
	"fmt"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance/policy"
)

// Validator runs the four validation passes spec §4.4 lists in order: (1) schema,
// (2) scope/referential, (3) semantic dedup, (4) policy/budget.
type Validator struct {
	structValidate *govalidator.Validate
	contextStore   store.BasketContextStore
	blockStore     store.BlockStore
	policy         *policy.Engine
	dedupThreshold float64
}

func NewValidator(contextStore store.BasketContextStore, blockStore store.BlockStore, policyEngine *policy.Engine, dedupThreshold float64) *Validator {
	return &Validator{
		structValidate: govalidator.New(),
		contextStore:   contextStore,
		blockStore:     blockStore,
		policy:         policyEngine,
		dedupThreshold: dedupThreshold,
	}
}

// Validate runs every pass over p.Ops and returns the resulting ValidationReport.
// OK is false if any op failed schema or referential checks; a policy REJECT also
// sets OK false so the caller (the governance Engine) routes straight to REJECTED
// without a human review step.
func (v *Validator) Validate(ctx context.Context, p domain.Proposal) (domain.ValidationReport, error) {
	report := domain.ValidationReport{OK: true, Confidence: p.Confidence}

	if len(p.Ops) == 0 {
		report.OK = false
		report.PolicyDecision = domain.PolicyReject
		return report, nil
	}

	for i, op := range p.Ops {
		opReport := domain.OpReport{OpIndex: i, OK: true}

		if err := v.validateSchema(op); err != nil {
			opReport.OK = false
			opReport.Errors = append(opReport.Errors, err.Error())
			report.OK = false
			report.OpReports = append(report.OpReports, opReport)
			continue
		}

		refErrs := v.validateReferential(ctx, op)
		if len(refErrs) > 0 {
			opReport.OK = false
			opReport.Errors = append(opReport.Errors, refErrs...)
			report.OK = false
		}

		if op.Type == domain.OpCreateBlock && opReport.OK {
			hints, err := v.contextStore.FindSimilarBlocks(ctx, op.CreateBlock.BasketID, op.CreateBlock.Content, v.dedupThreshold, 5)
			if err != nil {
				return domain.ValidationReport{}, fmt.Errorf("governance: dedup lookup for op %d: %w", i, err)
			}
			for _, h := range hints {
				h.OpIndex = i
				report.DedupHints = append(report.DedupHints, h)
			}
			if len(hints) > 0 {
				opReport.Warnings = append(opReport.Warnings, "similar block(s) already exist")
			}
		}

		report.OpReports = append(report.OpReports, opReport)
	}

	if !report.OK {
		report.PolicyDecision = domain.PolicyReject
		return report, nil
	}

	decision, err := v.evaluatePolicy(ctx, p, report)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	report.PolicyDecision = decision
	if decision == domain.PolicyReject {
		report.OK = false
	}
	return report, nil
}

func (v *Validator) validateSchema(op domain.Op) error {
	var payload any
	switch op.Type {
	case domain.OpCreateBlock:
		payload = op.CreateBlock
	case domain.OpUpdateBlock:
		payload = op.UpdateBlock
	case domain.OpReviseBlock:
		payload = op.ReviseBlock
	case domain.OpCreateContextItem:
		payload = op.CreateContextItem
	case domain.OpMergeBlocks:
		payload = op.MergeBlocks
	case domain.OpCreateRelationship:
		payload = op.CreateRelationship
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	if payload == nil {
		return fmt.Errorf("op type %q has no payload", op.Type)
	}
	if err := v.structValidate.Struct(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// validateReferential checks that ops referencing an existing Block point at one
// that actually exists and, for UpdateBlock, that the content edit honors
// domain.BlockContentEditable (spec §4.5: a LOCKED/CONSTANT block's content can
// only move through a lifecycle transition, not a content patch). ReviseBlock is
// checked for existence only; its status transition is checked at commit.
func (v *Validator) validateReferential(ctx context.Context, op domain.Op) []string {
	var errs []string
	switch op.Type {
	case domain.OpUpdateBlock:
		block, err := v.blockStore.GetBlock(ctx, op.UpdateBlock.BlockID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("block %s not found", op.UpdateBlock.BlockID))
			break
		}
		if !domain.BlockContentEditable(block.Status, false) {
			errs = append(errs, fmt.Sprintf("block %s in status %s is not content-editable by an agent", block.ID, block.Status))
		}
	case domain.OpReviseBlock:
		if _, err := v.blockStore.GetBlock(ctx, op.ReviseBlock.BlockID); err != nil {
			errs = append(errs, fmt.Sprintf("block %s not found", op.ReviseBlock.BlockID))
		}
	case domain.OpMergeBlocks:
		if _, err := v.blockStore.GetBlock(ctx, op.MergeBlocks.PrimaryID); err != nil {
			errs = append(errs, fmt.Sprintf("primary block %s not found", op.MergeBlocks.PrimaryID))
		}
		for _, id := range op.MergeBlocks.MergedIDs {
			if _, err := v.blockStore.GetBlock(ctx, id); err != nil {
				errs = append(errs, fmt.Sprintf("merged block %s not found", id))
			}
		}
	}
	return errs
}

// evaluatePolicy runs the policy engine once per op and returns the strictest
// decision across all ops (REJECT > REQUIRE_REVIEW > AUTO_APPROVE), since a
// proposal is governed as a unit (spec §4.5: "a proposal commits atomically or not
// at all", which implies it is also approved or rejected as a unit).
func (v *Validator) evaluatePolicy(ctx context.Context, p domain.Proposal, report domain.ValidationReport) (domain.PolicyDecision, error) {
	strictest := domain.AutoApprove
	for i, op := range p.Ops {
		var blockStatus string
		var affected int
		switch op.Type {
		case domain.OpUpdateBlock:
			if b, err := v.blockStore.GetBlock(ctx, op.UpdateBlock.BlockID); err == nil {
				blockStatus = string(b.Status)
			}
			affected = 1
		case domain.OpReviseBlock:
			if b, err := v.blockStore.GetBlock(ctx, op.ReviseBlock.BlockID); err == nil {
				blockStatus = string(b.Status)
			}
			affected = 1
		case domain.OpMergeBlocks:
			affected = 1 + len(op.MergeBlocks.MergedIDs)
		default:
			affected = 1
		}

		var hints []domain.DedupHint
		for _, h := range report.DedupHints {
			if h.OpIndex == i {
				hints = append(hints, h)
			}
		}

		result, err := v.policy.Evaluate(ctx, policy.Input{
			Op:                 op.Type,
			Confidence:         p.Confidence,
			DedupHints:         hints,
			BlockStatus:        blockStatus,
			OpCount:            len(p.Ops),
			AffectedBlockCount: affected,
		})
		if err != nil {
			return "", fmt.Errorf("governance: policy evaluation for op %d: %w", i, err)
		}
		strictest = stricter(strictest, result.Decision)
	}
	return strictest, nil
}

func stricter(a, b domain.PolicyDecision) domain.PolicyDecision {
	rank := map[domain.PolicyDecision]int{
		domain.AutoApprove:   0,
		domain.RequireReview: 1,
		domain.PolicyReject:  2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}


// Package p4compose implements the P4 (Composition) stage agent (spec §4.7): it
// composes documents by selecting and referencing substrate, writing document and
// substrate_reference rows through a dedicated commit path -- no Proposal needed,
// since documents are artifact-layer, not governed substrate.
package p4compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/basketcontext"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/reasoner"
	"go.uber.org/zap"
)

type documentCommitter interface {
	CommitDocument(ctx context.Context, doc domain.Document, refs []domain.SubstrateReference) (domain.Document, error)
}

// Agent is the P4 stage agent.
type Agent struct {
	documents  documentCommitter
	projection *basketcontext.Projection
	reasoner   reasoner.Reasoner
	bus        *bus.Bus
	logger     *zap.Logger
}

func New(documents documentCommitter, projection *basketcontext.Projection, r reasoner.Reasoner, b *bus.Bus, logger *zap.Logger) *Agent {
	return &Agent{documents: documents, projection: projection, reasoner: r, bus: b, logger: logger}
}

// Handle implements worker.Handler for WorkType P4_COMPOSE. Its payload may carry
// "document_id" (re-composing an existing document) or nothing (a new one).
func (a *Agent) Handle(ctx context.Context, item domain.WorkItem) (domain.WorkResult, *domain.CascadeMetadata, error) {
	if item.BasketID == nil {
		return domain.WorkResult{}, nil, orcherrors.Fatal("missing_basket_id", "P4_COMPOSE work item has no basket_id", nil)
	}
	basketID := *item.BasketID

	active, err := a.projection.ActiveBlocks(ctx, basketID)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("active_blocks_lookup_failed", "failed to load basket context", err)
	}
	if len(active) == 0 {
		return domain.WorkResult{Output: map[string]any{"composed": false, "reason": "no active blocks"}}, nil, nil
	}

	resp, err := a.reasoner.Reason(ctx, reasoner.Request{
		SystemPrompt: composePrompt,
		UserPrompt:   buildUserPrompt(active),
		Params:       map[string]any{"temperature": 0.4},
	})
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("reasoner_call_failed", "composition reasoner call failed", err)
	}

	doc := domain.Document{
		BasketID: basketID, WorkspaceID: item.WorkspaceID,
		Title: documentTitle(item), Body: resp.Text, Status: domain.DocumentPublished,
	}
	if docIDStr, ok := item.WorkPayload["document_id"].(string); ok && docIDStr != "" {
		if id, err := domain.ParseID(docIDStr); err == nil {
			doc.ID = id
		}
	}

	refs := make([]domain.SubstrateReference, 0, len(active))
	for _, b := range active {
		refs = append(refs, domain.SubstrateReference{BlockID: b.ID, BlockVersion: b.Version})
	}

	committed, err := a.documents.CommitDocument(ctx, doc, refs)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("document_commit_failed", "failed to commit composed document", err)
	}

	if _, err := a.bus.Emit(ctx, domain.Event{
		Topic:       domain.TopicDocumentComposed,
		Payload:     map[string]any{"document_id": committed.ID.String(), "version": committed.Version},
		BasketID:    &basketID,
		WorkspaceID: &committed.WorkspaceID,
		Origin:      string(domain.AgentOrigin("p4_compose")),
	}); err != nil {
		a.logger.Error("p4compose: failed to emit document.composed", zap.Error(err))
	}

	return domain.WorkResult{Output: map[string]any{
		"document_id": committed.ID.String(),
		"version":     committed.Version,
		"references":  len(refs),
	}}, nil, nil
}

const composePrompt = `You compose a coherent reference document from a basket's active knowledge
blocks (goals, constraints, findings, insights, entities). Write plain prose
organized by theme; do not fabricate content beyond what the blocks state.`

func buildUserPrompt(active []domain.Block) string {
	var sb strings.Builder
	for _, b := range active {
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", b.SemanticType, b.Title, b.Content)
	}
	return sb.String()
}

func documentTitle(item domain.WorkItem) string {
	if trigger, _ := item.WorkPayload["trigger"].(string); trigger != "" {
		return fmt.Sprintf("Basket digest (%s)", trigger)
	}
	return "Basket digest"
}

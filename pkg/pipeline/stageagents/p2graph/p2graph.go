// Package p2graph implements the optional P2 (Graph) stage agent (spec §4.7): when
// enabled, it proposes CreateRelationship ops inferring edges between substrate
// elements, through the same governance path as every other stage.
package p2graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/basketcontext"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance"
	"github.com/kvknd/substrated/pkg/reasoner"
)

// Agent is the P2 stage agent.
type Agent struct {
	projection *basketcontext.Projection
	reasoner   reasoner.Reasoner
	governance *governance.Engine
}

func New(projection *basketcontext.Projection, r reasoner.Reasoner, gov *governance.Engine) *Agent {
	return &Agent{projection: projection, reasoner: r, governance: gov}
}

type draftEdge struct {
	FromID           string  `json:"from_id"`
	FromType         string  `json:"from_type"`
	ToID             string  `json:"to_id"`
	ToType           string  `json:"to_type"`
	RelationshipType string  `json:"relationship_type"`
	Strength         float64 `json:"strength"`
}

// Handle implements worker.Handler for WorkType P2_GRAPH. Its payload carries the
// basket's proposal_id as context only (P2 reasons over the current active block
// set, not the specific proposal that triggered it).
func (a *Agent) Handle(ctx context.Context, item domain.WorkItem) (domain.WorkResult, *domain.CascadeMetadata, error) {
	if item.BasketID == nil {
		return domain.WorkResult{}, nil, orcherrors.Fatal("missing_basket_id", "P2_GRAPH work item has no basket_id", nil)
	}
	basketID := *item.BasketID

	active, err := a.projection.ActiveBlocks(ctx, basketID)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("active_blocks_lookup_failed", "failed to load basket context", err)
	}
	if len(active) < 2 {
		return domain.WorkResult{Output: map[string]any{"ops": 0}}, nil, nil
	}

	resp, err := a.reasoner.Reason(ctx, reasoner.Request{
		SystemPrompt: graphPrompt,
		UserPrompt:   buildUserPrompt(active),
		Params:       map[string]any{"temperature": 0.1},
	})
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("reasoner_call_failed", "graph reasoner call failed", err)
	}

	edges, err := parseEdges(resp.Text)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Fatal("unparseable_graph_response", "reasoner response was not valid edge JSON", err)
	}
	if len(edges) == 0 {
		return domain.WorkResult{Output: map[string]any{"ops": 0}}, nil, nil
	}

	ops := make([]domain.Op, 0, len(edges))
	for _, e := range edges {
		fromID, err := domain.ParseID(e.FromID)
		if err != nil {
			continue
		}
		toID, err := domain.ParseID(e.ToID)
		if err != nil {
			continue
		}
		ops = append(ops, domain.Op{
			Type: domain.OpCreateRelationship,
			CreateRelationship: &domain.CreateRelationshipOp{
				BasketID: basketID, WorkspaceID: item.WorkspaceID,
				FromType: e.FromType, FromID: fromID, ToType: e.ToType, ToID: toID,
				RelationshipType: e.RelationshipType, Strength: e.Strength,
			},
		})
	}
	if len(ops) == 0 {
		return domain.WorkResult{Output: map[string]any{"ops": 0}}, nil, nil
	}

	proposal, err := a.governance.Draft(ctx, domain.Proposal{
		BasketID: basketID, WorkspaceID: item.WorkspaceID,
		Origin: domain.AgentOrigin("p2_graph"), Ops: ops,
	})
	if err != nil {
		return domain.WorkResult{}, nil, err
	}
	return domain.WorkResult{Output: map[string]any{
		"proposal_id": proposal.ID.String(), "state": string(proposal.State), "op_count": len(ops),
	}}, nil, nil
}

const graphPrompt = `You infer relationships between existing knowledge blocks. Respond with a JSON
array of objects: from_id, from_type (always "block"), to_id, to_type (always
"block"), relationship_type (e.g. "supports", "contradicts", "depends_on"), and
strength (0..1). Only propose edges you are reasonably confident about. JSON only.`

func buildUserPrompt(active []domain.Block) string {
	var sb strings.Builder
	sb.WriteString("Active blocks:\n")
	for _, b := range active {
		fmt.Fprintf(&sb, "- id=%s type=%s title=%q\n", b.ID, b.SemanticType, b.Title)
	}
	return sb.String()
}

func parseEdges(text string) ([]draftEdge, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array found in reasoner response")
	}
	var edges []draftEdge
	if err := json.Unmarshal([]byte(text[start:end+1]), &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// Package p1substrate implements the P1 (Substrate) stage agent (spec §4.7): it
// reads a dump plus basket context and drafts a Proposal containing CreateBlock,
// CreateContextItem, and optionally UpdateBlock ops (never ReviseBlock) with explicit
// provenance and confidence. It never writes substrate directly -- everything it
// produces goes through pkg/governance's Draft/Validate/Approve/Commit path.
package p1substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/basketcontext"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/governance"
	"github.com/kvknd/substrated/pkg/reasoner"
)

type dumpGetter interface {
	GetDump(ctx context.Context, id domain.ID) (domain.RawDump, error)
}

// Agent is the P1 stage agent, exposed as a worker.Handler-compatible method.
type Agent struct {
	dumps      dumpGetter
	projection *basketcontext.Projection
	reasoner   reasoner.Reasoner
	governance *governance.Engine
	cfg        config.OrchestratorConfig
}

func New(dumps dumpGetter, projection *basketcontext.Projection, r reasoner.Reasoner, gov *governance.Engine, cfg config.OrchestratorConfig) *Agent {
	return &Agent{dumps: dumps, projection: projection, reasoner: r, governance: gov, cfg: cfg}
}

// draftOp is the JSON shape the reasoner is prompted to emit; it is the wire
// contract between the stage agent's prompt and its parser, not a domain type.
type draftOp struct {
	Type         string         `json:"type"`
	SemanticType string         `json:"semantic_type,omitempty"`
	Title        string         `json:"title,omitempty"`
	Content      string         `json:"content,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	BlockID      string         `json:"block_id,omitempty"`
	FromVersion  int64          `json:"from_version,omitempty"`
	Patch        map[string]any `json:"patch,omitempty"`
	ItemType     string         `json:"item_type,omitempty"`
	Label        string         `json:"label,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Handle implements worker.Handler for WorkType P1_SUBSTRATE. Its work_payload
// carries {"dump_id": "..."}.
func (a *Agent) Handle(ctx context.Context, item domain.WorkItem) (domain.WorkResult, *domain.CascadeMetadata, error) {
	dumpIDStr, _ := item.WorkPayload["dump_id"].(string)
	dumpID, err := domain.ParseID(dumpIDStr)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Fatal("invalid_dump_id", "work item carries an invalid dump_id", err)
	}
	dump, err := a.dumps.GetDump(ctx, dumpID)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("dump_lookup_failed", "failed to load dump for substrate extraction", err)
	}

	active, err := a.projection.ActiveBlocks(ctx, dump.BasketID)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("active_blocks_lookup_failed", "failed to load basket context", err)
	}

	resp, err := a.reasoner.Reason(ctx, reasoner.Request{
		SystemPrompt: substratePrompt,
		UserPrompt:   buildUserPrompt(dump, active),
		Params:       map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("reasoner_call_failed", "substrate reasoner call failed", err)
	}

	drafts, err := parseDrafts(resp.Text)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Fatal("unparseable_substrate_response", "reasoner response was not valid substrate JSON", err)
	}
	if len(drafts) == 0 {
		return domain.WorkResult{Output: map[string]any{"ops": 0}}, nil, nil
	}

	ops := make([]domain.Op, 0, len(drafts))
	var confidenceSum float64
	for _, d := range drafts {
		op, err := toOp(d, dump.BasketID, dump.WorkspaceID)
		if err != nil {
			return domain.WorkResult{}, nil, orcherrors.Fatal("invalid_draft_op", "reasoner produced a malformed op", err)
		}
		ops = append(ops, op)
		confidenceSum += d.Confidence
	}

	proposal, err := a.governance.Draft(ctx, domain.Proposal{
		BasketID:         dump.BasketID,
		WorkspaceID:      dump.WorkspaceID,
		Origin:           domain.AgentOrigin("p1_substrate"),
		Ops:              ops,
		ProvenanceDumpID: []domain.ID{dump.ID},
		Confidence:       confidenceSum / float64(len(ops)),
	})
	if err != nil {
		return domain.WorkResult{}, nil, err
	}

	result := domain.WorkResult{Output: map[string]any{
		"proposal_id": proposal.ID.String(),
		"state":       string(proposal.State),
		"op_count":    len(ops),
	}}

	var cascade *domain.CascadeMetadata
	if a.cfg.EnableP2Graph {
		cascade = &domain.CascadeMetadata{
			NextStage:     domain.WorkP2Graph,
			NextPayload:   map[string]any{"dump_id": dump.ID.String(), "proposal_id": proposal.ID.String()},
			CascadePolicy: "parent",
		}
	}
	return result, cascade, nil
}

const substratePrompt = `You extract durable knowledge from a single captured note into a strict JSON
array of operations. Each element has a "type" of CreateBlock, UpdateBlock, or
CreateContextItem. CreateBlock needs semantic_type (one of goal, constraint,
finding, insight, entity), title, content, and confidence (0..1). CreateContextItem
needs item_type and label. Respond with JSON only, no prose.`

func buildUserPrompt(dump domain.RawDump, active []domain.Block) string {
	var sb strings.Builder
	sb.WriteString("Captured text:\n")
	sb.WriteString(dump.BodyText)
	sb.WriteString("\n\nExisting active blocks in this basket:\n")
	for _, b := range active {
		fmt.Fprintf(&sb, "- [%s] %s (id=%s, v%d)\n", b.SemanticType, b.Title, b.ID, b.Version)
	}
	return sb.String()
}

func parseDrafts(text string) ([]draftOp, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array found in reasoner response")
	}
	var drafts []draftOp
	if err := json.Unmarshal([]byte(text[start:end+1]), &drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

func toOp(d draftOp, basketID, workspaceID domain.ID) (domain.Op, error) {
	switch d.Type {
	case string(domain.OpCreateBlock):
		return domain.Op{
			Type: domain.OpCreateBlock,
			CreateBlock: &domain.CreateBlockOp{
				BasketID: basketID, WorkspaceID: workspaceID,
				Title: d.Title, SemanticType: domain.SemanticType(d.SemanticType),
				Content: d.Content, Confidence: d.Confidence, Metadata: d.Metadata,
			},
		}, nil
	case string(domain.OpUpdateBlock):
		blockID, err := domain.ParseID(d.BlockID)
		if err != nil {
			return domain.Op{}, fmt.Errorf("update op: %w", err)
		}
		return domain.Op{
			Type: domain.OpUpdateBlock,
			UpdateBlock: &domain.UpdateBlockOp{
				BasketID: basketID, WorkspaceID: workspaceID,
				BlockID: blockID, FromVersion: d.FromVersion, Patch: d.Patch,
			},
		}, nil
	case string(domain.OpCreateContextItem):
		return domain.Op{
			Type: domain.OpCreateContextItem,
			CreateContextItem: &domain.CreateContextItemOp{
				BasketID: basketID, WorkspaceID: workspaceID,
				Type: d.ItemType, Label: d.Label, Metadata: d.Metadata,
			},
		}, nil
	default:
		return domain.Op{}, fmt.Errorf("unsupported draft op type %q", d.Type)
	}
}

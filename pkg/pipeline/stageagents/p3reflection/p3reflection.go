// Package p3reflection implements the P3 (Reflection) stage agent (spec §4.7): it
// reads substrate windowed by basket, produces a read-only reflection artifact
// versioned by (basket_id, kind, computed_at), and never proposes substrate
// changes -- unlike P1/P2 it writes directly through ReflectionStore, not a
// governed Proposal, and emits reflection.computed itself once persisted.
package p3reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/basketcontext"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/reasoner"
	"go.uber.org/zap"
)

// Kind is the default reflection kind this agent computes. Other kinds can be
// layered on later by parameterizing work_payload; today every P3 item computes
// the same basket-wide summary.
const Kind = "basket_summary"

type reflectionInserter interface {
	InsertReflection(ctx context.Context, r domain.Reflection) (domain.Reflection, error)
}

// Agent is the P3 stage agent.
type Agent struct {
	reflections reflectionInserter
	projection  *basketcontext.Projection
	reasoner    reasoner.Reasoner
	bus         *bus.Bus
	logger      *zap.Logger
}

func New(reflections reflectionInserter, projection *basketcontext.Projection, r reasoner.Reasoner, b *bus.Bus, logger *zap.Logger) *Agent {
	return &Agent{reflections: reflections, projection: projection, reasoner: r, bus: b, logger: logger}
}

// Handle implements worker.Handler for WorkType P3_REFLECTION.
func (a *Agent) Handle(ctx context.Context, item domain.WorkItem) (domain.WorkResult, *domain.CascadeMetadata, error) {
	if item.BasketID == nil {
		return domain.WorkResult{}, nil, orcherrors.Fatal("missing_basket_id", "P3_REFLECTION work item has no basket_id", nil)
	}
	basketID := *item.BasketID
	windowStart := time.Now().Add(-24 * time.Hour)
	windowEnd := time.Now()

	active, err := a.projection.ActiveBlocks(ctx, basketID)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("active_blocks_lookup_failed", "failed to load basket context", err)
	}
	usage, err := a.projection.Usage(ctx, basketID, 30*24*time.Hour)
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("usage_snapshot_failed", "failed to load usage snapshot", err)
	}

	resp, err := a.reasoner.Reason(ctx, reasoner.Request{
		SystemPrompt: reflectionPrompt,
		UserPrompt:   buildUserPrompt(active, usage),
		Params:       map[string]any{"temperature": 0.3},
	})
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("reasoner_call_failed", "reflection reasoner call failed", err)
	}

	body, err := parseBody(resp.Text)
	if err != nil {
		a.logger.Warn("p3reflection: falling back to raw text body", zap.Error(err))
		body = map[string]any{"summary": resp.Text}
	}

	reflection, err := a.reflections.InsertReflection(ctx, domain.Reflection{
		BasketID: basketID, WorkspaceID: item.WorkspaceID, Kind: Kind, Body: body,
		WindowStart: &windowStart, WindowEnd: &windowEnd, ComputedAt: time.Now(),
	})
	if err != nil {
		return domain.WorkResult{}, nil, orcherrors.Transient("reflection_insert_failed", "failed to persist reflection", err)
	}

	if _, err := a.bus.Emit(ctx, domain.Event{
		Topic:       domain.TopicReflectionComputed,
		Payload:     map[string]any{"reflection_id": reflection.ID.String(), "kind": Kind},
		BasketID:    &basketID,
		WorkspaceID: &reflection.WorkspaceID,
		Origin:      string(domain.AgentOrigin("p3_reflection")),
	}); err != nil {
		a.logger.Error("p3reflection: failed to emit reflection.computed", zap.Error(err))
	}

	return domain.WorkResult{Output: map[string]any{
		"reflection_id": reflection.ID.String(),
		"active_blocks": len(active),
		"stale_blocks":  usage.StaleBlocks,
	}}, nil, nil
}

const reflectionPrompt = `You summarize the current state of a basket's active knowledge blocks into a JSON
object with fields: "summary" (string), "themes" (array of strings), "open_risks"
(array of strings). Respond with JSON only, no prose.`

func buildUserPrompt(active []domain.Block, usage store.UsageSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Active blocks: %d, stale: %d, goals: %d, constraints: %d\n\n",
		usage.ActiveBlocks, usage.StaleBlocks, usage.GoalCount, usage.ConstraintCount)
	for _, b := range active {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", b.SemanticType, b.Title, b.Content)
	}
	return sb.String()
}

func parseBody(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in reasoner response")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &body); err != nil {
		return nil, err
	}
	return body, nil
}

package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/metrics"
	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/workqueue"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *workqueue.Queue) {
	t.Helper()
	st := memtest.New()
	reg := metrics.New(prometheus.NewRegistry())
	q := workqueue.New(st, config.OrchestratorConfig{}, reg, zap.NewNop())
	return New(q, reg, zap.NewNop()), q
}

func TestAdvance_NoNextStageIsNoop(t *testing.T) {
	c, q := newTestCoordinator(t)
	basketID := domain.NewID()
	root, err := q.Enqueue(context.Background(), domain.WorkItem{
		WorkType: "P1_SUBSTRATE", BasketID: &basketID,
		WorkResult: &domain.WorkResult{Output: map[string]any{"ok": true}},
	}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	child, err := c.Advance(context.Background(), root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if child != nil {
		t.Errorf("expected no cascade child when CascadeMetadata is nil, got %+v", child)
	}
}

func TestAdvance_EnqueuesChildWithParentLink(t *testing.T) {
	c, q := newTestCoordinator(t)
	basketID := domain.NewID()
	root, err := q.Enqueue(context.Background(), domain.WorkItem{
		WorkType: "P1_SUBSTRATE", BasketID: &basketID,
		WorkResult:      &domain.WorkResult{Output: map[string]any{"ok": true}},
		CascadeMetadata: &domain.CascadeMetadata{NextStage: "P3_REFLECTION"},
	}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	child, err := c.Advance(context.Background(), root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if child == nil {
		t.Fatal("expected a cascade child to be enqueued")
	}
	if child.ParentWorkID == nil || *child.ParentWorkID != root.ID {
		t.Errorf("expected child.ParentWorkID = %s, got %+v", root.ID, child.ParentWorkID)
	}
	if child.WorkType != "P3_REFLECTION" {
		t.Errorf("child.WorkType = %s, want P3_REFLECTION", child.WorkType)
	}
}

func TestInspect_NotOrphanedBeforeTimeout(t *testing.T) {
	c, q := newTestCoordinator(t)
	basketID := domain.NewID()
	root, err := q.Enqueue(context.Background(), domain.WorkItem{
		WorkType: "P1_SUBSTRATE", BasketID: &basketID,
		WorkResult:      &domain.WorkResult{Output: map[string]any{"ok": true}},
		CascadeMetadata: &domain.CascadeMetadata{NextStage: "P3_REFLECTION"},
	}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	status, err := c.Inspect(context.Background(), root.ID, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Orphaned {
		t.Error("a fresh root awaiting its next stage should not be orphaned before orphanTimeout elapses")
	}
}

func TestInspect_OrphanedAfterTimeoutWithNoChild(t *testing.T) {
	c, q := newTestCoordinator(t)
	basketID := domain.NewID()
	root, err := q.Enqueue(context.Background(), domain.WorkItem{
		WorkType: "P1_SUBSTRATE", BasketID: &basketID,
		WorkResult:      &domain.WorkResult{Output: map[string]any{"ok": true}},
		CascadeMetadata: &domain.CascadeMetadata{NextStage: "P3_REFLECTION"},
	}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	status, err := c.Inspect(context.Background(), root.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Orphaned {
		t.Error("expected a chain with a requested next stage and no child to be orphaned once orphanTimeout is zero")
	}
}

func TestInspect_ReflectsChildActivity(t *testing.T) {
	c, q := newTestCoordinator(t)
	basketID := domain.NewID()
	root, err := q.Enqueue(context.Background(), domain.WorkItem{
		WorkType: "P1_SUBSTRATE", BasketID: &basketID,
		WorkResult:      &domain.WorkResult{Output: map[string]any{"ok": true}},
		CascadeMetadata: &domain.CascadeMetadata{NextStage: "P3_REFLECTION"},
	}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.Advance(context.Background(), root); err != nil {
		t.Fatalf("advance: %v", err)
	}

	status, err := c.Inspect(context.Background(), root.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Orphaned {
		t.Error("a chain with a child already enqueued must not be flagged orphaned")
	}
	if len(status.Children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(status.Children))
	}
}

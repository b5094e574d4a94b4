package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/metrics"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, cfg config.OrchestratorConfig) *Queue {
	t.Helper()
	reg := metrics.New(prometheus.NewRegistry())
	return New(memtest.New(), cfg, reg, zap.NewNop())
}

func TestClaim_ReturnsHighestPriorityPendingItemForWorkType(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{})
	ctx := context.Background()

	low, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", Priority: 1, WorkspaceID: domain.NewID()}, "")
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	high, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", Priority: 10, WorkspaceID: domain.NewID()}, "")
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	claimed, found, err := q.Claim(ctx, "worker-1", "P1_SUBSTRATE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected a claimable item")
	}
	if claimed.ID != high.ID {
		t.Errorf("expected the higher-priority item %s to be claimed first, got %s (low=%s)", high.ID, claimed.ID, low.ID)
	}
	if claimed.State != domain.WorkClaimed {
		t.Errorf("claimed item state = %s, want CLAIMED", claimed.State)
	}
}

func TestClaim_ReturnsNotFoundWhenQueueIsEmpty(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{})
	_, found, err := q.Claim(context.Background(), "worker-1", "P1_SUBSTRATE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected no claimable item on an empty queue")
	}
}

func TestClaim_RespectsWorkspaceConcurrencyCap(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{WorkspaceConcurrencyCap: 1})
	ctx := context.Background()
	workspaceID := domain.NewID()

	if _, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", WorkspaceID: workspaceID}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", WorkspaceID: workspaceID}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, found, err := q.Claim(ctx, "worker-1", "P1_SUBSTRATE"); err != nil || !found {
		t.Fatalf("first claim should succeed, found=%v err=%v", found, err)
	}
	if _, found, err := q.Claim(ctx, "worker-2", "P1_SUBSTRATE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if found {
		t.Error("second claim in the same workspace should be blocked by the concurrency cap")
	}
}

func TestHeartbeat_RejectsMismatchedWorker(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", WorkspaceID: domain.NewID()}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _, err := q.Claim(ctx, "worker-1", "P1_SUBSTRATE")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != item.ID {
		t.Fatalf("unexpected claimed item")
	}

	if err := q.Heartbeat(ctx, item.ID, "worker-2", "P1_SUBSTRATE"); err == nil {
		t.Error("expected heartbeat from a different worker to fail")
	}
	if err := q.Heartbeat(ctx, item.ID, "worker-1", "P1_SUBSTRATE"); err != nil {
		t.Errorf("heartbeat from the owning worker should succeed, got: %v", err)
	}
}

func TestFail_RequeuesRetryableErrorUnderCap(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{Retry: config.RetryConfig{RetryCap: 3, BackoffBase: time.Millisecond, BackoffMax: time.Second}})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", WorkspaceID: domain.NewID()}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Claim(ctx, "worker-1", "P1_SUBSTRATE"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.Fail(ctx, item.ID, "P1_SUBSTRATE", 0, orcherrors.Transient("db_timeout", "timed out", errors.New("deadline"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.WorkPending {
		t.Errorf("state = %s, want PENDING (re-queued for retry)", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestFail_TerminatesOnFatalError(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{Retry: config.RetryConfig{RetryCap: 3, BackoffBase: time.Millisecond, BackoffMax: time.Second}})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P1_SUBSTRATE", WorkspaceID: domain.NewID()}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Claim(ctx, "worker-1", "P1_SUBSTRATE"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.Fail(ctx, item.ID, "P1_SUBSTRATE", 0, orcherrors.Fatal("bad_invariant", "block has no basket_id", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.WorkFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
}

func TestEnqueue_DedupesOnKeyAmongNonTerminalItems(t *testing.T) {
	q := newTestQueue(t, config.OrchestratorConfig{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P3_REFLECTION", WorkspaceID: domain.NewID()}, "dedupe-key")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, domain.WorkItem{WorkType: "P3_REFLECTION", WorkspaceID: domain.NewID()}, "dedupe-key")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the second enqueue with the same dedupe key to return the existing item, got distinct ids %s/%s", first.ID, second.ID)
	}
}

// Package cascade tracks parent->child work item lineage and detects orphaned
// cascades (spec §4.6, component C8): a P1_SUBSTRATE completion may enqueue a
// P2_GRAPH follow-up, recorded via WorkItem.ParentWorkID and
// CascadeMetadata so the chain can be inspected and stalled cascades flagged.
package cascade

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/metrics"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/workqueue"
	"go.uber.org/zap"
)

// Coordinator enqueues cascade follow-up work and reports lineage/orphan status.
type Coordinator struct {
	queue   *workqueue.Queue
	metrics *metrics.Registry
	logger  *zap.Logger
}

func New(q *workqueue.Queue, reg *metrics.Registry, logger *zap.Logger) *Coordinator {
	return &Coordinator{queue: q, metrics: reg, logger: logger}
}

// Advance enqueues the next stage named by completed.CascadeMetadata,
// if any, as a child of completed. It is a no-op (nil, nil) if completed finished
// without requesting a next stage -- not every work type cascades (spec §4.6:
// "a stage agent opts into cascading by setting next_stage on its result").
func (c *Coordinator) Advance(ctx context.Context, completed domain.WorkItem) (*domain.WorkItem, error) {
	if completed.WorkResult == nil {
		return nil, nil
	}
	meta := completed.CascadeMetadata
	if meta == nil || meta.NextStage == "" {
		return nil, nil
	}

	child := domain.WorkItem{
		WorkType:     meta.NextStage,
		WorkPayload:  meta.NextPayload,
		Priority:     completed.Priority,
		WorkspaceID:  completed.WorkspaceID,
		BasketID:     completed.BasketID,
		UserID:       completed.UserID,
		ParentWorkID: &completed.ID,
	}
	dedupeKey := ""
	if meta.CascadePolicy == "debounce" && completed.BasketID != nil {
		dedupeKey = string(meta.NextStage) + ":" + completed.BasketID.String()
	}

	enqueued, err := c.queue.Enqueue(ctx, child, dedupeKey)
	if err != nil {
		return nil, orcherrors.Transient("cascade_enqueue_failed", "failed to enqueue cascade child", err)
	}
	if c.metrics != nil {
		c.metrics.CascadeCompleted.WithLabelValues(string(completed.WorkType)).Inc()
	}
	return &enqueued, nil
}

// LineageStatus summarizes one cascade chain for status inspection.
type LineageStatus struct {
	Root           domain.WorkItem
	Children       []domain.WorkItem
	Orphaned       bool
	LastActivityAt time.Time
}

// Inspect walks rootID's direct children (cascades are one level deep per hop; a
// caller wanting the full chain calls Inspect again on a still-processing child's
// id) and flags the chain orphaned if the root completed with a next stage
// requested but no matching child exists after orphanTimeout.
func (c *Coordinator) Inspect(ctx context.Context, rootID domain.ID, orphanTimeout time.Duration) (LineageStatus, error) {
	root, err := c.queue.Get(ctx, rootID)
	if err != nil {
		return LineageStatus{}, err
	}
	children, err := c.queue.Children(ctx, rootID)
	if err != nil {
		return LineageStatus{}, err
	}

	status := LineageStatus{Root: root, Children: children, LastActivityAt: root.UpdatedAt}
	for _, child := range children {
		if child.UpdatedAt.After(status.LastActivityAt) {
			status.LastActivityAt = child.UpdatedAt
		}
	}

	expectsChild := root.WorkResult != nil && root.CascadeMetadata != nil && root.CascadeMetadata.NextStage != ""
	if expectsChild && len(children) == 0 && time.Since(root.UpdatedAt) > orphanTimeout {
		status.Orphaned = true
		if c.metrics != nil {
			c.metrics.CascadeOrphaned.WithLabelValues(string(root.WorkType)).Inc()
		}
		c.logger.Warn("cascade: orphaned chain detected", zap.String("root_work_id", rootID.String()))
	}
	return status, nil
}

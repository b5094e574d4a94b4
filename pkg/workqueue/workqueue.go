// Package workqueue implements the durable work queue (spec §4.2/§5, component C2):
// priority claim, lease-based ownership with heartbeat renewal, and retry with
// exponential backoff up to a per-config cap. A claim is a single atomic statement
// in both store backends (pg: UPDATE ... RETURNING with FOR UPDATE SKIP LOCKED;
// memtest: mutex-guarded scan) -- this package never reimplements that atomicity,
// it only applies policy (which work types, what lease, what backoff) on top.
package workqueue

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/internal/metrics"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/internal/retry"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
	"go.uber.org/zap"
)

// Queue wraps store.WorkQueueStore with the orchestrator's scheduling policy.
type Queue struct {
	store   store.WorkQueueStore
	cfg     config.OrchestratorConfig
	metrics *metrics.Registry
	logger  *zap.Logger
}

func New(s store.WorkQueueStore, cfg config.OrchestratorConfig, reg *metrics.Registry, logger *zap.Logger) *Queue {
	return &Queue{store: s, cfg: cfg, metrics: reg, logger: logger}
}

// Enqueue inserts item as pending. It applies no debounce window itself; dedupe
// scope is the caller's responsibility (the dedupeKey, built by pkg/cascade or
// pkg/pipeline rather than here, typically encodes work_type+basket_id).
func (q *Queue) Enqueue(ctx context.Context, item domain.WorkItem, dedupeKey string) (domain.WorkItem, error) {
	if item.State == "" {
		item.State = domain.WorkPending
	}
	result, err := q.store.Enqueue(ctx, item, dedupeKey)
	if err != nil {
		return domain.WorkItem{}, orcherrors.Transient("enqueue_failed", "failed to enqueue work item", err)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(string(result.WorkType), string(result.State)).Inc()
	}
	return result, nil
}

// Claim attempts to claim the next pending item of workType for workerID, using that
// work type's configured lease duration and the orchestrator's workspace concurrency
// cap. Returns (zero, false, nil) when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, workType domain.WorkType) (domain.WorkItem, bool, error) {
	settings, ok := q.cfg.WorkTypes[workType]
	lease := 5 * time.Minute
	if ok {
		lease = settings.LeaseDuration
	}
	start := time.Now()
	item, found, err := q.store.Claim(ctx, store.ClaimFilter{
		WorkTypes:               []domain.WorkType{workType},
		WorkerID:                workerID,
		LeaseDuration:           lease,
		WorkspaceConcurrencyCap: q.cfg.WorkspaceConcurrencyCap,
	})
	if err != nil {
		return domain.WorkItem{}, false, orcherrors.Transient("claim_failed", "failed to claim work item", err)
	}
	if found && q.metrics != nil {
		q.metrics.ClaimLatency.WithLabelValues(string(workType)).Observe(time.Since(start).Seconds())
	}
	return item, found, nil
}

// Heartbeat extends workID's lease by that work type's configured duration.
func (q *Queue) Heartbeat(ctx context.Context, workID domain.ID, workerID string, workType domain.WorkType) error {
	settings, ok := q.cfg.WorkTypes[workType]
	lease := 5 * time.Minute
	if ok {
		lease = settings.LeaseDuration
	}
	return q.store.Heartbeat(ctx, workID, workerID, time.Now().Add(lease))
}

// Complete marks workID completed with result.
func (q *Queue) Complete(ctx context.Context, workID domain.ID, result domain.WorkResult) error {
	return q.store.Complete(ctx, workID, result)
}

// Fail classifies err into a domain.WorkError and either re-queues workID with
// backoff (if retryable and under the configured retry cap) or terminates it,
// mirroring spec §5's retry policy.
func (q *Queue) Fail(ctx context.Context, workID domain.ID, workType domain.WorkType, attempt int, err error) error {
	code, message, retryable := orcherrors.AsWorkError(err)
	workErr := domain.WorkError{Code: code, Message: message, Retryable: retryable}
	delay := retry.Backoff(q.cfg.Retry, attempt)
	ferr := q.store.Fail(ctx, workID, workErr, q.cfg.Retry.RetryCap, delay)
	if ferr != nil {
		return orcherrors.Transient("fail_record_failed", "failed to record work item failure", ferr)
	}
	if q.metrics != nil && retryable && attempt+1 < q.cfg.Retry.RetryCap {
		q.metrics.WorkItemRetries.WithLabelValues(string(workType), code).Inc()
	}
	return nil
}

// ReclaimSweep periodically recovers items whose lease expired without a heartbeat
// (spec §5 Cancellation & timeouts), running until ctx is cancelled.
func (q *Queue) ReclaimSweep(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := q.store.ReclaimExpired(ctx, time.Now(), limit)
			if err != nil {
				q.logger.Error("workqueue: reclaim sweep failed", zap.Error(err))
				continue
			}
			if len(reclaimed) > 0 {
				q.logger.Info("workqueue: reclaimed expired leases", zap.Int("count", len(reclaimed)))
				if q.metrics != nil {
					for _, item := range reclaimed {
						q.metrics.LeaseExpirations.WithLabelValues(string(item.WorkType)).Inc()
					}
				}
			}
		}
	}
}

// Get fetches a single work item.
func (q *Queue) Get(ctx context.Context, workID domain.ID) (domain.WorkItem, error) {
	return q.store.Get(ctx, workID)
}

// Children returns direct descendants of parentWorkID for cascade inspection.
func (q *Queue) Children(ctx context.Context, parentWorkID domain.ID) ([]domain.WorkItem, error) {
	return q.store.Children(ctx, parentWorkID)
}

// Package worker runs the per-work-type worker goroutines that claim, heartbeat,
// and complete/fail work items (spec §5). Supervision uses golang.org/x/sync's
// errgroup so one worker goroutine's panic-free error propagates and cancels its
// siblings, and its semaphore to cap total in-flight handler executions across
// every work type, independent of how many per-type worker goroutines are configured.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/kvknd/substrated/pkg/cascade"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/workqueue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Handler executes one claimed work item and returns its result, plus optional
// cascade metadata requesting a follow-up stage.
type Handler func(ctx context.Context, item domain.WorkItem) (domain.WorkResult, *domain.CascadeMetadata, error)

// Pool supervises worker goroutines across all registered work types.
type Pool struct {
	queue    *workqueue.Queue
	cascade  *cascade.Coordinator
	logger   *zap.Logger
	global   *semaphore.Weighted
}

// New constructs a Pool. globalConcurrency bounds total simultaneous handler
// executions across every work type; 0 means unbounded (rely solely on the
// workspace concurrency cap enforced at claim time).
func New(q *workqueue.Queue, casc *cascade.Coordinator, logger *zap.Logger, globalConcurrency int64) *Pool {
	var sem *semaphore.Weighted
	if globalConcurrency > 0 {
		sem = semaphore.NewWeighted(globalConcurrency)
	}
	return &Pool{queue: q, cascade: casc, logger: logger, global: sem}
}

// TypeSpec configures one work type's worker goroutines.
type TypeSpec struct {
	WorkType     domain.WorkType
	WorkerCount  int
	PollInterval time.Duration
	Handler      Handler
}

// Run starts every spec's worker goroutines and blocks until ctx is cancelled or a
// worker returns a non-context error, at which point every other worker is
// cancelled too (errgroup's fail-fast semantics).
func (p *Pool) Run(ctx context.Context, specs []TypeSpec) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		for i := 0; i < spec.WorkerCount; i++ {
			workerID := fmt.Sprintf("%s-%d", spec.WorkType, i)
			g.Go(func() error {
				return p.runWorker(ctx, workerID, spec)
			})
		}
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string, spec TypeSpec) error {
	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.claimAndProcess(ctx, workerID, spec)
		}
	}
}

func (p *Pool) claimAndProcess(ctx context.Context, workerID string, spec TypeSpec) {
	if p.global != nil {
		if err := p.global.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.global.Release(1)
	}

	item, found, err := p.queue.Claim(ctx, workerID, spec.WorkType)
	if err != nil {
		p.logger.Error("worker: claim failed", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	if !found {
		return
	}
	p.process(ctx, workerID, item, spec)
}

func (p *Pool) process(ctx context.Context, workerID string, item domain.WorkItem, spec TypeSpec) {
	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.heartbeatLoop(hbCtx, workerID, item)

	result, cascadeMeta, err := spec.Handler(ctx, item)
	cancelHeartbeat()

	if err != nil {
		if ferr := p.queue.Fail(context.WithoutCancel(ctx), item.ID, item.WorkType, item.Attempts, err); ferr != nil {
			p.logger.Error("worker: failed to record work item failure",
				zap.String("work_id", item.ID.String()), zap.Error(ferr))
		}
		return
	}

	if err := p.queue.Complete(context.WithoutCancel(ctx), item.ID, result); err != nil {
		p.logger.Error("worker: failed to record work item completion",
			zap.String("work_id", item.ID.String()), zap.Error(err))
		return
	}
	if p.cascade == nil {
		return
	}
	completed := item
	completed.WorkResult = &result
	completed.CascadeMetadata = cascadeMeta
	if _, err := p.cascade.Advance(context.WithoutCancel(ctx), completed); err != nil {
		p.logger.Error("worker: cascade advance failed", zap.String("work_id", item.ID.String()), zap.Error(err))
	}
}

// heartbeatLoop extends item's lease at half its configured duration until ctx is
// cancelled (handler finished, or the process is shutting down).
func (p *Pool) heartbeatLoop(ctx context.Context, workerID string, item domain.WorkItem) {
	interval := 30 * time.Second
	if item.ClaimLeaseExpiresAt != nil {
		if remaining := time.Until(*item.ClaimLeaseExpiresAt) / 2; remaining > time.Second {
			interval = remaining
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, item.ID, workerID, item.WorkType); err != nil {
				p.logger.Warn("worker: heartbeat failed", zap.String("work_id", item.ID.String()), zap.Error(err))
			}
		}
	}
}

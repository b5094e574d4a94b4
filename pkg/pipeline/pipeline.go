// Package pipeline implements the Pipeline Dispatcher (spec §4.6, component C6):
// it subscribes to the durable event bus and translates the topics a stage cares
// about into the next stage's enqueued work item, per the spec's dispatch table
//
//	dump.created              -> P1_SUBSTRATE
//	substrate.committed       -> P3_REFLECTION, debounced, only when blocks/items changed
//	reflection.computed       -> P4_COMPOSE, only if composition-on-reflect is enabled
//	basket.compose_request    -> P4_COMPOSE
//
// The dispatcher never runs stage logic itself; a worker claiming the item it
// enqueues invokes the stage agent (C7).
package pipeline

import (
	"context"

	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/workqueue"
	"go.uber.org/zap"
)

// dispatchedTopics is the fixed subscription set; any other topic on the bus is
// either terminal (proposal.rejected) or handled synchronously by its emitter
// (proposal.review_requested has no downstream queue hop).
var dispatchedTopics = []domain.Topic{
	domain.TopicDumpCreated,
	domain.TopicSubstrateCommitted,
	domain.TopicReflectionComputed,
	domain.TopicBasketComposeRequest,
}

// Dispatcher bridges the event bus and the work queue.
type Dispatcher struct {
	bus    *bus.Bus
	queue  *workqueue.Queue
	cfg    config.OrchestratorConfig
	logger *zap.Logger
}

func New(b *bus.Bus, q *workqueue.Queue, cfg config.OrchestratorConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{bus: b, queue: q, cfg: cfg, logger: logger}
}

// Run subscribes starting after fromCursor and dispatches until ctx is cancelled or
// the subscription's channels close.
func (d *Dispatcher) Run(ctx context.Context, fromCursor domain.ID) error {
	sub, err := d.bus.Subscribe(ctx, dispatchedTopics, fromCursor)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Errs:
			if !ok {
				return nil
			}
			d.logger.Error("pipeline: subscription error", zap.Error(err))
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev domain.Event) {
	var err error
	switch ev.Topic {
	case domain.TopicDumpCreated:
		err = d.onDumpCreated(ctx, ev)
	case domain.TopicSubstrateCommitted:
		err = d.onSubstrateCommitted(ctx, ev)
	case domain.TopicReflectionComputed:
		err = d.onReflectionComputed(ctx, ev)
	case domain.TopicBasketComposeRequest:
		err = d.onComposeRequest(ctx, ev)
	}
	if err != nil {
		d.logger.Error("pipeline: dispatch failed",
			zap.String("topic", string(ev.Topic)), zap.String("event_id", ev.ID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) onDumpCreated(ctx context.Context, ev domain.Event) error {
	dumpID, _ := ev.Payload["dump_id"].(string)
	_, err := d.queue.Enqueue(ctx, domain.WorkItem{
		WorkType:    domain.WorkP1Substrate,
		WorkPayload: map[string]any{"dump_id": dumpID},
		WorkspaceID: derefID(ev.WorkspaceID),
		BasketID:    ev.BasketID,
	}, "")
	return err
}

func (d *Dispatcher) onSubstrateCommitted(ctx context.Context, ev domain.Event) error {
	if !changedSubstrate(ev) || ev.BasketID == nil {
		return nil
	}
	dedupeKey := "P3_REFLECTION:" + ev.BasketID.String()
	_, err := d.queue.Enqueue(ctx, domain.WorkItem{
		WorkType:    domain.WorkP3Reflection,
		WorkPayload: map[string]any{"proposal_id": ev.Payload["proposal_id"]},
		WorkspaceID: derefID(ev.WorkspaceID),
		BasketID:    ev.BasketID,
	}, dedupeKey)
	return err

}

func (d *Dispatcher) onReflectionComputed(ctx context.Context, ev domain.Event) error {
	if !d.cfg.CompositionEnabledOnReflect || ev.BasketID == nil {
		return nil
	}
	dedupeKey := "P4_COMPOSE:" + ev.BasketID.String()
	_, err := d.queue.Enqueue(ctx, domain.WorkItem{
		WorkType:    domain.WorkP4Compose,
		WorkPayload: map[string]any{"reflection_id": ev.Payload["reflection_id"], "trigger": "reflection"},
		WorkspaceID: derefID(ev.WorkspaceID),
		BasketID:    ev.BasketID,
	}, dedupeKey)
	return err
}

func (d *Dispatcher) onComposeRequest(ctx context.Context, ev domain.Event) error {
	_, err := d.queue.Enqueue(ctx, domain.WorkItem{
		WorkType:    domain.WorkP4Compose,
		WorkPayload: map[string]any{"document_id": ev.Payload["document_id"], "trigger": "manual_request"},
		WorkspaceID: derefID(ev.WorkspaceID),
		BasketID:    ev.BasketID,
		Priority:    1,
	}, "")
	return err
}

// changedSubstrate reports whether a substrate.committed event's changed_kinds
// includes anything a reflection would care about (blocks or context items; a
// relationship-only commit from P2 does not by itself warrant recomputation).
func changedSubstrate(ev domain.Event) bool {
	raw, ok := ev.Payload["changed_kinds"]
	if !ok {
		// Payload without the field at all: err on the side of reflecting.
		return true
	}
	var kinds []string
	switch v := raw.(type) {
	case []string:
		kinds = v
	case []any:
		for _, k := range v {
			if s, ok := k.(string); ok {
				kinds = append(kinds, s)
			}
		}
	}
	for _, k := range kinds {
		if k == "block" || k == "context_item" {
			return true
		}
	}
	return false
}

func derefID(id *domain.ID) domain.ID {
	if id == nil {
		return domain.ID{}
	}
	return *id
}

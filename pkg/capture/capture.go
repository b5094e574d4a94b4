// Package capture implements P0_CAPTURE (spec §4.7): it runs inline with the
// external capture call, writing an immutable raw_dump and emitting dump.created.
// It never interprets content -- that is P1's job once the Pipeline Dispatcher
// (C6) reacts to the event.
package capture

import (
	"context"

	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/bus"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/idempotency"
)

// dumpInserter is the narrow slice of store.Store this service needs.
type dumpInserter interface {
	InsertDump(ctx context.Context, dump domain.RawDump) (domain.RawDump, error)
	GetDump(ctx context.Context, id domain.ID) (domain.RawDump, error)
}

// Service is the P0 capture entry point called directly by whatever external
// surface accepts raw input (an HTTP handler, a CLI ingest command, a webhook).
type Service struct {
	store      dumpInserter
	idempotent *idempotency.Guard
	bus        *bus.Bus
}

func New(s dumpInserter, guard *idempotency.Guard, b *bus.Bus) *Service {
	return &Service{store: s, idempotent: guard, bus: b}
}

// Input is the raw material handed to Capture. RequestID, when set, is the
// idempotency key a retried call is expected to repeat; IngestTraceID is purely an
// audit trail field persisted onto the RawDump and need not match it.
type Input struct {
	BasketID      domain.ID
	WorkspaceID   domain.ID
	BodyText      string
	SourceMeta    map[string]any
	IngestTraceID string
	RequestID     string
}

// Capture persists in as an immutable RawDump and emits dump.created, returning the
// stored dump. The caller does not wait for P1 to run; substrate interpretation
// happens asynchronously once the Pipeline Dispatcher picks up the event.
//
// When in.RequestID is set, Capture is at-most-once: a retried call with the same
// RequestID short-circuits to the dump already created by the first call, without a
// second insert or a second dump.created emit (spec §8 Invariant 1, Scenario 2).
func (s *Service) Capture(ctx context.Context, in Input) (domain.RawDump, error) {
	if in.RequestID != "" {
		outcome, err := s.idempotent.Begin(ctx, in.RequestID)
		if err != nil {
			return domain.RawDump{}, orcherrors.Transient("idempotency_begin_failed", "failed to reserve request id", err)
		}
		if outcome.AlreadySeen {
			if !outcome.HasDelta {
				return domain.RawDump{}, orcherrors.Policy("capture_in_flight", "a capture for this request_id is already being processed")
			}
			// The dump's own id stands in as the resolved reference: Capture has no
			// real downstream delta id to resolve against, since P1 runs asynchronously.
			return s.store.GetDump(ctx, outcome.DeltaID)
		}
	}

	dump, err := s.store.InsertDump(ctx, domain.RawDump{
		BasketID:      in.BasketID,
		WorkspaceID:   in.WorkspaceID,
		BodyText:      in.BodyText,
		SourceMeta:    in.SourceMeta,
		IngestTraceID: in.IngestTraceID,
	})
	if err != nil {
		return domain.RawDump{}, orcherrors.Transient("dump_insert_failed", "failed to persist raw dump", err)
	}

	basketID := dump.BasketID
	workspaceID := dump.WorkspaceID
	if _, err := s.bus.Emit(ctx, domain.Event{
		Topic:       domain.TopicDumpCreated,
		Payload:     map[string]any{"dump_id": dump.ID.String()},
		BasketID:    &basketID,
		WorkspaceID: &workspaceID,
		Origin:      "capture",
	}); err != nil {
		return dump, orcherrors.Transient("dump_event_emit_failed", "dump persisted but event emit failed", err)
	}

	if in.RequestID != "" {
		if err := s.idempotent.Resolve(ctx, in.RequestID, dump.ID); err != nil {
			return dump, orcherrors.Transient("idempotency_resolve_failed", "dump persisted but idempotency resolve failed", err)
		}
	}
	return dump, nil
}

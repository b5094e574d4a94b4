package capture

import (
	"context"
	"testing"

	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
	"github.com/kvknd/substrated/pkg/idempotency"
)

// Capture's fresh-insert path calls bus.Emit on a concrete *bus.Bus, which needs a
// live Postgres notify connection -- so only the idempotency short-circuit branches
// (which never reach the bus) are covered here.

func TestCapture_ReplayWithResolvedRequestIDReturnsTheOriginalDumpWithoutReinserting(t *testing.T) {
	st := memtest.New()
	guard := idempotency.New(st)
	svc := New(st, guard, nil)
	ctx := context.Background()

	dump, err := st.InsertDump(ctx, domain.RawDump{BasketID: domain.NewID(), WorkspaceID: domain.NewID(), BodyText: "first call"})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if _, err := guard.Begin(ctx, "req-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := guard.Resolve(ctx, "req-1", dump.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	replayed, err := svc.Capture(ctx, Input{RequestID: "req-1", BodyText: "retried request"})
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if replayed.ID != dump.ID {
		t.Errorf("replayed dump id = %s, want the original dump id %s", replayed.ID, dump.ID)
	}
	if replayed.BodyText != "first call" {
		t.Errorf("replayed dump body = %q, want the original body, not a second insert", replayed.BodyText)
	}
}

func TestCapture_ConcurrentInFlightRequestIDReturnsAnErrorRatherThanDuplicating(t *testing.T) {
	st := memtest.New()
	guard := idempotency.New(st)
	svc := New(st, guard, nil)
	ctx := context.Background()

	if _, err := guard.Begin(ctx, "req-2"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := svc.Capture(ctx, Input{RequestID: "req-2", BodyText: "second caller while first is still in flight"}); err == nil {
		t.Fatal("expected an error for a request id reserved but not yet resolved")
	}
}

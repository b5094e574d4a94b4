package idempotency

import (
	"context"
	"testing"

	"github.com/kvknd/substrated/internal/store/memtest"
	"github.com/kvknd/substrated/pkg/domain"
)

func TestBegin_FirstCallIsNotAlreadySeen(t *testing.T) {
	g := New(memtest.New())
	outcome, err := g.Begin(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.AlreadySeen {
		t.Error("expected the first Begin call for a request id to report AlreadySeen = false")
	}
}

func TestBegin_RepeatedCallReportsAlreadySeenWithoutDelta(t *testing.T) {
	g := New(memtest.New())
	ctx := context.Background()
	if _, err := g.Begin(ctx, "req-1"); err != nil {
		t.Fatalf("first begin: %v", err)
	}

	outcome, err := g.Begin(ctx, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.AlreadySeen {
		t.Error("expected a repeated Begin call to report AlreadySeen = true")
	}
	if outcome.HasDelta {
		t.Error("expected HasDelta = false before Resolve is ever called")
	}
}

func TestResolveThenBegin_ReportsTheResolvedDelta(t *testing.T) {
	g := New(memtest.New())
	ctx := context.Background()
	if _, err := g.Begin(ctx, "req-1"); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	deltaID := domain.NewID()
	if err := g.Resolve(ctx, "req-1", deltaID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	outcome, err := g.Begin(ctx, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.AlreadySeen || !outcome.HasDelta {
		t.Fatalf("expected AlreadySeen and HasDelta both true, got %+v", outcome)
	}
	if outcome.DeltaID != deltaID {
		t.Errorf("DeltaID = %s, want %s", outcome.DeltaID, deltaID)
	}
}

func TestDistinctRequestIDsAreIndependent(t *testing.T) {
	g := New(memtest.New())
	ctx := context.Background()
	if _, err := g.Begin(ctx, "req-1"); err != nil {
		t.Fatalf("begin req-1: %v", err)
	}

	outcome, err := g.Begin(ctx, "req-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.AlreadySeen {
		t.Error("a distinct request id must not be seen as already-reserved")
	}
}

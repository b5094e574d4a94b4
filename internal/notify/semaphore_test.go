package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSemaphore(t *testing.T, max int64) (*WorkspaceSemaphore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWorkspaceSemaphore(client, max, time.Minute), mr
}

func TestWorkspaceSemaphore_AcquireUnderCapSucceeds(t *testing.T) {
	sem, _ := newTestSemaphore(t, 2)
	ctx := context.Background()

	release1, err := sem.Acquire(ctx, "ws-1")
	if err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	defer release1()

	release2, err := sem.Acquire(ctx, "ws-1")
	if err != nil {
		t.Fatalf("second acquire (at cap) should succeed: %v", err)
	}
	defer release2()
}

func TestWorkspaceSemaphore_AcquireOverCapFails(t *testing.T) {
	sem, _ := newTestSemaphore(t, 1)
	ctx := context.Background()

	release, err := sem.Acquire(ctx, "ws-1")
	if err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	defer release()

	if _, err := sem.Acquire(ctx, "ws-1"); err == nil {
		t.Error("expected second acquire beyond cap to fail")
	}
}

func TestWorkspaceSemaphore_ReleaseFreesSlot(t *testing.T) {
	sem, _ := newTestSemaphore(t, 1)
	ctx := context.Background()

	release, err := sem.Acquire(ctx, "ws-1")
	if err != nil {
		t.Fatalf("acquire should succeed: %v", err)
	}
	release()

	if _, err := sem.Acquire(ctx, "ws-1"); err != nil {
		t.Errorf("acquire after release should succeed, got: %v", err)
	}
}

func TestWorkspaceSemaphore_WorkspacesAreIndependent(t *testing.T) {
	sem, _ := newTestSemaphore(t, 1)
	ctx := context.Background()

	release1, err := sem.Acquire(ctx, "ws-1")
	if err != nil {
		t.Fatalf("acquire for ws-1 should succeed: %v", err)
	}
	defer release1()

	release2, err := sem.Acquire(ctx, "ws-2")
	if err != nil {
		t.Fatalf("acquire for a different workspace should not be capped by ws-1: %v", err)
	}
	defer release2()
}

func TestWorkspaceSemaphore_ExpiresStaleSlot(t *testing.T) {
	sem, mr := newTestSemaphore(t, 1)
	ctx := context.Background()

	if _, err := sem.Acquire(ctx, "ws-1"); err != nil {
		t.Fatalf("acquire should succeed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := sem.Acquire(ctx, "ws-1"); err != nil {
		t.Errorf("acquire after TTL expiry should succeed even without an explicit release, got: %v", err)
	}
}

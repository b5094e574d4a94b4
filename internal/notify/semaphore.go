// Package notify provides cross-replica coordination backed by Redis: a
// per-workspace semaphore capping concurrent expensive operations (spec §5
// Shared-resource policy: "A per-workspace semaphore caps concurrent expensive
// operations... to prevent noisy-neighbor effects"). golang.org/x/sync/semaphore
// (used by pkg/worker) only bounds one process; this bounds all replicas sharing
// one Redis, the same role the teacher's redis_deduplication_test.go exercises for
// cross-replica dedup, adapted here from TTL-keyed dedup to an INCR/DECR counter.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkspaceSemaphore caps concurrent expensive operations (reasoner/embedder
// calls) per workspace across every orchestrator replica.
type WorkspaceSemaphore struct {
	client *redis.Client
	max    int64
	ttl    time.Duration
}

// NewWorkspaceSemaphore builds a semaphore allowing at most max concurrent holders
// per workspace. ttl bounds how long a slot survives without release, so a crashed
// holder's slot is reclaimed instead of permanently consumed.
func NewWorkspaceSemaphore(client *redis.Client, max int64, ttl time.Duration) *WorkspaceSemaphore {
	return &WorkspaceSemaphore{client: client, max: max, ttl: ttl}
}

func (s *WorkspaceSemaphore) key(workspaceID string) string {
	return "substrated:wssem:" + workspaceID
}

// Acquire reserves one slot for workspaceID, returning a release func. It fails
// fast (no blocking wait) if the workspace is already at its cap, since the caller
// is a worker goroutine that should back off and retry the work item rather than
// block a claim slot on a remote lock.
func (s *WorkspaceSemaphore) Acquire(ctx context.Context, workspaceID string) (func(), error) {
	key := s.key(workspaceID)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("notify: incr workspace semaphore: %w", err)
	}
	if n == 1 {
		s.client.Expire(ctx, key, s.ttl)
	}
	if n > s.max {
		s.client.Decr(ctx, key)
		return nil, fmt.Errorf("notify: workspace %s at concurrency cap (%d)", workspaceID, s.max)
	}
	return func() { s.client.Decr(ctx, key) }, nil
}

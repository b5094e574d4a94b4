// Package bus implements the durable event bus (spec §4.1, component C1): every
// event is a persisted row before it is ever delivered, delivery rides Postgres
// LISTEN/NOTIFY as a wakeup signal only, and a subscriber that missed a notification
// (or just reconnected) replays from store.EventStore.EventsSince using its last seen
// cursor. At-least-once: a crash between insert and notify never loses an event,
// it's just picked up by the next replay or the redelivery sweep.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
	"go.uber.org/zap"
)

const pgChannel = "substrated_events"

// replayBatchSize bounds how many backlog events a single EventsSince call fetches
// per wakeup; a subscriber far behind drains it across several notifications rather
// than one unbounded query.
const replayBatchSize = 200

// Bus is the durable event bus. It owns a dedicated pgxpool (separate from the
// sqlx-backed store pool) because LISTEN/NOTIFY needs a persistent connection that
// blocks in WaitForNotification, which database/sql's pooled, potentially-recycled
// connections cannot offer.
type Bus struct {
	store      store.EventStore
	notifyPool *pgxpool.Pool
	logger     *zap.Logger
}

// New connects a dedicated notify pool to dsn and returns a Bus over evStore.
func New(ctx context.Context, dsn string, evStore store.EventStore, logger *zap.Logger) (*Bus, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("bus: connect notify pool: %w", err)
	}
	return &Bus{store: evStore, notifyPool: pool, logger: logger}, nil
}

// Close releases the notify pool.
func (b *Bus) Close() {
	b.notifyPool.Close()
}

// Emit persists ev and wakes subscribers. The insert is the durability point: if the
// process dies before the NOTIFY goes out, the event still exists and is picked up
// by ReplaySweep or by a subscriber's next replay pass.
func (b *Bus) Emit(ctx context.Context, ev domain.Event) (domain.Event, error) {
	persisted, err := b.store.InsertEvent(ctx, ev)
	if err != nil {
		return domain.Event{}, orcherrors.Transient("event_insert_failed", "failed to persist event", err)
	}
	if _, err := b.notifyPool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, persisted.ID.String()); err != nil {
		b.logger.Warn("bus: notify failed, event will surface via redelivery sweep",
			zap.String("event_id", persisted.ID.String()), zap.Error(err))
		return persisted, nil
	}
	if err := b.store.MarkDelivered(ctx, persisted.ID, time.Now()); err != nil {
		b.logger.Warn("bus: mark delivered failed", zap.String("event_id", persisted.ID.String()), zap.Error(err))
	}
	return persisted, nil
}

// Subscription delivers events matching a topic set, in (basket_id, topic, ts, id)
// order, starting after cursor. Cursor() reports the last delivered event's id so a
// caller can persist it and resume after a restart.
type Subscription struct {
	Events <-chan domain.Event
	Errs   <-chan error

	mu     sync.Mutex
	cursor domain.ID
}

// Cursor returns the id of the last event handed to the caller.
func (s *Subscription) Cursor() domain.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Subscription) setCursor(id domain.ID) {
	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
}

// Subscribe opens a LISTEN connection and streams events with topic in topics
// (all topics if empty), starting after fromCursor. It replays any backlog
// immediately, then blocks on Postgres notifications, replaying again on each
// wakeup in case several events landed since the last one. The returned
// Subscription's channels close when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topics []domain.Topic, fromCursor domain.ID) (*Subscription, error) {
	conn, err := b.notifyPool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("bus: listen: %w", err)
	}

	events := make(chan domain.Event, replayBatchSize)
	errs := make(chan error, 1)
	sub := &Subscription{Events: events, Errs: errs, cursor: fromCursor}

	go func() {
		defer conn.Release()
		defer close(events)
		defer close(errs)

		drain := func() bool {
			for {
				batch, err := b.store.EventsSince(ctx, sub.Cursor(), topics, replayBatchSize)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					return false
				}
				if len(batch) == 0 {
					return true
				}
				for _, ev := range batch {
					select {
					case events <- ev:
						sub.setCursor(ev.ID)
					case <-ctx.Done():
						return false
					}
				}
				if len(batch) < replayBatchSize {
					return true
				}
			}
		}

		if !drain() {
			return
		}
		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case errs <- fmt.Errorf("bus: wait for notification: %w", err):
				default:
				}
				return
			}
			if !drain() {
				return
			}
		}
	}()

	return sub, nil
}

// ReplaySweep periodically re-notifies for any event whose delivered_at is still
// null after olderThan, covering a dropped NOTIFY or a subscriber that was down
// when it fired (spec §4.1 failure semantics). It runs until ctx is cancelled.
func (b *Bus) ReplaySweep(ctx context.Context, interval, olderThan time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(ctx, olderThan, limit)
		}
	}
}

func (b *Bus) sweepOnce(ctx context.Context, olderThan time.Duration, limit int) {
	stale, err := b.store.UndeliveredSince(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		b.logger.Error("bus: redelivery sweep query failed", zap.Error(err))
		return
	}
	for _, ev := range stale {
		if _, err := b.notifyPool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, ev.ID.String()); err != nil {
			b.logger.Warn("bus: redelivery notify failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
			continue
		}
		if err := b.store.MarkDelivered(ctx, ev.ID, time.Now()); err != nil {
			b.logger.Warn("bus: mark delivered failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		b.logger.Info("bus: redelivery sweep renotified stale events", zap.Int("count", len(stale)))
	}
}

package pg

import (
	"context"
	"time"

	"github.com/kvknd/substrated/pkg/domain"
)

type eventRow struct {
	ID          domain.ID  `db:"id"`
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	BasketID    *domain.ID `db:"basket_id"`
	WorkspaceID *domain.ID `db:"workspace_id"`
	Origin      string     `db:"origin"`
	ActorID     *domain.ID `db:"actor_id"`
	Ts          time.Time  `db:"ts"`
	DeliveredAt *time.Time `db:"delivered_at"`
}

func (row eventRow) toDomain() (domain.Event, error) {
	payload, err := unmarshalMap(row.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID: row.ID, Topic: domain.Topic(row.Topic), Payload: payload,
		BasketID: row.BasketID, WorkspaceID: row.WorkspaceID, Origin: row.Origin,
		ActorID: row.ActorID, Ts: row.Ts, DeliveredAt: row.DeliveredAt,
	}, nil
}

// InsertEvent persists ev before any NOTIFY is issued (spec §4.1: "a crash between
// insert and notify never loses an event" -- the insert here is the durability point;
// the caller, pkg/bus, issues NOTIFY only after this returns successfully).
func (r *Repository) InsertEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if ev.ID == (domain.ID{}) {
		ev.ID = domain.NewID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (id, topic, payload, basket_id, workspace_id, origin, actor_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, string(ev.Topic), payload, ev.BasketID, ev.WorkspaceID, ev.Origin, ev.ActorID, ev.Ts)
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (r *Repository) EventsSince(ctx context.Context, cursor domain.ID, topics []domain.Topic, limit int) ([]domain.Event, error) {
	topicStrs := make([]string, len(topics))
	for i, t := range topics {
		topicStrs[i] = string(t)
	}
	hasTopics := len(topicStrs) > 0
	if !hasTopics {
		// sqlx.In rejects an empty slice; the placeholder is never compared since
		// has_topics is false.
		topicStrs = []string{""}
	}
	query, args, err := sqlxIn(`
		SELECT id, topic, payload, basket_id, workspace_id, origin, actor_id, ts, delivered_at
		FROM events
		WHERE id > :cursor
		  AND (:has_topics = false OR topic IN (:topics))
		ORDER BY basket_id, topic, ts, id
		LIMIT :limit`,
		map[string]any{
			"cursor":     cursor,
			"has_topics": hasTopics,
			"topics":     topicStrs,
			"limit":      limit,
		})
	if err != nil {
		return nil, err
	}
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rowsToEvents(rows)
}

func (r *Repository) MarkDelivered(ctx context.Context, eventID domain.ID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE events SET delivered_at = $1 WHERE id = $2`, at, eventID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (r *Repository) UndeliveredSince(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error) {
	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, topic, payload, basket_id, workspace_id, origin, actor_id, ts, delivered_at
		FROM events
		WHERE delivered_at IS NULL AND ts < $1
		ORDER BY ts
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return rowsToEvents(rows)
}

func rowsToEvents(rows []eventRow) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

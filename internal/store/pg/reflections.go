package pg

import (
	"context"
	"time"

	"github.com/kvknd/substrated/pkg/domain"
)

type reflectionRow struct {
	ID          domain.ID  `db:"id"`
	BasketID    domain.ID  `db:"basket_id"`
	WorkspaceID domain.ID  `db:"workspace_id"`
	Kind        string     `db:"kind"`
	Body        []byte     `db:"body"`
	WindowStart *time.Time `db:"window_start"`
	WindowEnd   *time.Time `db:"window_end"`
	ComputedAt  time.Time  `db:"computed_at"`
}

func (row reflectionRow) toDomain() (domain.Reflection, error) {
	body, err := unmarshalMap(row.Body)
	if err != nil {
		return domain.Reflection{}, err
	}
	return domain.Reflection{
		ID: row.ID, BasketID: row.BasketID, WorkspaceID: row.WorkspaceID,
		Kind: row.Kind, Body: body, WindowStart: row.WindowStart, WindowEnd: row.WindowEnd,
		ComputedAt: row.ComputedAt,
	}, nil
}

// InsertReflection stores r as a new, immutable version (spec §4.7: reflections are
// never overwritten, only superseded by a later row with a newer computed_at).
func (r *Repository) InsertReflection(ctx context.Context, ref domain.Reflection) (domain.Reflection, error) {
	if ref.ID == (domain.ID{}) {
		ref.ID = domain.NewID()
	}
	if ref.ComputedAt.IsZero() {
		ref.ComputedAt = time.Now()
	}
	body, err := marshalJSON(ref.Body)
	if err != nil {
		return domain.Reflection{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reflections (id, basket_id, workspace_id, kind, body, window_start, window_end, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ref.ID, ref.BasketID, ref.WorkspaceID, ref.Kind, body, ref.WindowStart, ref.WindowEnd, ref.ComputedAt)
	if err != nil {
		return domain.Reflection{}, err
	}
	return ref, nil
}

// LatestReflection returns the most recently computed reflection of kind for basketID.
func (r *Repository) LatestReflection(ctx context.Context, basketID domain.ID, kind string) (domain.Reflection, error) {
	var row reflectionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, basket_id, workspace_id, kind, body, window_start, window_end, computed_at
		FROM reflections WHERE basket_id = $1 AND kind = $2
		ORDER BY computed_at DESC LIMIT 1`, basketID, kind)
	if err != nil {
		return domain.Reflection{}, translateNotFound(err)
	}
	return row.toDomain()
}

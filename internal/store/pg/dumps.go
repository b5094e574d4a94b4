package pg

import (
	"context"
	"time"

	"github.com/kvknd/substrated/pkg/domain"
)

type rawDumpRow struct {
	ID            domain.ID `db:"id"`
	BasketID      domain.ID `db:"basket_id"`
	WorkspaceID   domain.ID `db:"workspace_id"`
	BodyText      string    `db:"body_text"`
	SourceMeta    []byte    `db:"source_meta"`
	IngestTraceID string    `db:"ingest_trace_id"`
	CreatedAt     time.Time `db:"created_at"`
}

func (row rawDumpRow) toDomain() (domain.RawDump, error) {
	meta, err := unmarshalMap(row.SourceMeta)
	if err != nil {
		return domain.RawDump{}, err
	}
	return domain.RawDump{
		ID: row.ID, BasketID: row.BasketID, WorkspaceID: row.WorkspaceID,
		BodyText: row.BodyText, SourceMeta: meta, IngestTraceID: row.IngestTraceID,
		CreatedAt: row.CreatedAt,
	}, nil
}

// InsertDump persists a RawDump, which is never updated after insert (spec §3).
func (r *Repository) InsertDump(ctx context.Context, dump domain.RawDump) (domain.RawDump, error) {
	if dump.ID == (domain.ID{}) {
		dump.ID = domain.NewID()
	}
	meta, err := marshalJSON(dump.SourceMeta)
	if err != nil {
		return domain.RawDump{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO raw_dumps (id, basket_id, workspace_id, body_text, source_meta, ingest_trace_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dump.ID, dump.BasketID, dump.WorkspaceID, dump.BodyText, meta, dump.IngestTraceID)
	if err != nil {
		return domain.RawDump{}, err
	}
	return dump, nil
}

func (r *Repository) GetDump(ctx context.Context, id domain.ID) (domain.RawDump, error) {
	var row rawDumpRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, basket_id, workspace_id, body_text, source_meta, ingest_trace_id, created_at
		FROM raw_dumps WHERE id = $1`, id)
	if err != nil {
		return domain.RawDump{}, translateNotFound(err)
	}
	return row.toDomain()
}

package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kvknd/substrated/pkg/domain"
)

type documentRow struct {
	ID          domain.ID `db:"id"`
	BasketID    domain.ID `db:"basket_id"`
	WorkspaceID domain.ID `db:"workspace_id"`
	Title       string    `db:"title"`
	Body        string    `db:"body"`
	Status      string    `db:"status"`
	Version     int64     `db:"version"`
	ComposedAt  time.Time `db:"composed_at"`
}

func (row documentRow) toDomain() domain.Document {
	return domain.Document{
		ID: row.ID, BasketID: row.BasketID, WorkspaceID: row.WorkspaceID,
		Title: row.Title, Body: row.Body, Status: domain.DocumentStatus(row.Status),
		Version: row.Version, ComposedAt: row.ComposedAt,
	}
}

// CommitDocument writes a new document version and its substrate references in one
// transaction. Unlike a Proposal commit, this path carries no governance FSM and no
// advisory lock: P4 is the only writer of a given document id, and concurrent
// composition of two different documents never needs to serialize against each
// other (spec §4.7: "documents are artifact-layer").
func (r *Repository) CommitDocument(ctx context.Context, doc domain.Document, refs []domain.SubstrateReference) (domain.Document, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if doc.ID == (domain.ID{}) {
		doc.ID = domain.NewID()
	}
	if doc.ComposedAt.IsZero() {
		doc.ComposedAt = time.Now()
	}

	var currentVersion int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = $1 FOR UPDATE`, doc.ID).Scan(&currentVersion)
	switch {
	case err == nil:
		doc.Version = currentVersion + 1
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET title = $2, body = $3, status = $4, version = $5, composed_at = $6
			WHERE id = $1`,
			doc.ID, doc.Title, doc.Body, doc.Status, doc.Version, doc.ComposedAt); err != nil {
			return domain.Document{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM substrate_references WHERE document_id = $1`, doc.ID); err != nil {
			return domain.Document{}, err
		}
	case isNoRows(err):
		doc.Version = 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, basket_id, workspace_id, title, body, status, version, composed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			doc.ID, doc.BasketID, doc.WorkspaceID, doc.Title, doc.Body, doc.Status, doc.Version, doc.ComposedAt); err != nil {
			return domain.Document{}, err
		}
	default:
		return domain.Document{}, err
	}

	if err := insertSubstrateReferences(ctx, tx, doc.ID, refs); err != nil {
		return domain.Document{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func insertSubstrateReferences(ctx context.Context, tx *sqlx.Tx, docID domain.ID, refs []domain.SubstrateReference) error {
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO substrate_references (document_id, block_id, block_version)
			VALUES ($1, $2, $3)`, docID, ref.BlockID, ref.BlockVersion); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id domain.ID) (domain.Document, error) {
	var row documentRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, basket_id, workspace_id, title, body, status, version, composed_at
		FROM documents WHERE id = $1`, id)
	if err != nil {
		return domain.Document{}, translateNotFound(err)
	}
	return row.toDomain(), nil
}

func (r *Repository) ListDocuments(ctx context.Context, basketID domain.ID) ([]domain.Document, error) {
	var rows []documentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, basket_id, workspace_id, title, body, status, version, composed_at
		FROM documents WHERE basket_id = $1 ORDER BY title`, basketID)
	if err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDomain())
	}
	return docs, nil
}

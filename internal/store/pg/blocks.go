package pg

import (
	"context"
	"time"

	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/pkg/domain"
)

type blockRow struct {
	ID                domain.ID  `db:"id"`
	BasketID          domain.ID  `db:"basket_id"`
	WorkspaceID       domain.ID  `db:"workspace_id"`
	SemanticType      string     `db:"semantic_type"`
	Title             string     `db:"title"`
	Content           string     `db:"content"`
	Status            string     `db:"status"`
	Version           int64      `db:"version"`
	Confidence        float64    `db:"confidence"`
	LastValidatedAt   *time.Time `db:"last_validated_at"`
	Metadata          []byte     `db:"metadata"`
	ProvenanceDumpIDs []byte     `db:"provenance_dump_ids"`
}

func (row blockRow) toDomain() (domain.Block, error) {
	meta, err := unmarshalMap(row.Metadata)
	if err != nil {
		return domain.Block{}, err
	}
	prov, err := unmarshalIDs(row.ProvenanceDumpIDs)
	if err != nil {
		return domain.Block{}, err
	}
	var lastValidated time.Time
	if row.LastValidatedAt != nil {
		lastValidated = *row.LastValidatedAt
	}
	return domain.Block{
		ID: row.ID, BasketID: row.BasketID, WorkspaceID: row.WorkspaceID,
		SemanticType: domain.SemanticType(row.SemanticType), Title: row.Title, Content: row.Content,
		Status: domain.BlockStatus(row.Status), Version: row.Version, Confidence: row.Confidence,
		LastValidatedAt: lastValidated, Metadata: meta, ProvenanceDumpID: prov,
	}, nil
}

func (r *Repository) GetBlock(ctx context.Context, id domain.ID) (domain.Block, error) {
	var row blockRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, basket_id, workspace_id, semantic_type, title, content, status,
		       version, confidence, last_validated_at, metadata, provenance_dump_ids
		FROM blocks WHERE id = $1`, id)
	if err != nil {
		return domain.Block{}, translateNotFound(err)
	}
	return row.toDomain()
}

func (r *Repository) ListActiveBlocks(ctx context.Context, basketID domain.ID) ([]domain.Block, error) {
	var rows []blockRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, basket_id, workspace_id, semantic_type, title, content, status,
		       version, confidence, last_validated_at, metadata, provenance_dump_ids
		FROM blocks
		WHERE basket_id = $1 AND status NOT IN ('REJECTED', 'SUPERSEDED')`, basketID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Block, 0, len(rows))
	for _, row := range rows {
		b, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type revisionRow struct {
	ID          domain.ID  `db:"id"`
	BlockID     domain.ID  `db:"block_id"`
	WorkspaceID domain.ID  `db:"workspace_id"`
	ActorID     *domain.ID `db:"actor_id"`
	Summary     string     `db:"summary"`
	DiffJSON    []byte     `db:"diff_json"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (row revisionRow) toDomain() (domain.Revision, error) {
	diff, err := unmarshalMap(row.DiffJSON)
	if err != nil {
		return domain.Revision{}, err
	}
	return domain.Revision{
		ID: row.ID, BlockID: row.BlockID, WorkspaceID: row.WorkspaceID, ActorID: row.ActorID,
		Summary: row.Summary, DiffJSON: diff, CreatedAt: row.CreatedAt,
	}, nil
}

func (r *Repository) ListRevisions(ctx context.Context, blockID domain.ID) ([]domain.Revision, error) {
	var rows []revisionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, block_id, workspace_id, actor_id, summary, diff_json, created_at
		FROM revisions WHERE block_id = $1 ORDER BY created_at`, blockID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Revision, 0, len(rows))
	for _, row := range rows {
		rev, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

// TransitionBlock applies a standalone lifecycle transition (not part of a proposal
// commit, e.g. a direct user action) subject to the same FSM rules the commit path
// enforces (spec §4.5 Block lifecycle transitions).
func (r *Repository) TransitionBlock(ctx context.Context, blockID domain.ID, to domain.BlockStatus, isHuman bool, actorID *domain.ID) (domain.Block, error) {
	current, err := r.GetBlock(ctx, blockID)
	if err != nil {
		return domain.Block{}, err
	}
	if !domain.BlockTransitionAllowed(current.Status, to, isHuman) {
		return domain.Block{}, orcherrors.Policy("block_transition_disallowed", "disallowed block transition")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE blocks SET status = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		string(to), blockID, current.Version)
	if err != nil {
		return domain.Block{}, err
	}
	if err := checkRowsAffected(res); err != nil {
		return domain.Block{}, err
	}
	return r.GetBlock(ctx, blockID)
}

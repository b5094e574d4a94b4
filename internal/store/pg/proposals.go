package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kvknd/substrated/internal/orcherrors"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
)

type proposalRow struct {
	ID                domain.ID  `db:"id"`
	BasketID          domain.ID  `db:"basket_id"`
	WorkspaceID       domain.ID  `db:"workspace_id"`
	Origin            string     `db:"origin"`
	Ops               []byte     `db:"ops"`
	ProvenanceDumpIDs []byte     `db:"provenance_dump_ids"`
	Confidence        float64    `db:"confidence"`
	State             string     `db:"state"`
	ValidationReport  []byte     `db:"validation_report"`
	FailureReason     *string    `db:"failure_reason"`
	CreatedAt         time.Time  `db:"created_at"`
	DecidedAt         *time.Time `db:"decided_at"`
}

func (row proposalRow) toDomain() (domain.Proposal, error) {
	ops, err := unmarshalOps(row.Ops)
	if err != nil {
		return domain.Proposal{}, err
	}
	prov, err := unmarshalIDs(row.ProvenanceDumpIDs)
	if err != nil {
		return domain.Proposal{}, err
	}
	report, err := unmarshalValidationReport(row.ValidationReport)
	if err != nil {
		return domain.Proposal{}, err
	}
	p := domain.Proposal{
		ID: row.ID, BasketID: row.BasketID, WorkspaceID: row.WorkspaceID,
		Origin: domain.ProposalOrigin(row.Origin), Ops: ops, ProvenanceDumpID: prov,
		Confidence: row.Confidence, State: domain.ProposalState(row.State),
		ValidationReport: report, CreatedAt: row.CreatedAt, DecidedAt: row.DecidedAt,
	}
	if row.FailureReason != nil {
		p.FailureReason = *row.FailureReason
	}
	return p, nil
}

func (r *Repository) InsertProposal(ctx context.Context, p domain.Proposal) (domain.Proposal, error) {
	if p.ID == (domain.ID{}) {
		p.ID = domain.NewID()
	}
	if p.State == "" {
		p.State = domain.ProposalDraft
	}
	ops, err := marshalJSON(p.Ops)
	if err != nil {
		return domain.Proposal{}, err
	}
	prov, err := marshalJSON(p.ProvenanceDumpID)
	if err != nil {
		return domain.Proposal{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO proposals (id, basket_id, workspace_id, origin, ops, provenance_dump_ids,
		                       confidence, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.BasketID, p.WorkspaceID, string(p.Origin), ops, prov, p.Confidence, string(p.State))
	if err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

func (r *Repository) GetProposal(ctx context.Context, id domain.ID) (domain.Proposal, error) {
	var row proposalRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, basket_id, workspace_id, origin, ops, provenance_dump_ids, confidence,
		       state, validation_report, failure_reason, created_at, decided_at
		FROM proposals WHERE id = $1`, id)
	if err != nil {
		return domain.Proposal{}, translateNotFound(err)
	}
	return row.toDomain()
}

// SetValidationReport transitions DRAFT -> VALIDATED (or -> REJECTED when the report
// says REJECT/not-OK), guarded by a state check in the WHERE clause so a concurrent
// double-validate is a no-op rather than a double transition (spec invariant 6).
func (r *Repository) SetValidationReport(ctx context.Context, id domain.ID, report domain.ValidationReport) (domain.Proposal, error) {
	reportJSON, err := marshalJSON(report)
	if err != nil {
		return domain.Proposal{}, err
	}
	nextState := string(domain.ProposalValidated)
	var decidedAt any
	if report.PolicyDecision == domain.PolicyReject || !report.OK {
		nextState = string(domain.ProposalRejected)
		decidedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE proposals SET validation_report = $1, state = $2, decided_at = COALESCE($3, decided_at)
		WHERE id = $4 AND state = 'DRAFT'`, reportJSON, nextState, decidedAt, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := checkRowsAffected(res); err != nil {
		return domain.Proposal{}, orcherrors.Validation("proposal_not_draft", "proposal is not DRAFT")
	}
	return r.GetProposal(ctx, id)
}

func (r *Repository) Approve(ctx context.Context, id domain.ID, decidedAt time.Time) (domain.Proposal, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proposals SET state = 'APPROVED', decided_at = $1 WHERE id = $2 AND state = 'VALIDATED'`,
		decidedAt, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := checkRowsAffected(res); err != nil {
		return domain.Proposal{}, orcherrors.Validation("proposal_not_validated", "proposal is not VALIDATED")
	}
	return r.GetProposal(ctx, id)
}

func (r *Repository) Reject(ctx context.Context, id domain.ID, reason string, decidedAt time.Time) (domain.Proposal, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proposals SET state = 'REJECTED', failure_reason = $1, decided_at = $2
		WHERE id = $3 AND state = 'VALIDATED'`, reason, decidedAt, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := checkRowsAffected(res); err != nil {
		return domain.Proposal{}, orcherrors.Validation("proposal_not_validated", "proposal is not VALIDATED")
	}
	return r.GetProposal(ctx, id)
}

// CommitProposal applies every op of an APPROVED proposal inside one serializable
// transaction (spec §4.5 Commit atomicity). The basket's advisory lock is acquired
// as the first statement of this same transaction -- pg_advisory_xact_lock only
// serializes against other sessions trying to take the same key, so it must run on
// the same connection as the rest of the commit rather than under a separately
// committed Repository.WithAdvisoryLock call, or a concurrent commit on another
// connection would sail through unserialized (spec §5 Ordering guarantees). The
// SERIALIZABLE isolation level additionally catches a version-conflicting writer
// that bypasses the lock entirely, e.g. a direct TransitionBlock call.
func (r *Repository) CommitProposal(ctx context.Context, id domain.ID, committedAt time.Time) (store.CommitOutcome, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return store.CommitOutcome{}, fmt.Errorf("begin commit tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var row proposalRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, basket_id, workspace_id, origin, ops, provenance_dump_ids, confidence,
		       state, validation_report, failure_reason, created_at, decided_at
		FROM proposals WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return store.CommitOutcome{}, translateNotFound(err)
	}
	p, err := row.toDomain()
	if err != nil {
		return store.CommitOutcome{}, err
	}
	if p.State != domain.ProposalApproved {
		return store.CommitOutcome{}, orcherrors.Validation("proposal_not_approved", "proposal is not APPROVED")
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, basketLockKey(p.BasketID)); err != nil {
		return store.CommitOutcome{}, fmt.Errorf("acquire basket advisory lock: %w", err)
	}

	delta := domain.Delta{ID: domain.NewID(), BasketID: p.BasketID, CreatedAt: committedAt, AppliedAt: committedAt}

	for i, op := range p.Ops {
		change, applyErr := applyOp(ctx, tx, p, i, op, committedAt)
		if applyErr != nil {
			// Release the row lock on the proposal before failProposal updates it.
			_ = tx.Rollback()
			if failErr := r.failProposal(ctx, id, applyErr.Error()); failErr != nil {
				return store.CommitOutcome{}, fmt.Errorf("%w (and failed to record failure: %v)", applyErr, failErr)
			}
			return store.CommitOutcome{}, applyErr
		}
		delta.Changes = append(delta.Changes, change)
	}
	delta.Summary = fmt.Sprintf("committed proposal %s (%d ops)", p.ID, len(p.Ops))

	changesJSON, err := marshalJSON(delta.Changes)
	if err != nil {
		return store.CommitOutcome{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deltas (id, basket_id, summary, changes, created_at, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		delta.ID, delta.BasketID, delta.Summary, changesJSON, delta.CreatedAt, delta.AppliedAt); err != nil {
		return store.CommitOutcome{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET state = 'COMMITTED', decided_at = $1 WHERE id = $2`, committedAt, id); err != nil {
		return store.CommitOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return store.CommitOutcome{}, err
	}
	committed = true
	return store.CommitOutcome{Delta: delta}, nil
}

// failProposal runs in its own short transaction so a commit failure is always
// recorded even though the main transaction that attempted the ops is rolled back.
func (r *Repository) failProposal(ctx context.Context, id domain.ID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE proposals SET state = 'FAILED', failure_reason = $1, decided_at = now()
		WHERE id = $2 AND state = 'APPROVED'`, reason, id)
	return err
}

// applyOp executes one op against the blocks/context_items/relationships/revisions
// tables within tx, returning the Delta.Change entry or a *store.BlockVersionConflict
// / orcherrors error on failure. All referenced ids are locked with SELECT ... FOR
// UPDATE so two proposals racing on the same block serialize correctly even without
// the basket advisory lock (defense in depth: the lock is a basket-wide fast path,
// this is the row-level guarantee spec invariant 4 actually depends on).
func applyOp(ctx context.Context, tx *sqlx.Tx, p domain.Proposal, index int, op domain.Op, now time.Time) (domain.Change, error) {
	switch op.Type {
	case domain.OpCreateBlock:
		c := op.CreateBlock
		id := domain.NewID()
		meta, err := marshalJSON(c.Metadata)
		if err != nil {
			return domain.Change{}, err
		}
		prov, err := marshalJSON(p.ProvenanceDumpID)
		if err != nil {
			return domain.Change{}, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO blocks (id, basket_id, workspace_id, semantic_type, title, content,
			                   status, version, confidence, last_validated_at, metadata, provenance_dump_ids)
			VALUES ($1, $2, $3, $4, $5, $6, 'PROPOSED', 1, $7, $8, $9, $10)`,
			id, c.BasketID, c.WorkspaceID, string(c.SemanticType), c.Title, c.Content, c.Confidence, now, meta, prov)
		if err != nil {
			return domain.Change{}, err
		}
		return domain.Change{OpIndex: index, OpType: op.Type, EntityID: id, EntityKnd: "block", Summary: "created block"}, nil

	case domain.OpUpdateBlock:
		u := op.UpdateBlock
		var currentVersion int64
		var status, before string
		if err := tx.QueryRowContext(ctx, `SELECT version, status, content FROM blocks WHERE id = $1 FOR UPDATE`, u.BlockID).
			Scan(&currentVersion, &status, &before); err != nil {
			return domain.Change{}, translateNotFound(err)
		}
		if currentVersion != u.FromVersion {
			return domain.Change{}, &store.BlockVersionConflict{BlockID: u.BlockID, ExpectedByOp: u.FromVersion, ActualCurrent: currentVersion}
		}
		content := before
		if patched, ok := u.Patch["content"].(string); ok {
			content = patched
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE blocks SET content = $1, version = version + 1, last_validated_at = $2
			WHERE id = $3 AND version = $4`, content, now, u.BlockID, u.FromVersion)
		if err != nil {
			return domain.Change{}, err
		}
		if err := checkRowsAffected(res); err != nil {
			return domain.Change{}, &store.BlockVersionConflict{BlockID: u.BlockID, ExpectedByOp: u.FromVersion, ActualCurrent: currentVersion}
		}
		diff, err := marshalJSON(map[string]any{"before": domain.TruncateForRevision(before), "after": domain.TruncateForRevision(content)})
		if err != nil {
			return domain.Change{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revisions (id, block_id, workspace_id, summary, diff_json, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			domain.NewID(), u.BlockID, u.WorkspaceID, "content update", diff, now); err != nil {
			return domain.Change{}, err
		}
		return domain.Change{OpIndex: index, OpType: op.Type, EntityID: u.BlockID, EntityKnd: "block", Summary: "updated block content"}, nil

	case domain.OpReviseBlock:
		rv := op.ReviseBlock
		var currentVersion int64
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT version, status FROM blocks WHERE id = $1 FOR UPDATE`, rv.BlockID).
			Scan(&currentVersion, &status); err != nil {
			return domain.Change{}, translateNotFound(err)
		}
		if currentVersion != rv.FromVersion {
			return domain.Change{}, &store.BlockVersionConflict{BlockID: rv.BlockID, ExpectedByOp: rv.FromVersion, ActualCurrent: currentVersion}
		}
		isHuman := p.Origin == domain.OriginHuman
		if !domain.BlockTransitionAllowed(domain.BlockStatus(status), rv.ToStatus, isHuman) {
			return domain.Change{}, orcherrors.Policy("block_transition_disallowed", "disallowed block transition")
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE blocks SET status = $1, version = version + 1 WHERE id = $2 AND version = $3`,
			string(rv.ToStatus), rv.BlockID, rv.FromVersion)
		if err != nil {
			return domain.Change{}, err
		}
		if err := checkRowsAffected(res); err != nil {
			return domain.Change{}, &store.BlockVersionConflict{BlockID: rv.BlockID, ExpectedByOp: rv.FromVersion, ActualCurrent: currentVersion}
		}
		return domain.Change{OpIndex: index, OpType: op.Type, EntityID: rv.BlockID, EntityKnd: "block", Summary: rv.Summary}, nil

	case domain.OpMergeBlocks:
		m := op.MergeBlocks
		if m.MergedTitle != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE blocks SET title = $1, version = version + 1 WHERE id = $2`, m.MergedTitle, m.PrimaryID); err != nil {
				return domain.Change{}, err
			}
		} else if _, err := tx.ExecContext(ctx, `UPDATE blocks SET version = version + 1 WHERE id = $1`, m.PrimaryID); err != nil {
			return domain.Change{}, err
		}
		for _, mergedID := range m.MergedIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status = 'SUPERSEDED', version = version + 1 WHERE id = $1`, mergedID); err != nil {
				return domain.Change{}, err
			}
		}
		return domain.Change{OpIndex: index, OpType: op.Type, EntityID: m.PrimaryID, EntityKnd: "block", Summary: "merged blocks"}, nil

	case domain.OpCreateContextItem:
		c := op.CreateContextItem
		id := domain.NewID()
		meta, err := marshalJSON(c.Metadata)
		if err != nil {
			return domain.Change{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_items (id, basket_id, type, label, metadata, state)
			VALUES ($1, $2, $3, $4, $5, 'active')`, id, c.BasketID, c.Type, c.Label, meta); err != nil {
			return domain.Change{}, err
		}
		return domain.Change{OpIndex: index, OpType: op.Type, EntityID: id, EntityKnd: "context_item", Summary: "created context item"}, nil

	case domain.OpCreateRelationship:
		c := op.CreateRelationship
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (basket_id, from_type, from_id, to_type, to_id, relationship_type, strength)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.BasketID, c.FromType, c.FromID, c.ToType, c.ToID, c.RelationshipType, c.Strength)
		if err != nil {
			return domain.Change{}, orcherrors.Conflict("duplicate_relationship", "relationship already exists")
		}
		return domain.Change{OpIndex: index, OpType: op.Type, EntityID: c.FromID, EntityKnd: "relationship", Summary: "created relationship"}, nil

	default:
		return domain.Change{}, orcherrors.Fatal("unknown_op_type", "unknown op type", nil)
	}
}

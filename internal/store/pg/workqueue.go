package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
)

type workItemRow struct {
	ID                  domain.ID  `db:"id"`
	WorkType            string     `db:"work_type"`
	WorkPayload         []byte     `db:"work_payload"`
	State               string     `db:"state"`
	Priority            int        `db:"priority"`
	WorkspaceID         domain.ID  `db:"workspace_id"`
	BasketID            *domain.ID `db:"basket_id"`
	UserID              *domain.ID `db:"user_id"`
	ParentWorkID        *domain.ID `db:"parent_work_id"`
	Attempts            int        `db:"attempts"`
	ClaimLeaseExpiresAt *time.Time `db:"claim_lease_expires_at"`
	WorkerID            *string    `db:"worker_id"`
	CascadeMetadata     []byte     `db:"cascade_metadata"`
	WorkResult          []byte     `db:"work_result"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (row workItemRow) toDomain() (domain.WorkItem, error) {
	payload, err := unmarshalMap(row.WorkPayload)
	if err != nil {
		return domain.WorkItem{}, err
	}
	cascade, err := unmarshalCascadeMetadata(row.CascadeMetadata)
	if err != nil {
		return domain.WorkItem{}, err
	}
	result, err := unmarshalWorkResult(row.WorkResult)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return domain.WorkItem{
		ID: row.ID, WorkType: domain.WorkType(row.WorkType), WorkPayload: payload,
		State: domain.WorkState(row.State), Priority: row.Priority, WorkspaceID: row.WorkspaceID,
		BasketID: row.BasketID, UserID: row.UserID, ParentWorkID: row.ParentWorkID,
		Attempts: row.Attempts, ClaimLeaseExpiresAt: row.ClaimLeaseExpiresAt, WorkerID: row.WorkerID,
		CascadeMetadata: cascade, WorkResult: result, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

// Enqueue inserts item as pending, or returns an existing non-terminal item sharing
// dedupeKey (spec §4.6 debouncing), relying on the partial unique index
// idx_work_queue_dedupe to make the race safe under concurrent enqueuers.
func (r *Repository) Enqueue(ctx context.Context, item domain.WorkItem, dedupeKey string) (domain.WorkItem, error) {
	if item.ID == (domain.ID{}) {
		item.ID = domain.NewID()
	}
	payload, err := marshalJSON(item.WorkPayload)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.State == "" {
		item.State = domain.WorkPending
	}

	var dedupeArg any
	if dedupeKey != "" {
		dedupeArg = dedupeKey
	}

	var row workItemRow
	err = r.db.GetContext(ctx, &row, `
		INSERT INTO work_queue (id, work_type, work_payload, state, priority, workspace_id,
		                        basket_id, user_id, parent_work_id, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND state NOT IN ('completed', 'failed')
		DO UPDATE SET updated_at = work_queue.updated_at
		RETURNING id, work_type, work_payload, state, priority, workspace_id, basket_id,
		          user_id, parent_work_id, attempts, claim_lease_expires_at, worker_id,
		          cascade_metadata, work_result, created_at, updated_at`,
		item.ID, string(item.WorkType), payload, string(item.State), item.Priority,
		item.WorkspaceID, item.BasketID, item.UserID, item.ParentWorkID, dedupeArg)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return row.toDomain()
}

// Claim atomically selects and locks the highest-priority claimable item in one
// UPDATE ... RETURNING statement (spec §5: "work item claim is linearizable: a
// single-row update with RETURNING"). The FOR UPDATE SKIP LOCKED subquery lets
// concurrent claimers from different workers/replicas never block on each other.
func (r *Repository) Claim(ctx context.Context, filter store.ClaimFilter) (domain.WorkItem, bool, error) {
	workTypes := make([]string, len(filter.WorkTypes))
	for i, wt := range filter.WorkTypes {
		workTypes[i] = string(wt)
	}
	now := time.Now()
	lease := now.Add(filter.LeaseDuration)

	query, args, err := sqlxIn(`
		UPDATE work_queue
		SET state = 'claimed', worker_id = :worker_id, claim_lease_expires_at = :lease, updated_at = :now
		WHERE id = (
			SELECT id FROM work_queue
			WHERE state = 'pending'
			  AND work_type IN (:work_types)
			  AND (:cap <= 0 OR workspace_id NOT IN (
			        SELECT workspace_id FROM work_queue
			        WHERE state IN ('claimed', 'processing')
			        GROUP BY workspace_id
			        HAVING count(*) >= :cap
			  ))
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, work_type, work_payload, state, priority, workspace_id, basket_id,
		          user_id, parent_work_id, attempts, claim_lease_expires_at, worker_id,
		          cascade_metadata, work_result, created_at, updated_at`,
		map[string]any{
			"worker_id":  filter.WorkerID,
			"lease":      lease,
			"now":        now,
			"work_types": workTypes,
			"cap":        filter.WorkspaceConcurrencyCap,
		})
	if err != nil {
		return domain.WorkItem{}, false, err
	}

	var row workItemRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkItem{}, false, nil
		}
		return domain.WorkItem{}, false, err
	}
	item, err := row.toDomain()
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	return item, true, nil
}

func (r *Repository) Heartbeat(ctx context.Context, workID domain.ID, workerID string, newLease time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE work_queue
		SET claim_lease_expires_at = $1, state = 'processing', updated_at = now()
		WHERE id = $2 AND worker_id = $3 AND state IN ('claimed', 'processing')`,
		newLease, workID, workerID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (r *Repository) Complete(ctx context.Context, workID domain.ID, result domain.WorkResult) error {
	payload, err := marshalJSON(result)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE work_queue SET state = 'completed', work_result = $1, updated_at = now()
		WHERE id = $2`, payload, workID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (r *Repository) Fail(ctx context.Context, workID domain.ID, workErr domain.WorkError, retryCap int, nextAttemptDelay time.Duration) error {
	payload, err := marshalJSON(domain.WorkResult{Error: &workErr})
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE work_queue
		SET work_result = $1,
		    attempts = attempts + 1,
		    state = CASE WHEN $2 AND attempts + 1 < $3 THEN 'pending' ELSE 'failed' END,
		    worker_id = CASE WHEN $2 AND attempts + 1 < $3 THEN NULL ELSE worker_id END,
		    claim_lease_expires_at = CASE WHEN $2 AND attempts + 1 < $3 THEN NULL ELSE claim_lease_expires_at END,
		    updated_at = now()
		WHERE id = $4`,
		payload, workErr.Retryable, retryCap, workID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// ReclaimExpired returns claimed/processing items whose lease has passed and resets
// them to pending with attempts+1 in the same statement (spec §5 Cancellation &
// timeouts: "missing a heartbeat returns the item to the queue with incremented
// attempts").
func (r *Repository) ReclaimExpired(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	var rows []workItemRow
	err := r.db.SelectContext(ctx, &rows, `
		UPDATE work_queue
		SET state = 'pending', worker_id = NULL, claim_lease_expires_at = NULL,
		    attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM work_queue
			WHERE state IN ('claimed', 'processing') AND claim_lease_expires_at < $1
			LIMIT $2
		)
		RETURNING id, work_type, work_payload, state, priority, workspace_id, basket_id,
		          user_id, parent_work_id, attempts, claim_lease_expires_at, worker_id,
		          cascade_metadata, work_result, created_at, updated_at`, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkItem, 0, len(rows))
	for _, row := range rows {
		item, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, workID domain.ID) (domain.WorkItem, error) {
	var row workItemRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, work_type, work_payload, state, priority, workspace_id, basket_id,
		       user_id, parent_work_id, attempts, claim_lease_expires_at, worker_id,
		       cascade_metadata, work_result, created_at, updated_at
		FROM work_queue WHERE id = $1`, workID)
	if err != nil {
		return domain.WorkItem{}, translateNotFound(err)
	}
	return row.toDomain()
}

func (r *Repository) Children(ctx context.Context, parentWorkID domain.ID) ([]domain.WorkItem, error) {
	var rows []workItemRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, work_type, work_payload, state, priority, workspace_id, basket_id,
		       user_id, parent_work_id, attempts, claim_lease_expires_at, worker_id,
		       cascade_metadata, work_result, created_at, updated_at
		FROM work_queue WHERE parent_work_id = $1`, parentWorkID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkItem, 0, len(rows))
	for _, row := range rows {
		item, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

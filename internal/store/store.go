// Package store defines the Store abstraction the orchestrator core needs (spec §9
// Design Notes: "replace the shared mutable module-level Supabase client with a Store
// abstraction exposing the few operations the core needs"). Two implementations exist:
// pg (durable, Postgres-backed, internal/store/pg) and memtest (in-memory, for fast
// unit tests, internal/store/memtest). Every critical section described here — claim,
// commit, idempotency insert — must be a single atomic statement or transaction in
// both implementations; no in-memory locks may span a suspension point (spec §5).
package store

import (
	"context"
	"time"

	"github.com/kvknd/substrated/pkg/domain"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }

// ErrLeaseConflict is returned by the memtest Heartbeat when the item is held by a
// different worker; the pg Heartbeat does not use it.
var ErrLeaseConflict = errLeaseConflict{}

type errLeaseConflict struct{}

func (errLeaseConflict) Error() string { return "store: lease held by another worker" }

// EventStore persists and replays bus events (C1).
type EventStore interface {
	// InsertEvent durably persists ev before any notification is sent, assigning
	// ev.ID and ev.Ts if unset. Returns the persisted event.
	InsertEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	// EventsSince returns events with ID > cursor for the given topics, ordered by
	// (basket_id, topic, ts, id), used to replay a subscriber's backlog after reconnect.
	EventsSince(ctx context.Context, cursor domain.ID, topics []domain.Topic, limit int) ([]domain.Event, error)
	// MarkDelivered records that an event has been handed to the notification
	// channel, used by the redelivery sweep to find rows stuck un-notified.
	MarkDelivered(ctx context.Context, eventID domain.ID, at time.Time) error
	// UndeliveredSince returns events older than `olderThan` with a null
	// delivered_at, for the periodic re-notify sweep (spec §4.1 Failure semantics).
	UndeliveredSince(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error)
}

// ClaimFilter narrows WorkQueueStore.Claim to the caller's handled work types and
// concurrency budget.
type ClaimFilter struct {
	WorkTypes               []domain.WorkType
	WorkerID                string
	LeaseDuration           time.Duration
	WorkspaceConcurrencyCap int
}

// WorkQueueStore persists and schedules work items (C2).
type WorkQueueStore interface {
	// Enqueue inserts a new work item in `pending` state. If dedupeKey is non-empty
	// and a non-terminal item with the same dedupeKey already exists, Enqueue
	// returns that existing item instead of inserting a new one (debounce, spec §4.6).
	Enqueue(ctx context.Context, item domain.WorkItem, dedupeKey string) (domain.WorkItem, error)
	// Claim atomically selects the highest-priority pending item (tiebreak oldest
	// created_at) matching filter whose lease is null/expired, marks it claimed,
	// and sets a new lease. Returns (nil item, false, nil) when nothing is claimable,
	// including when the workspace concurrency cap is already saturated.
	Claim(ctx context.Context, filter ClaimFilter) (domain.WorkItem, bool, error)
	// Heartbeat extends a claimed/processing item's lease; fails if the item is no
	// longer held by workerID (lost to expiry and reclaimed by another worker).
	Heartbeat(ctx context.Context, workID domain.ID, workerID string, newLease time.Time) error
	// Complete marks a work item completed and stores its result.
	Complete(ctx context.Context, workID domain.ID, result domain.WorkResult) error
	// Fail marks a work item failed, or re-queues it to pending with attempts+1 if
	// retryable and under the retry cap.
	Fail(ctx context.Context, workID domain.ID, workErr domain.WorkError, retryCap int, nextAttemptDelay time.Duration) error
	// ReclaimExpired returns claimed/processing items whose lease has passed, for
	// the lease-sweep loop to recover (spec §5 Cancellation & timeouts).
	ReclaimExpired(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error)
	// Get fetches a single work item by id.
	Get(ctx context.Context, workID domain.ID) (domain.WorkItem, error)
	// Children returns direct children of a parent work item (cascade lineage).
	Children(ctx context.Context, parentWorkID domain.ID) ([]domain.WorkItem, error)
}

// IdempotencyStore deduplicates externally triggered mutations by request_id (C3).
type IdempotencyStore interface {
	// Reserve attempts to insert (requestID -> nil delta) atomically. If a row
	// already exists, existed=true and existingDeltaID is the prior result (which
	// may itself be the zero value if the original request is still in flight).
	Reserve(ctx context.Context, requestID string) (existed bool, existingDeltaID domain.ID, err error)
	// Resolve attaches the produced delta id to a previously reserved request_id.
	Resolve(ctx context.Context, requestID string, deltaID domain.ID) error
}

// BlockVersionConflict is returned by CommitProposal when an UpdateBlock/ReviseBlock
// op's FromVersion does not match the block's current version.
type BlockVersionConflict struct {
	BlockID        domain.ID
	ExpectedByOp   int64
	ActualCurrent  int64
}

func (e *BlockVersionConflict) Error() string {
	return "store: block version conflict"
}

// CommitOutcome is the result of applying one proposal's ops inside one transaction.
type CommitOutcome struct {
	Delta domain.Delta
}

// ProposalStore persists Proposal aggregates and commits their ops atomically (C4/C5).
type ProposalStore interface {
	// InsertProposal stores a new DRAFT proposal with its ops.
	InsertProposal(ctx context.Context, p domain.Proposal) (domain.Proposal, error)
	// GetProposal fetches a proposal by id.
	GetProposal(ctx context.Context, id domain.ID) (domain.Proposal, error)
	// SetValidationReport transitions DRAFT->VALIDATED (or ->REJECTED if the report
	// says REJECT), persisting the report. Fails if the proposal is not DRAFT.
	SetValidationReport(ctx context.Context, id domain.ID, report domain.ValidationReport) (domain.Proposal, error)
	// Approve transitions VALIDATED->APPROVED. Fails if not VALIDATED.
	Approve(ctx context.Context, id domain.ID, decidedAt time.Time) (domain.Proposal, error)
	// Reject transitions VALIDATED->REJECTED. Fails if not VALIDATED.
	Reject(ctx context.Context, id domain.ID, reason string, decidedAt time.Time) (domain.Proposal, error)
	// CommitProposal applies every op of an APPROVED proposal inside a single
	// serializable transaction holding a per-basket advisory lock, then writes the
	// Delta and Revisions and transitions the proposal to COMMITTED. On any op
	// failure (conflict, referential error, uniqueness violation) nothing is
	// applied, the proposal moves to FAILED with the reason recorded, and a
	// *BlockVersionConflict (or other error) is returned.
	CommitProposal(ctx context.Context, id domain.ID, committedAt time.Time) (CommitOutcome, error)
}

// BlockStore is the read/write surface over Block/ContextItem/Relationship/Revision,
// used directly by CommitProposal's transaction and read-only by BasketContextStore.
type BlockStore interface {
	GetBlock(ctx context.Context, id domain.ID) (domain.Block, error)
	ListActiveBlocks(ctx context.Context, basketID domain.ID) ([]domain.Block, error)
	ListRevisions(ctx context.Context, blockID domain.ID) ([]domain.Revision, error)
	// TransitionBlock applies a human- or agent-driven lifecycle transition outside
	// of a proposal commit (e.g. a user action), enforcing domain.BlockTransitionAllowed.
	TransitionBlock(ctx context.Context, blockID domain.ID, to domain.BlockStatus, isHuman bool, actorID *domain.ID) (domain.Block, error)
}

// BasketContextStore is the read-only projection used by validation and stage agents (C9).
type BasketContextStore interface {
	// FindSimilarBlocks returns blocks in basketID whose similarity to the given
	// content is at least threshold, for semantic dedup (spec §4.4 point 4). The pg
	// backend measures text (trigram) similarity; no embedding vectors are compared.
	FindSimilarBlocks(ctx context.Context, basketID domain.ID, content string, threshold float64, limit int) ([]domain.DedupHint, error)
	// UsageSnapshot reports active block counts and staleness ages for a basket
	// (grounded on original_source/api/src/app/db/reports.py).
	UsageSnapshot(ctx context.Context, basketID domain.ID, staleAfter time.Duration) (UsageSnapshot, error)
}

// UsageSnapshot is C9's aggregate view of a basket's substrate health.
type UsageSnapshot struct {
	BasketID       domain.ID
	ActiveBlocks   int
	StaleBlocks    int
	ContextItems   int
	GoalCount      int
	ConstraintCount int
}

// ReflectionStore persists P3_REFLECTION's read-only artifacts (spec §4.7).
type ReflectionStore interface {
	// InsertReflection stores a new reflection version; it is never updated in
	// place, matching the RawDump pattern of append-only provenance.
	InsertReflection(ctx context.Context, r domain.Reflection) (domain.Reflection, error)
	// LatestReflection returns the most recently computed reflection of kind for a
	// basket, or ErrNotFound if none exists yet.
	LatestReflection(ctx context.Context, basketID domain.ID, kind string) (domain.Reflection, error)
}

// DocumentStore persists P4_COMPOSE's composed documents through a dedicated commit
// path that is not a governed Proposal (spec §4.7: "documents are artifact-layer").
type DocumentStore interface {
	// CommitDocument writes a new document version plus its substrate references in
	// one transaction, incrementing Version from any prior version of the same document.
	CommitDocument(ctx context.Context, doc domain.Document, refs []domain.SubstrateReference) (domain.Document, error)
	GetDocument(ctx context.Context, id domain.ID) (domain.Document, error)
	ListDocuments(ctx context.Context, basketID domain.ID) ([]domain.Document, error)
}

// Store is the full capability surface the orchestrator depends on. Components
// depend on the narrow sub-interface they need, not this aggregate, so tests can
// supply minimal fakes (interface segregation, per spec §9 Design Notes).
type Store interface {
	EventStore
	WorkQueueStore
	IdempotencyStore
	ProposalStore
	BlockStore
	BasketContextStore
	ReflectionStore
	DocumentStore

	// InsertDump persists an immutable RawDump.
	InsertDump(ctx context.Context, dump domain.RawDump) (domain.RawDump, error)
	GetDump(ctx context.Context, id domain.ID) (domain.RawDump, error)

	// WithAdvisoryLock runs fn while holding a per-basket advisory lock, serializing
	// commits to one basket (spec §5 Ordering guarantees). Implementations that are
	// not inherently concurrent (e.g. memtest) may implement this as a mutex.
	WithAdvisoryLock(ctx context.Context, basketID domain.ID, fn func(ctx context.Context) error) error
}

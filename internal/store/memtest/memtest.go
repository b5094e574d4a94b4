// Package memtest is an in-memory store.Store implementation used by the package
// unit tests that exercise queue/governance semantics without a live Postgres.
// It honors the same atomicity contracts as internal/store/pg (single critical
// section per operation, guarded by a mutex since nothing here spans a suspension
// point), so behavior-level tests pass unchanged against either backend.
package memtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	events       []domain.Event
	dumps        map[domain.ID]domain.RawDump
	work         map[domain.ID]*domain.WorkItem
	idempotency  map[string]domain.IdempotencyKey
	proposals    map[domain.ID]*domain.Proposal
	blocks       map[domain.ID]*domain.Block
	contextItems map[domain.ID]*domain.ContextItem
	relationships []domain.Relationship
	revisions    map[domain.ID][]domain.Revision
	reflections  []domain.Reflection
	documents    map[domain.ID]*domain.Document
	substrateRefs map[domain.ID][]domain.SubstrateReference

	basketLocks map[domain.ID]*sync.Mutex

	// SimilarityFn is an injectable hook for tests; by default no duplicates are found.
	SimilarityFn func(basketID domain.ID, content string) []domain.DedupHint
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		dumps:        make(map[domain.ID]domain.RawDump),
		work:         make(map[domain.ID]*domain.WorkItem),
		idempotency:  make(map[string]domain.IdempotencyKey),
		proposals:    make(map[domain.ID]*domain.Proposal),
		blocks:       make(map[domain.ID]*domain.Block),
		contextItems: make(map[domain.ID]*domain.ContextItem),
		revisions:    make(map[domain.ID][]domain.Revision),
		documents:    make(map[domain.ID]*domain.Document),
		substrateRefs: make(map[domain.ID][]domain.SubstrateReference),
		basketLocks:  make(map[domain.ID]*sync.Mutex),
	}
}

var _ store.Store = (*Store)(nil)

// ----- EventStore -----

func (s *Store) InsertEvent(_ context.Context, ev domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == (domain.ID{}) {
		ev.ID = domain.NewID()
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *Store) EventsSince(_ context.Context, cursor domain.ID, topics []domain.Topic, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.Topic]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}

	seenCursor := cursor == (domain.ID{})
	var out []domain.Event
	for _, ev := range s.events {
		if !seenCursor {
			if ev.ID == cursor {
				seenCursor = true
			}
			continue
		}
		if len(wanted) > 0 && !wanted[ev.Topic] {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, eventID domain.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			t := at
			s.events[i].DeliveredAt = &t
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) UndeliveredSince(_ context.Context, olderThan time.Time, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.DeliveredAt == nil && ev.Ts.Before(olderThan) {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ----- WorkQueueStore -----

func (s *Store) Enqueue(_ context.Context, item domain.WorkItem, dedupeKey string) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		for _, existing := range s.work {
			if existing.WorkPayload["__dedupe_key"] == dedupeKey && !existing.State.IsTerminal() {
				return *existing, nil
			}
		}
	}

	if item.ID == (domain.ID{}) {
		item.ID = domain.NewID()
	}
	now := time.Now()
	item.CreatedAt, item.UpdatedAt = now, now
	if item.State == "" {
		item.State = domain.WorkPending
	}
	if dedupeKey != "" {
		if item.WorkPayload == nil {
			item.WorkPayload = map[string]any{}
		}
		item.WorkPayload["__dedupe_key"] = dedupeKey
	}
	s.work[item.ID] = &item
	return item, nil
}

func (s *Store) Claim(_ context.Context, filter store.ClaimFilter) (domain.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.WorkType]bool, len(filter.WorkTypes))
	for _, wt := range filter.WorkTypes {
		wanted[wt] = true
	}

	if filter.WorkspaceConcurrencyCap > 0 {
		inFlight := map[domain.ID]int{}
		for _, wi := range s.work {
			if wi.State == domain.WorkClaimed || wi.State == domain.WorkProcessing {
				inFlight[wi.WorkspaceID]++
			}
		}
		_ = inFlight // checked per-candidate below
	}

	now := time.Now()
	var candidates []*domain.WorkItem
	for _, wi := range s.work {
		if wi.State != domain.WorkPending {
			continue
		}
		if len(wanted) > 0 && !wanted[wi.WorkType] {
			continue
		}
		candidates = append(candidates, wi)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, wi := range candidates {
		if filter.WorkspaceConcurrencyCap > 0 {
			count := 0
			for _, other := range s.work {
				if other.WorkspaceID == wi.WorkspaceID && (other.State == domain.WorkClaimed || other.State == domain.WorkProcessing) {
					count++
				}
			}
			if count >= filter.WorkspaceConcurrencyCap {
				continue
			}
		}
		lease := now.Add(filter.LeaseDuration)
		wi.State = domain.WorkClaimed
		wi.WorkerID = &filter.WorkerID
		wi.ClaimLeaseExpiresAt = &lease
		wi.UpdatedAt = now
		return *wi, true, nil
	}
	return domain.WorkItem{}, false, nil
}

func (s *Store) Heartbeat(_ context.Context, workID domain.ID, workerID string, newLease time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.work[workID]
	if !ok {
		return store.ErrNotFound
	}
	if wi.WorkerID == nil || *wi.WorkerID != workerID {
		return store.ErrLeaseConflict
	}
	wi.ClaimLeaseExpiresAt = &newLease
	wi.State = domain.WorkProcessing
	wi.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Complete(_ context.Context, workID domain.ID, result domain.WorkResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.work[workID]
	if !ok {
		return store.ErrNotFound
	}
	wi.State = domain.WorkCompleted
	wi.WorkResult = &result
	wi.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Fail(_ context.Context, workID domain.ID, workErr domain.WorkError, retryCap int, nextAttemptDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.work[workID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	if workErr.Retryable && wi.Attempts+1 < retryCap {
		wi.Attempts++
		wi.State = domain.WorkPending
		wi.ClaimLeaseExpiresAt = nil
		wi.WorkerID = nil
		wi.WorkResult = &domain.WorkResult{Error: &workErr}
		wi.UpdatedAt = now
		// nextAttemptDelay is informational here; the real scheduler (pg) encodes
		// it as a not-before timestamp. memtest's Claim has no backoff gate since
		// tests control time explicitly via attempts/state, not wall clock.
		return nil
	}
	wi.State = domain.WorkFailed
	wi.WorkResult = &domain.WorkResult{Error: &workErr}
	wi.UpdatedAt = now
	return nil
}

func (s *Store) ReclaimExpired(_ context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkItem
	for _, wi := range s.work {
		if (wi.State == domain.WorkClaimed || wi.State == domain.WorkProcessing) &&
			wi.ClaimLeaseExpiresAt != nil && wi.ClaimLeaseExpiresAt.Before(now) {
			wi.Attempts++
			wi.State = domain.WorkPending
			wi.ClaimLeaseExpiresAt = nil
			wi.WorkerID = nil
			wi.UpdatedAt = now
			out = append(out, *wi)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, workID domain.ID) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.work[workID]
	if !ok {
		return domain.WorkItem{}, store.ErrNotFound
	}
	return *wi, nil
}

func (s *Store) Children(_ context.Context, parentWorkID domain.ID) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkItem
	for _, wi := range s.work {
		if wi.ParentWorkID != nil && *wi.ParentWorkID == parentWorkID {
			out = append(out, *wi)
		}
	}
	return out, nil
}

// ----- IdempotencyStore -----

func (s *Store) Reserve(_ context.Context, requestID string) (bool, domain.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idempotency[requestID]; ok {
		return true, existing.DeltaID, nil
	}
	s.idempotency[requestID] = domain.IdempotencyKey{RequestID: requestID, CreatedAt: time.Now()}
	return false, domain.ID{}, nil
}

func (s *Store) Resolve(_ context.Context, requestID string, deltaID domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.idempotency[requestID]
	if !ok {
		return store.ErrNotFound
	}
	key.DeltaID = deltaID
	s.idempotency[requestID] = key
	return nil
}

// ----- ProposalStore -----

func (s *Store) InsertProposal(_ context.Context, p domain.Proposal) (domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == (domain.ID{}) {
		p.ID = domain.NewID()
	}
	if p.State == "" {
		p.State = domain.ProposalDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := p
	s.proposals[p.ID] = &cp
	return cp, nil
}

func (s *Store) GetProposal(_ context.Context, id domain.ID) (domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return domain.Proposal{}, store.ErrNotFound
	}
	return *p, nil
}

func (s *Store) SetValidationReport(_ context.Context, id domain.ID, report domain.ValidationReport) (domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return domain.Proposal{}, store.ErrNotFound
	}
	if p.State != domain.ProposalDraft {
		return domain.Proposal{}, orchestratorStateError("proposal is not DRAFT")
	}
	p.ValidationReport = &report
	if report.PolicyDecision == domain.PolicyReject || !report.OK {
		p.State = domain.ProposalRejected
		now := time.Now()
		p.DecidedAt = &now
	} else {
		p.State = domain.ProposalValidated
	}
	return *p, nil
}

func (s *Store) Approve(_ context.Context, id domain.ID, decidedAt time.Time) (domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return domain.Proposal{}, store.ErrNotFound
	}
	if p.State != domain.ProposalValidated {
		return domain.Proposal{}, orchestratorStateError("proposal is not VALIDATED")
	}
	p.State = domain.ProposalApproved
	p.DecidedAt = &decidedAt
	return *p, nil
}

func (s *Store) Reject(_ context.Context, id domain.ID, reason string, decidedAt time.Time) (domain.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return domain.Proposal{}, store.ErrNotFound
	}
	if p.State != domain.ProposalValidated {
		return domain.Proposal{}, orchestratorStateError("proposal is not VALIDATED")
	}
	p.State = domain.ProposalRejected
	p.FailureReason = reason
	p.DecidedAt = &decidedAt
	return *p, nil
}

func (s *Store) CommitProposal(_ context.Context, id domain.ID, committedAt time.Time) (outcome store.CommitOutcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return store.CommitOutcome{}, store.ErrNotFound
	}
	if p.State != domain.ProposalApproved {
		return store.CommitOutcome{}, orchestratorStateError("proposal is not APPROVED")
	}

	// An op failure applies nothing and moves the proposal to FAILED with the reason.
	defer func() {
		if err != nil {
			p.State = domain.ProposalFailed
			p.FailureReason = err.Error()
			p.DecidedAt = &committedAt
		}
	}()

	delta := domain.Delta{
		ID:        domain.NewID(),
		BasketID:  p.BasketID,
		CreatedAt: committedAt,
		AppliedAt: committedAt,
	}

	// Apply ops against a scratch copy first so a failure touches nothing (spec
	// invariant 2: at-most-once, all-or-nothing application).
	scratchBlocks := map[domain.ID]*domain.Block{}
	scratchRevisions := map[domain.ID][]domain.Revision{}
	scratchItems := map[domain.ID]*domain.ContextItem{}
	var scratchRels []domain.Relationship

	getBlock := func(blockID domain.ID) (*domain.Block, bool) {
		if b, ok := scratchBlocks[blockID]; ok {
			return b, true
		}
		if b, ok := s.blocks[blockID]; ok {
			cp := *b
			scratchBlocks[blockID] = &cp
			return &cp, true
		}
		return nil, false
	}

	for i, op := range p.Ops {
		switch op.Type {
		case domain.OpCreateBlock:
			c := op.CreateBlock
			b := &domain.Block{
				ID: domain.NewID(), BasketID: c.BasketID, WorkspaceID: c.WorkspaceID,
				SemanticType: c.SemanticType, Title: c.Title, Content: c.Content,
				Status: domain.BlockProposed, Version: 1, Confidence: c.Confidence,
				LastValidatedAt: committedAt, Metadata: c.Metadata,
				ProvenanceDumpID: p.ProvenanceDumpID,
			}
			scratchBlocks[b.ID] = b
			delta.Changes = append(delta.Changes, domain.Change{OpIndex: i, OpType: op.Type, EntityID: b.ID, EntityKnd: "block", Summary: "created " + string(b.SemanticType) + " block"})

		case domain.OpUpdateBlock:
			u := op.UpdateBlock
			b, ok := getBlock(u.BlockID)
			if !ok {
				return store.CommitOutcome{}, orchestratorStateError("referenced block not found")
			}
			if b.Version != u.FromVersion {
				return store.CommitOutcome{}, &store.BlockVersionConflict{BlockID: u.BlockID, ExpectedByOp: u.FromVersion, ActualCurrent: b.Version}
			}
			before := b.Content
			if content, ok := u.Patch["content"].(string); ok {
				b.Content = content
			}
			b.Version++
			b.LastValidatedAt = committedAt
			scratchRevisions[b.ID] = append(scratchRevisions[b.ID], domain.Revision{
				ID: domain.NewID(), BlockID: b.ID, WorkspaceID: b.WorkspaceID,
				Summary: "content update", CreatedAt: committedAt,
				DiffJSON: map[string]any{"before": domain.TruncateForRevision(before), "after": domain.TruncateForRevision(b.Content)},
			})
			delta.Changes = append(delta.Changes, domain.Change{OpIndex: i, OpType: op.Type, EntityID: b.ID, EntityKnd: "block", Summary: "updated block content"})

		case domain.OpReviseBlock:
			r := op.ReviseBlock
			b, ok := getBlock(r.BlockID)
			if !ok {
				return store.CommitOutcome{}, orchestratorStateError("referenced block not found")
			}
			if b.Version != r.FromVersion {
				return store.CommitOutcome{}, &store.BlockVersionConflict{BlockID: r.BlockID, ExpectedByOp: r.FromVersion, ActualCurrent: b.Version}
			}
			isHuman := p.Origin == domain.OriginHuman
			if !domain.BlockTransitionAllowed(b.Status, r.ToStatus, isHuman) {
				return store.CommitOutcome{}, orchestratorStateError("disallowed block transition")
			}
			b.Status = r.ToStatus
			b.Version++
			delta.Changes = append(delta.Changes, domain.Change{OpIndex: i, OpType: op.Type, EntityID: b.ID, EntityKnd: "block", Summary: r.Summary})

		case domain.OpMergeBlocks:
			m := op.MergeBlocks
			primary, ok := getBlock(m.PrimaryID)
			if !ok {
				return store.CommitOutcome{}, orchestratorStateError("primary block not found")
			}
			for _, mergedID := range m.MergedIDs {
				merged, ok := getBlock(mergedID)
				if !ok {
					return store.CommitOutcome{}, orchestratorStateError("merged block not found")
				}
				merged.Status = domain.BlockSuperseded
				merged.Version++
			}
			if m.MergedTitle != "" {
				primary.Title = m.MergedTitle
			}
			primary.Version++
			delta.Changes = append(delta.Changes, domain.Change{OpIndex: i, OpType: op.Type, EntityID: primary.ID, EntityKnd: "block", Summary: "merged blocks"})

		case domain.OpCreateContextItem:
			c := op.CreateContextItem
			item := &domain.ContextItem{ID: domain.NewID(), BasketID: c.BasketID, Type: c.Type, Label: c.Label, Metadata: c.Metadata, State: "active"}
			scratchItems[item.ID] = item
			delta.Changes = append(delta.Changes, domain.Change{OpIndex: i, OpType: op.Type, EntityID: item.ID, EntityKnd: "context_item", Summary: "created context item"})

		case domain.OpCreateRelationship:
			c := op.CreateRelationship
			rel := domain.Relationship{BasketID: c.BasketID, FromType: c.FromType, FromID: c.FromID, ToType: c.ToType, ToID: c.ToID, RelationshipType: c.RelationshipType, Strength: c.Strength}
			for _, existing := range s.relationships {
				if existing == rel {
					return store.CommitOutcome{}, orchestratorStateError("duplicate relationship")
				}
			}
			for _, existing := range scratchRels {
				if existing == rel {
					return store.CommitOutcome{}, orchestratorStateError("duplicate relationship")
				}
			}
			scratchRels = append(scratchRels, rel)
			delta.Changes = append(delta.Changes, domain.Change{OpIndex: i, OpType: op.Type, EntityID: c.FromID, EntityKnd: "relationship", Summary: "created relationship"})

		default:
			return store.CommitOutcome{}, orchestratorStateError("unknown op type")
		}
	}

	// Every op validated against the scratch state; commit it for real.
	for id, b := range scratchBlocks {
		s.blocks[id] = b
	}
	for id, revs := range scratchRevisions {
		s.revisions[id] = append(s.revisions[id], revs...)
	}
	for id, item := range scratchItems {
		s.contextItems[id] = item
	}
	s.relationships = append(s.relationships, scratchRels...)

	delta.Summary = "committed proposal"
	p.State = domain.ProposalCommitted
	p.DecidedAt = &committedAt

	return store.CommitOutcome{Delta: delta}, nil
}

// ----- BlockStore -----

// SeedBlock inserts a block directly into the store, bypassing the proposal
// lifecycle. Test-only: lets package-level tests exercise referential and
// transition checks without replaying InsertProposal/CommitProposal.
func (s *Store) SeedBlock(b domain.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := b
	s.blocks[cp.ID] = &cp
}

func (s *Store) GetBlock(_ context.Context, id domain.ID) (domain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return domain.Block{}, store.ErrNotFound
	}
	return *b, nil
}

func (s *Store) ListActiveBlocks(_ context.Context, basketID domain.ID) ([]domain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Block
	for _, b := range s.blocks {
		if b.BasketID != basketID {
			continue
		}
		if b.Status == domain.BlockRejected || b.Status == domain.BlockSuperseded {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (s *Store) ListRevisions(_ context.Context, blockID domain.ID) ([]domain.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Revision(nil), s.revisions[blockID]...), nil
}

func (s *Store) TransitionBlock(_ context.Context, blockID domain.ID, to domain.BlockStatus, isHuman bool, actorID *domain.ID) (domain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return domain.Block{}, store.ErrNotFound
	}
	if !domain.BlockTransitionAllowed(b.Status, to, isHuman) {
		return domain.Block{}, orchestratorStateError("disallowed block transition")
	}
	b.Status = to
	b.Version++
	return *b, nil
}

// ----- BasketContextStore -----

func (s *Store) FindSimilarBlocks(_ context.Context, basketID domain.ID, content string, threshold float64, limit int) ([]domain.DedupHint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SimilarityFn != nil {
		hints := s.SimilarityFn(basketID, content)
		if limit > 0 && len(hints) > limit {
			hints = hints[:limit]
		}
		return hints, nil
	}
	return nil, nil
}

func (s *Store) UsageSnapshot(_ context.Context, basketID domain.ID, staleAfter time.Duration) (store.UsageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := store.UsageSnapshot{BasketID: basketID}
	cutoff := time.Now().Add(-staleAfter)
	for _, b := range s.blocks {
		if b.BasketID != basketID {
			continue
		}
		if b.Status == domain.BlockRejected || b.Status == domain.BlockSuperseded {
			continue
		}
		snap.ActiveBlocks++
		if b.LastValidatedAt.Before(cutoff) {
			snap.StaleBlocks++
		}
		switch b.SemanticType {
		case domain.SemanticGoal:
			snap.GoalCount++
		case domain.SemanticConstraint:
			snap.ConstraintCount++
		}
	}
	for _, ci := range s.contextItems {
		if ci.BasketID == basketID {
			snap.ContextItems++
		}
	}
	return snap, nil
}

// ----- misc -----

func (s *Store) InsertDump(_ context.Context, dump domain.RawDump) (domain.RawDump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dump.ID == (domain.ID{}) {
		dump.ID = domain.NewID()
	}
	if dump.CreatedAt.IsZero() {
		dump.CreatedAt = time.Now()
	}
	s.dumps[dump.ID] = dump
	return dump, nil
}

func (s *Store) GetDump(_ context.Context, id domain.ID) (domain.RawDump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dumps[id]
	if !ok {
		return domain.RawDump{}, store.ErrNotFound
	}
	return d, nil
}

// ----- ReflectionStore -----

func (s *Store) InsertReflection(_ context.Context, r domain.Reflection) (domain.Reflection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == (domain.ID{}) {
		r.ID = domain.NewID()
	}
	if r.ComputedAt.IsZero() {
		r.ComputedAt = time.Now()
	}
	s.reflections = append(s.reflections, r)
	return r, nil
}

func (s *Store) LatestReflection(_ context.Context, basketID domain.ID, kind string) (domain.Reflection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Reflection
	for i := range s.reflections {
		r := s.reflections[i]
		if r.BasketID != basketID || r.Kind != kind {
			continue
		}
		if latest == nil || r.ComputedAt.After(latest.ComputedAt) {
			latest = &r
		}
	}
	if latest == nil {
		return domain.Reflection{}, store.ErrNotFound
	}
	return *latest, nil
}

// ----- DocumentStore -----

func (s *Store) CommitDocument(_ context.Context, doc domain.Document, refs []domain.SubstrateReference) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == (domain.ID{}) {
		doc.ID = domain.NewID()
	}
	if doc.ComposedAt.IsZero() {
		doc.ComposedAt = time.Now()
	}
	if existing, ok := s.documents[doc.ID]; ok {
		doc.Version = existing.Version + 1
	} else {
		doc.Version = 1
	}
	s.documents[doc.ID] = &doc
	s.substrateRefs[doc.ID] = refs
	return doc, nil
}

func (s *Store) GetDocument(_ context.Context, id domain.ID) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return domain.Document{}, store.ErrNotFound
	}
	return *d, nil
}

func (s *Store) ListDocuments(_ context.Context, basketID domain.ID) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []domain.Document
	for _, d := range s.documents {
		if d.BasketID == basketID {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}

func (s *Store) WithAdvisoryLock(ctx context.Context, basketID domain.ID, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	lock, ok := s.basketLocks[basketID]
	if !ok {
		lock = &sync.Mutex{}
		s.basketLocks[basketID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

type stateError struct{ msg string }

func (e *stateError) Error() string { return e.msg }

func orchestratorStateError(msg string) error { return &stateError{msg: msg} }

// NewID is re-exported for tests that want a fresh UUID without importing uuid directly.
func NewID() domain.ID { return uuid.New() }

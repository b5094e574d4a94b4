package domain

import "time"

// ProposalOrigin identifies who or what produced a proposal.
type ProposalOrigin string

// AgentOrigin formats the origin string for an agent-produced proposal, e.g. "agent:p1_substrate".
func AgentOrigin(agentName string) ProposalOrigin {
	return ProposalOrigin("agent:" + agentName)
}

const OriginHuman ProposalOrigin = "human"

// ProposalState is the governance FSM state (spec §4.5).
type ProposalState string

const (
	ProposalDraft     ProposalState = "DRAFT"
	ProposalValidated ProposalState = "VALIDATED"
	ProposalApproved  ProposalState = "APPROVED"
	ProposalCommitted ProposalState = "COMMITTED"
	ProposalRejected  ProposalState = "REJECTED"
	ProposalFailed    ProposalState = "FAILED"
)

// IsTerminal reports whether a proposal state never transitions further.
func (s ProposalState) IsTerminal() bool {
	return s == ProposalCommitted || s == ProposalRejected || s == ProposalFailed
}

// OpType enumerates the governed operation kinds a Proposal may carry.
type OpType string

const (
	OpCreateBlock        OpType = "CreateBlock"
	OpUpdateBlock        OpType = "UpdateBlock"
	OpCreateContextItem  OpType = "CreateContextItem"
	OpMergeBlocks        OpType = "MergeBlocks"
	OpCreateRelationship OpType = "CreateRelationship"
	OpReviseBlock        OpType = "ReviseBlock"
)

// Op is one governed operation within a proposal. Exactly one of the typed payload
// fields is populated, selected by Type; this mirrors the JSON wire shape in spec §6
// while keeping the in-process representation a tagged union instead of a bare map.
type Op struct {
	Type              OpType
	CreateBlock       *CreateBlockOp        `json:",omitempty"`
	UpdateBlock       *UpdateBlockOp        `json:",omitempty"`
	CreateContextItem *CreateContextItemOp  `json:",omitempty"`
	MergeBlocks       *MergeBlocksOp        `json:",omitempty"`
	CreateRelationship *CreateRelationshipOp `json:",omitempty"`
	ReviseBlock       *ReviseBlockOp        `json:",omitempty"`
}

// CreateBlockOp proposes a new Block.
type CreateBlockOp struct {
	BasketID     ID             `validate:"required"`
	WorkspaceID  ID             `validate:"required"`
	Title        string         `validate:"required,max=256"`
	SemanticType SemanticType   `validate:"required,oneof=goal constraint finding insight entity"`
	Content      string         `validate:"required"`
	Confidence   float64        `validate:"gte=0,lte=1"`
	Metadata     map[string]any
}

// UpdateBlockOp proposes a mutation of an existing Block, guarded by optimistic
// versioning: the commit aborts this op if Block.Version != FromVersion.
type UpdateBlockOp struct {
	BasketID    ID             `validate:"required"`
	WorkspaceID ID             `validate:"required"`
	BlockID     ID             `validate:"required"`
	FromVersion int64          `validate:"gte=1"`
	Patch       map[string]any `validate:"required"`
}

// ReviseBlockOp proposes a lifecycle transition for an existing Block (e.g. agent
// proposing SUPERSEDED), distinct from a content UpdateBlockOp.
type ReviseBlockOp struct {
	BasketID    ID          `validate:"required"`
	WorkspaceID ID          `validate:"required"`
	BlockID     ID          `validate:"required"`
	FromVersion int64       `validate:"gte=1"`
	ToStatus    BlockStatus `validate:"required,oneof=PROPOSED ACCEPTED LOCKED CONSTANT REJECTED SUPERSEDED"`
	Summary     string      `validate:"required"`
}

// CreateContextItemOp proposes a new ContextItem.
type CreateContextItemOp struct {
	BasketID    ID     `validate:"required"`
	WorkspaceID ID     `validate:"required"`
	Type        string `validate:"required"`
	Label       string `validate:"required"`
	Metadata    map[string]any
}

// MergeBlocksOp proposes folding MergedIDs into PrimaryID. Always REQUIRE_REVIEW
// under the default policy (spec §4.4 point 5).
type MergeBlocksOp struct {
	BasketID    ID     `validate:"required"`
	WorkspaceID ID     `validate:"required"`
	PrimaryID   ID     `validate:"required"`
	MergedIDs   []ID   `validate:"required,min=1,dive,required"`
	MergedTitle string
}

// CreateRelationshipOp proposes a new directed edge between two substrate elements.
type CreateRelationshipOp struct {
	BasketID         ID      `validate:"required"`
	WorkspaceID      ID      `validate:"required"`
	FromType         string  `validate:"required"`
	FromID           ID      `validate:"required"`
	ToType           string  `validate:"required"`
	ToID             ID      `validate:"required"`
	RelationshipType string  `validate:"required"`
	Strength         float64 `validate:"gte=0,lte=1"`
}

// PolicyDecision is the validator's routing decision for a proposal (spec §4.4).
type PolicyDecision string

const (
	AutoApprove   PolicyDecision = "AUTO_APPROVE"
	RequireReview PolicyDecision = "REQUIRE_REVIEW"
	PolicyReject  PolicyDecision = "REJECT"
)

// OpReport is the per-op slice of a ValidationReport.
type OpReport struct {
	OpIndex  int
	OK       bool
	Warnings []string
	Errors   []string
}

// DedupHint flags a near-duplicate Block found by C9 for a CreateBlock op.
type DedupHint struct {
	OpIndex         int
	ExistingBlockID ID
	Similarity      float64
}

// ValidationReport is the pure, deterministic output of validating one proposal
// against a basket context snapshot (spec §4.4).
type ValidationReport struct {
	OK             bool
	OpReports      []OpReport
	PolicyDecision PolicyDecision
	DedupHints     []DedupHint
	Confidence     float64
}

// Proposal is a unit of governed change: the only path to substrate mutation.
type Proposal struct {
	ID               ID
	BasketID         ID
	WorkspaceID      ID
	Origin           ProposalOrigin
	Ops              []Op
	ProvenanceDumpID []ID
	Confidence       float64
	State            ProposalState
	ValidationReport *ValidationReport
	FailureReason    string
	CreatedAt        time.Time
	DecidedAt        *time.Time
}

// Change is one entry in a Delta's change list, describing a single applied op's effect.
type Change struct {
	OpIndex   int
	OpType    OpType
	EntityID  ID
	EntityKnd string
	Summary   string
}

// Delta is the applied outcome of a committed proposal.
type Delta struct {
	ID         ID
	BasketID   ID
	Summary    string
	Changes    []Change
	CreatedAt  time.Time
	AppliedAt  time.Time
}

// IdempotencyKey guarantees at-most-once application per client request_id.
type IdempotencyKey struct {
	RequestID string
	DeltaID   ID
	CreatedAt time.Time
}

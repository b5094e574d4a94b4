package domain

import "time"

// SemanticType classifies the kind of knowledge a Block carries.
type SemanticType string

const (
	SemanticGoal       SemanticType = "goal"
	SemanticConstraint SemanticType = "constraint"
	SemanticFinding    SemanticType = "finding"
	SemanticInsight    SemanticType = "insight"
	SemanticEntity     SemanticType = "entity"
)

// BlockStatus is the block lifecycle state. See BlockTransitionAllowed for the FSM rules.
type BlockStatus string

const (
	BlockProposed   BlockStatus = "PROPOSED"
	BlockAccepted   BlockStatus = "ACCEPTED"
	BlockLocked     BlockStatus = "LOCKED"
	BlockConstant   BlockStatus = "CONSTANT"
	BlockRejected   BlockStatus = "REJECTED"
	BlockSuperseded BlockStatus = "SUPERSEDED"
)

// Block is a semantically typed knowledge unit. Version is incremented on every
// committed update; UpdateBlock ops declare the version they expect (optimistic
// concurrency, checked at commit; see store.BlockVersionConflict).
type Block struct {
	ID               ID
	BasketID         ID
	WorkspaceID      ID
	SemanticType     SemanticType
	Title            string
	Content          string
	Status           BlockStatus
	Version          int64
	Confidence       float64
	LastValidatedAt  time.Time
	Metadata         map[string]any
	ProvenanceDumpID []ID
}

// ContextItem is a lightweight tag/entity/relation extracted from a block or dump.
type ContextItem struct {
	ID       ID
	BasketID ID
	Type     string
	Label    string
	Metadata map[string]any
	State    string
}

// Relationship is a directed edge between two substrate elements, unique on
// (FromType, FromID, ToType, ToID, RelationshipType) within a basket.
type Relationship struct {
	BasketID         ID
	FromType         string
	FromID           ID
	ToType           string
	ToID             ID
	RelationshipType string
	Strength         float64
}

// Revision is an append-only log entry for a block mutation.
type Revision struct {
	ID          ID
	BlockID     ID
	WorkspaceID ID
	ActorID     *ID
	Summary     string
	DiffJSON    map[string]any
	CreatedAt   time.Time
}

// maxRevisionContentBytes bounds the content captured in a revision diff; structure
// is preserved even when the content itself is truncated.
const maxRevisionContentBytes = 8192

// TruncateForRevision bounds content length for storage in a Revision.diff_json,
// preserving diff structure (see spec §4.3 Revisions).
func TruncateForRevision(s string) string {
	if len(s) <= maxRevisionContentBytes {
		return s
	}
	return s[:maxRevisionContentBytes]
}

// blockTransitions enumerates the allowed source->destination edges of the block FSM,
// independent of actor. Actor-gating (human-only transitions) is enforced separately
// by BlockTransitionAllowed.
var blockTransitions = map[BlockStatus]map[BlockStatus]bool{
	BlockProposed: {BlockAccepted: true, BlockRejected: true, BlockSuperseded: true},
	BlockAccepted: {BlockLocked: true, BlockSuperseded: true},
	BlockLocked:   {BlockConstant: true, BlockSuperseded: true},
	BlockConstant: {},
	BlockRejected: {},
}

// humanOnlyDestinations lists block states only a human actor may transition into.
var humanOnlyDestinations = map[BlockStatus]bool{
	BlockAccepted: true,
	BlockLocked:   true,
	BlockConstant: true,
}

// BlockTransitionAllowed reports whether a block in `from` may move to `to`, given
// whether the acting party is human. Agents may only produce PROPOSED or propose
// SUPERSEDED; only humans may transition into ACCEPTED, LOCKED, or CONSTANT.
// CONSTANT and REJECTED are terminal.
func BlockTransitionAllowed(from, to BlockStatus, isHuman bool) bool {
	if from == BlockConstant || from == BlockRejected {
		return false
	}
	edges, ok := blockTransitions[from]
	if !ok || !edges[to] {
		return false
	}
	if humanOnlyDestinations[to] && !isHuman {
		return false
	}
	return true
}

// BlockContentEditable reports whether a block's content may be edited by the given
// actor in its current status. Content edits are permitted only in PROPOSED (any
// actor) and ACCEPTED (human only); LOCKED/CONSTANT/REJECTED are immutable.
func BlockContentEditable(status BlockStatus, isHuman bool) bool {
	switch status {
	case BlockProposed:
		return true
	case BlockAccepted:
		return isHuman
	default:
		return false
	}
}

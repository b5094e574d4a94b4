package domain

import "time"

// WorkType enumerates the queue's typed work items (spec §6).
type WorkType string

const (
	WorkP0Capture       WorkType = "P0_CAPTURE"
	WorkP1Substrate     WorkType = "P1_SUBSTRATE"
	WorkP2Graph         WorkType = "P2_GRAPH"
	WorkP3Reflection    WorkType = "P3_REFLECTION"
	WorkP4Compose       WorkType = "P4_COMPOSE"
	WorkManualEdit      WorkType = "MANUAL_EDIT"
	WorkProposalReview  WorkType = "PROPOSAL_REVIEW"
	WorkTimelineRestore WorkType = "TIMELINE_RESTORE"
)

// WorkState is the queue-entry lifecycle state.
type WorkState string

const (
	WorkPending    WorkState = "pending"
	WorkClaimed    WorkState = "claimed"
	WorkProcessing WorkState = "processing"
	WorkCascading  WorkState = "cascading"
	WorkCompleted  WorkState = "completed"
	WorkFailed     WorkState = "failed"
)

// IsTerminal reports whether a work item state never transitions further.
func (s WorkState) IsTerminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

// CascadeMetadata threads parent->child lineage decisions through a work item's
// result, read by the Cascade Coordinator (C8) to enqueue the next stage.
type CascadeMetadata struct {
	NextStage     WorkType
	NextPayload   map[string]any
	CascadePolicy string
}

// WorkResult is the structured outcome recorded on completion or failure.
type WorkResult struct {
	Output map[string]any
	Error  *WorkError
}

// WorkError is the structured failure recorded in WorkResult.Error / work_result.error.
type WorkError struct {
	Code      string
	Message   string
	Retryable bool
}

// WorkItem is one queue entry.
type WorkItem struct {
	ID                   ID
	WorkType             WorkType
	WorkPayload          map[string]any
	State                WorkState
	Priority             int
	WorkspaceID          ID
	BasketID             *ID
	UserID               *ID
	ParentWorkID         *ID
	Attempts             int
	ClaimLeaseExpiresAt  *time.Time
	WorkerID             *string
	CascadeMetadata      *CascadeMetadata
	WorkResult           *WorkResult
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

package domain

import "time"

// Topic is a reserved event-bus topic name (spec §6).
type Topic string

const (
	TopicDumpCreated          Topic = "dump.created"
	TopicSubstrateCommitted   Topic = "substrate.committed"
	TopicSubstrateCommitFail  Topic = "substrate.commit_failed"
	TopicProposalDrafted      Topic = "proposal.drafted"
	TopicProposalValidated    Topic = "proposal.validated"
	TopicProposalApproved     Topic = "proposal.approved"
	TopicProposalRejected     Topic = "proposal.rejected"
	TopicProposalReview       Topic = "proposal.review_requested"
	TopicReflectionComputed   Topic = "reflection.computed"
	TopicDocumentComposed     Topic = "document.composed"
	TopicBasketComposeRequest Topic = "basket.compose_request"
	TopicWorkCascadeCompleted Topic = "work.cascade_completed"
)

// Event is a persisted bus record. Ordered by (Ts, ID) within a (BasketID, Topic) pair.
type Event struct {
	ID          ID
	Topic       Topic
	Payload     map[string]any
	BasketID    *ID
	WorkspaceID *ID
	Origin      string
	ActorID     *ID
	Ts          time.Time
	DeliveredAt *time.Time
}

// Scope narrows an emitted event to a workspace and, optionally, a basket.
type Scope struct {
	WorkspaceID ID
	BasketID    *ID
}

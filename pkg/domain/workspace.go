package domain

import "time"

// BasketStatus is the lifecycle state of a Basket.
type BasketStatus string

const (
	BasketDraft    BasketStatus = "DRAFT"
	BasketActive   BasketStatus = "ACTIVE"
	BasketArchived BasketStatus = "ARCHIVED"
)

// Workspace is the tenancy root. Every substrate and work row carries a WorkspaceID;
// cross-workspace access must be rejected by every store query.
type Workspace struct {
	ID       ID
	OwnerRef string
}

// Basket is a logical container for one user's knowledge thread, scoped to a Workspace.
// It owns dumps, blocks, items, documents, relationships, proposals, deltas and reflections.
type Basket struct {
	ID          ID
	WorkspaceID ID
	Status      BasketStatus
	CreatedAt   time.Time
}

// RawDump is immutable captured input, referenced by provenance and never modified
// after insert.
type RawDump struct {
	ID            ID
	BasketID      ID
	WorkspaceID   ID
	BodyText      string
	SourceMeta    map[string]any
	IngestTraceID string
	CreatedAt     time.Time
}

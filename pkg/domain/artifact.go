package domain

import "time"

// Reflection is a read-only artifact produced by P3_REFLECTION: a point-in-time
// summary over a basket's substrate, versioned by (BasketID, Kind, ComputedAt) so
// successive recomputations never overwrite history (spec §4.7: "does not propose
// substrate changes").
type Reflection struct {
	ID          ID
	BasketID    ID
	WorkspaceID ID
	Kind        string
	Body        map[string]any
	WindowStart *time.Time
	WindowEnd   *time.Time
	ComputedAt  time.Time
}

// DocumentStatus is a composed document's lifecycle. Unlike Block, a document has
// no governance FSM -- P4 writes it directly through a dedicated commit path (spec
// §4.7: "documents are artifact-layer").
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "DRAFT"
	DocumentPublished DocumentStatus = "PUBLISHED"
	DocumentStale     DocumentStatus = "STALE"
)

// Document is a composed artifact referencing the substrate it was built from.
type Document struct {
	ID          ID
	BasketID    ID
	WorkspaceID ID
	Title       string
	Body        string
	Status      DocumentStatus
	Version     int64
	ComposedAt  time.Time
}

// SubstrateReference links a composed Document version to the block it drew on,
// so a later block revision can flag the document stale.
type SubstrateReference struct {
	DocumentID   ID
	BlockID      ID
	BlockVersion int64
}

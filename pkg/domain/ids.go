// Package domain holds the substrate entity types shared across the orchestrator:
// workspaces, baskets, dumps, blocks, proposals, deltas, work items, events and revisions.
// Types here are plain data; behavior lives in the packages that own each entity's
// lifecycle (pkg/governance for Block/Proposal, pkg/workqueue for WorkItem, pkg/bus for Event).
package domain

import "github.com/google/uuid"

// ID is a workspace-scoped identifier. Every entity that carries one must also carry
// a WorkspaceID so cross-workspace access can be rejected at the store boundary.
type ID = uuid.UUID

// NewID generates a new random entity identifier.
func NewID() ID {
	return uuid.New()
}

// ParseID parses a string identifier, returning an error if it is not a valid UUID.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// Package storage defines the persistence contract for the knowledge
// graph and the reconcile logic shared by its backends.
//
// Three backends implement the contract: an embedded key/value store on
// bbolt, a relational store on SQLite, and a property-graph store on
// FalkorDB. All of them must pass the conformance suite in the
// storagetest subpackage; behavioral differences between backends are
// bugs, not features.
package storage

import (
	"context"
	"errors"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// ErrNotFound is returned by point lookups for ids that do not exist.
var ErrNotFound = errors.New("not found")

// DefaultDisappearanceGrace is the number of consecutive full syncs a
// node may go unobserved before it is marked deleted.
const DefaultDisappearanceGrace = 2

// UpsertResult describes what a node upsert did.
type UpsertResult struct {
	Created    bool
	Updated    bool
	Reappeared bool
	// FieldsChanged lists the attributes that produced change records,
	// in diff order.
	FieldsChanged []string
}

// EdgeUpsertResult describes what an edge upsert did.
type EdgeUpsertResult struct {
	Created bool
	Updated bool
	// Dangling reports whether an endpoint was absent at write time.
	Dangling bool
}

// SyncScope bounds a disappearance pass to the slice of the graph one
// sync actually covered. Zero-valued fields leave the dimension
// unconstrained.
type SyncScope struct {
	Provider graph.Provider
	Account  string
	// Regions limits the scope to these regions when non-nil. Global
	// resources are always in scope: a region-limited sync still
	// observes them.
	Regions []string
}

// Contains reports whether the node falls inside the scope.
func (s SyncScope) Contains(n *graph.Node) bool {
	if s.Provider != "" && n.Provider != s.Provider {
		return false
	}
	if s.Account != "" && n.Account != s.Account {
		return false
	}
	if s.Regions != nil && n.Region != graph.RegionGlobal {
		found := false
		for _, r := range s.Regions {
			if r == n.Region {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Storage is the persistence contract. Implementations serialize writes
// per entity; readers always see a complete record, never a partial
// write. Returned records are clones the caller may mutate freely.
type Storage interface {
	// Initialize prepares the backend (buckets, tables, indexes).
	// Idempotent.
	Initialize(ctx context.Context) error
	// Close releases the backend. Idempotent.
	Close() error

	// UpsertNode merges one observed node into the store: first
	// observation creates it, re-observation diffs attributes and writes
	// one change record per differing field, re-observation of a deleted
	// node reactivates it with a reappeared change. Lifecycle timestamps
	// are maintained here, never by callers.
	UpsertNode(ctx context.Context, node *graph.Node) (UpsertResult, error)
	GetNode(ctx context.Context, id string) (*graph.Node, error)
	// QueryNodes returns matching nodes in ascending id order.
	QueryNodes(ctx context.Context, filter *graph.NodeFilter) ([]*graph.Node, error)

	// UpsertEdge stores an edge deduplicated by (source, type, target).
	// Later observations update confidence, metadata and discovery
	// method in place. Edges with a missing endpoint are kept and
	// flagged dangling.
	UpsertEdge(ctx context.Context, edge *graph.Edge) (EdgeUpsertResult, error)
	GetEdge(ctx context.Context, id string) (*graph.Edge, error)
	// QueryEdges returns matching edges in ascending id order.
	QueryEdges(ctx context.Context, filter *graph.EdgeFilter) ([]*graph.Edge, error)
	// GetEdgesForNode returns the edges touching a node without a full
	// scan. Upstream follows edges out of the node, downstream edges
	// into it.
	GetEdgesForNode(ctx context.Context, nodeID string, direction graph.Direction) ([]*graph.Edge, error)

	// RecordChange appends a history entry. Upserts and MarkMissing
	// write their own records; this exists for callers that detect
	// lifecycle events themselves (snapshot import, manual edits).
	RecordChange(ctx context.Context, change *graph.ChangeRecord) error
	// QueryChanges returns matching records newest first.
	QueryChanges(ctx context.Context, filter *graph.ChangeFilter) ([]graph.ChangeRecord, error)

	SaveGroup(ctx context.Context, group *graph.Group) error
	GetGroup(ctx context.Context, id string) (*graph.Group, error)
	// ListGroups returns all groups in ascending id order.
	ListGroups(ctx context.Context) ([]*graph.Group, error)

	// GetStats summarizes the live graph. Deleted nodes are excluded
	// from counts and cost.
	GetStats(ctx context.Context) (*graph.GraphStats, error)

	// MarkMissing progresses disappearance for every in-scope live node
	// whose lastSyncId differs from syncID, deleting nodes whose missing
	// count reaches the grace threshold. Calling it again with the same
	// syncID is a no-op. Returns the affected node ids sorted.
	MarkMissing(ctx context.Context, syncID string, scope SyncScope) ([]string, error)
}

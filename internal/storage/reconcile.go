package storage

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// ReconcileNode merges an observed node into its stored predecessor and
// returns the record to persist, the change records to append, and the
// upsert outcome. prev == nil means first observation. Every backend
// funnels node upserts through here so lifecycle semantics cannot drift
// between them.
func ReconcileNode(prev, observed *graph.Node, now time.Time) (*graph.Node, []graph.ChangeRecord, UpsertResult) {
	merged := observed.Clone()
	if merged.ID == "" {
		merged.ID = merged.ComputeID()
	}

	if prev == nil {
		merged.FirstSeenAt = now
		merged.LastSeenAt = now
		merged.LastModifiedAt = now
		merged.Deleted = false
		merged.DeletedAt = nil
		merged.MissingCount = 0
		merged.LastMissingSyncID = ""
		rec := graph.ChangeRecord{
			ID:         uuid.NewString(),
			NodeID:     merged.ID,
			DetectedAt: now,
			ChangeType: graph.ChangeCreated,
			Source:     merged.LastSyncID,
		}
		return merged, []graph.ChangeRecord{rec}, UpsertResult{Created: true}
	}

	merged.FirstSeenAt = prev.FirstSeenAt
	merged.LastSeenAt = now
	merged.LastModifiedAt = prev.LastModifiedAt
	merged.Deleted = false
	merged.DeletedAt = nil
	merged.MissingCount = 0
	merged.LastMissingSyncID = ""

	var records []graph.ChangeRecord
	var res UpsertResult

	if prev.Deleted {
		res.Reappeared = true
		res.Updated = true
		merged.LastModifiedAt = now
		records = append(records, graph.ChangeRecord{
			ID:         uuid.NewString(),
			NodeID:     merged.ID,
			DetectedAt: now,
			ChangeType: graph.ChangeReappeared,
			Source:     merged.LastSyncID,
		})
	}

	// Hash short-circuit: equal hashes mean no attribute moved and the
	// per-field diff can be skipped entirely.
	if attributesEqual(prev, observed) {
		return merged, records, res
	}

	diffs := graph.DiffNodes(prev, observed)
	for _, d := range diffs {
		records = append(records, graph.ChangeRecord{
			ID:            uuid.NewString(),
			NodeID:        merged.ID,
			DetectedAt:    now,
			ChangeType:    graph.ChangeUpdated,
			Field:         d.Field,
			PreviousValue: d.Previous,
			NewValue:      d.New,
			Source:        merged.LastSyncID,
		})
		res.FieldsChanged = append(res.FieldsChanged, d.Field)
	}
	if len(diffs) > 0 {
		res.Updated = true
		merged.LastModifiedAt = now
	}

	return merged, records, res
}

func attributesEqual(a, b *graph.Node) bool {
	ha, errA := graph.HashNodeAttributes(a)
	hb, errB := graph.HashNodeAttributes(b)
	if errA != nil || errB != nil {
		// Fall through to the field diff on hash failure.
		return false
	}
	return ha == hb
}

// ReconcileEdge merges an observed edge into its stored predecessor.
// The caller sets observed.Dangling before calling (endpoint existence
// is a storage lookup).
func ReconcileEdge(prev, observed *graph.Edge) (*graph.Edge, EdgeUpsertResult) {
	merged := observed.Clone()
	if merged.ID == "" {
		merged.ID = merged.ComputeID()
	}

	if prev == nil {
		return merged, EdgeUpsertResult{Created: true, Dangling: merged.Dangling}
	}

	res := EdgeUpsertResult{Dangling: merged.Dangling}
	if prev.Confidence != merged.Confidence ||
		prev.DiscoveredVia != merged.DiscoveredVia ||
		prev.Dangling != merged.Dangling ||
		!metadataEqual(prev.Metadata, merged.Metadata) {
		res.Updated = true
	}
	return merged, res
}

func metadataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// AdvanceMissing applies one full sync's disappearance bookkeeping to a
// stored node that the sync did not re-observe. It mutates n in place
// and reports whether the node progressed and whether it crossed the
// grace threshold into deleted. Idempotent per syncID via the
// lastMissingSyncId guard.
func AdvanceMissing(n *graph.Node, syncID string, grace int, now time.Time) (progressed, deletedNow bool) {
	if n.Deleted {
		return false, false
	}
	if n.LastSyncID == syncID {
		return false, false
	}
	if n.LastMissingSyncID == syncID {
		return false, false
	}
	if grace < 1 {
		grace = DefaultDisappearanceGrace
	}

	n.MissingCount++
	n.LastMissingSyncID = syncID
	if n.MissingCount >= grace {
		n.Deleted = true
		t := now
		n.DeletedAt = &t
		return true, true
	}
	return true, false
}

// DeletionChange builds the change record for a node that AdvanceMissing
// just deleted.
func DeletionChange(nodeID, syncID string, now time.Time) graph.ChangeRecord {
	return graph.ChangeRecord{
		ID:         uuid.NewString(),
		NodeID:     nodeID,
		DetectedAt: now,
		ChangeType: graph.ChangeDeleted,
		Source:     syncID,
	}
}

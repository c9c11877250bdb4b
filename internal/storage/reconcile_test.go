package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/opsgraph/opsgraph/internal/graph"
)

func observedNode(cost float64) *graph.Node {
	return &graph.Node{
		NativeID:     "i-abc",
		Name:         "api-server",
		Provider:     graph.ProviderAWS,
		Account:      "111111111111",
		Region:       "us-east-1",
		ResourceType: graph.TypeCompute,
		Status:       graph.StatusRunning,
		CostMonthly:  ptr.To(cost),
		LastSyncID:   "sync-1",
	}
}

func TestReconcileNodeFirstObservation(t *testing.T) {
	now := time.Now().UTC()
	merged, records, res := ReconcileNode(nil, observedNode(100), now)

	assert.True(t, res.Created)
	assert.False(t, res.Updated)
	assert.Equal(t, "aws:111111111111:us-east-1:compute:i-abc", merged.ID)
	assert.Equal(t, now, merged.FirstSeenAt)
	assert.Equal(t, now, merged.LastSeenAt)
	assert.Equal(t, now, merged.LastModifiedAt)

	require.Len(t, records, 1)
	assert.Equal(t, graph.ChangeCreated, records[0].ChangeType)
	assert.Empty(t, records[0].Field)
	assert.Equal(t, "sync-1", records[0].Source)
	assert.NotEmpty(t, records[0].ID)
}

func TestReconcileNodeIdenticalObservation(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Hour)
	prev, _, _ := ReconcileNode(nil, observedNode(100), t0)

	next := observedNode(100)
	next.LastSyncID = "sync-2"
	now := time.Now().UTC()
	merged, records, res := ReconcileNode(prev, next, now)

	assert.False(t, res.Created)
	assert.False(t, res.Updated)
	assert.Empty(t, records, "identical observation must not write changes")

	assert.Equal(t, t0, merged.FirstSeenAt)
	assert.Equal(t, now, merged.LastSeenAt)
	assert.Equal(t, t0, merged.LastModifiedAt, "lastModifiedAt must not advance without changes")
	assert.Equal(t, "sync-2", merged.LastSyncID, "sync id advances even without changes")
}

func TestReconcileNodeFieldChange(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Hour)
	prev, _, _ := ReconcileNode(nil, observedNode(100), t0)

	next := observedNode(120.5)
	next.LastSyncID = "sync-2"
	now := time.Now().UTC()
	merged, records, res := ReconcileNode(prev, next, now)

	assert.True(t, res.Updated)
	assert.Equal(t, []string{"costMonthly"}, res.FieldsChanged)
	assert.Equal(t, now, merged.LastModifiedAt)

	require.Len(t, records, 1)
	assert.Equal(t, graph.ChangeUpdated, records[0].ChangeType)
	assert.Equal(t, "costMonthly", records[0].Field)
	assert.Equal(t, "100", records[0].PreviousValue)
	assert.Equal(t, "120.5", records[0].NewValue)
	assert.Equal(t, "sync-2", records[0].Source)
}

func TestReconcileNodeClearsMissingState(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Hour)
	prev, _, _ := ReconcileNode(nil, observedNode(100), t0)
	prev.MissingCount = 1
	prev.LastMissingSyncID = "sync-2"

	next := observedNode(100)
	next.LastSyncID = "sync-3"
	merged, records, res := ReconcileNode(prev, next, time.Now().UTC())

	assert.False(t, res.Updated)
	assert.Empty(t, records)
	assert.Zero(t, merged.MissingCount)
	assert.Empty(t, merged.LastMissingSyncID)
}

func TestReconcileNodeReappearance(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Hour)
	prev, _, _ := ReconcileNode(nil, observedNode(100), t0)
	prev.Deleted = true
	prev.DeletedAt = ptr.To(t0.Add(30 * time.Minute))
	prev.MissingCount = 2

	next := observedNode(100)
	next.LastSyncID = "sync-9"
	now := time.Now().UTC()
	merged, records, res := ReconcileNode(prev, next, now)

	assert.True(t, res.Reappeared)
	assert.True(t, res.Updated)
	assert.False(t, merged.Deleted)
	assert.Nil(t, merged.DeletedAt)
	assert.Zero(t, merged.MissingCount)
	assert.Equal(t, now, merged.LastModifiedAt)

	require.Len(t, records, 1)
	assert.Equal(t, graph.ChangeReappeared, records[0].ChangeType)
	assert.Equal(t, "sync-9", records[0].Source)
}

func TestReconcileNodeReappearanceWithChangedAttributes(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Hour)
	prev, _, _ := ReconcileNode(nil, observedNode(100), t0)
	prev.Deleted = true
	prev.DeletedAt = ptr.To(t0)

	next := observedNode(250)
	next.LastSyncID = "sync-9"
	_, records, res := ReconcileNode(prev, next, time.Now().UTC())

	require.Len(t, records, 2, "reappearance plus the attribute diff")
	assert.Equal(t, graph.ChangeReappeared, records[0].ChangeType)
	assert.Equal(t, graph.ChangeUpdated, records[1].ChangeType)
	assert.Equal(t, "costMonthly", records[1].Field)
	assert.True(t, res.Reappeared)
}

func TestReconcileEdge(t *testing.T) {
	observed := &graph.Edge{
		SourceID:      "a",
		TargetID:      "b",
		Type:          graph.RelUses,
		Confidence:    0.9,
		DiscoveredVia: graph.DiscoveredAPIField,
	}

	t.Run("first observation creates", func(t *testing.T) {
		merged, res := ReconcileEdge(nil, observed)
		assert.True(t, res.Created)
		assert.Equal(t, "a--uses--b", merged.ID)
	})

	t.Run("identical observation is a no-op", func(t *testing.T) {
		prev, _ := ReconcileEdge(nil, observed)
		_, res := ReconcileEdge(prev, observed)
		assert.False(t, res.Created)
		assert.False(t, res.Updated)
	})

	t.Run("confidence change updates", func(t *testing.T) {
		prev, _ := ReconcileEdge(nil, observed)
		next := observed.Clone()
		next.Confidence = 0.7
		merged, res := ReconcileEdge(prev, next)
		assert.True(t, res.Updated)
		assert.InDelta(t, 0.7, merged.Confidence, 1e-9)
	})

	t.Run("nil and empty metadata compare equal", func(t *testing.T) {
		prev, _ := ReconcileEdge(nil, observed)
		next := observed.Clone()
		next.Metadata = map[string]any{}
		_, res := ReconcileEdge(prev, next)
		assert.False(t, res.Updated)
	})

	t.Run("dangling cleared updates", func(t *testing.T) {
		src := observed.Clone()
		src.Dangling = true
		prev, _ := ReconcileEdge(nil, src)
		next := observed.Clone()
		merged, res := ReconcileEdge(prev, next)
		assert.True(t, res.Updated)
		assert.False(t, merged.Dangling)
	})
}

func TestAdvanceMissing(t *testing.T) {
	now := time.Now().UTC()

	base := func() *graph.Node {
		n := observedNode(100)
		n.ID = n.ComputeID()
		n.LastSyncID = "sync-1"
		return n
	}

	t.Run("node seen by this sync is untouched", func(t *testing.T) {
		n := base()
		progressed, deleted := AdvanceMissing(n, "sync-1", 2, now)
		assert.False(t, progressed)
		assert.False(t, deleted)
		assert.Zero(t, n.MissingCount)
	})

	t.Run("unseen node progresses once per sync", func(t *testing.T) {
		n := base()
		progressed, deleted := AdvanceMissing(n, "sync-2", 2, now)
		assert.True(t, progressed)
		assert.False(t, deleted)
		assert.Equal(t, 1, n.MissingCount)

		// Same sync id again must not double-count.
		progressed, deleted = AdvanceMissing(n, "sync-2", 2, now)
		assert.False(t, progressed)
		assert.False(t, deleted)
		assert.Equal(t, 1, n.MissingCount)
	})

	t.Run("grace threshold deletes", func(t *testing.T) {
		n := base()
		AdvanceMissing(n, "sync-2", 2, now)
		progressed, deleted := AdvanceMissing(n, "sync-3", 2, now)
		assert.True(t, progressed)
		assert.True(t, deleted)
		assert.True(t, n.Deleted)
		require.NotNil(t, n.DeletedAt)
		assert.Equal(t, now, *n.DeletedAt)
	})

	t.Run("deleted node is terminal", func(t *testing.T) {
		n := base()
		n.Deleted = true
		progressed, deleted := AdvanceMissing(n, "sync-4", 2, now)
		assert.False(t, progressed)
		assert.False(t, deleted)
	})

	t.Run("grace of one deletes on first miss", func(t *testing.T) {
		n := base()
		progressed, deleted := AdvanceMissing(n, "sync-2", 1, now)
		assert.True(t, progressed)
		assert.True(t, deleted)
	})
}

func TestSyncScopeContains(t *testing.T) {
	n := observedNode(100)
	n.ID = n.ComputeID()

	global := observedNode(100)
	global.Region = graph.RegionGlobal
	global.NativeID = "role/admin"
	global.ResourceType = graph.TypeIdentity
	global.ID = global.ComputeID()

	tests := []struct {
		name  string
		scope SyncScope
		node  *graph.Node
		want  bool
	}{
		{"empty scope matches everything", SyncScope{}, n, true},
		{"provider match", SyncScope{Provider: graph.ProviderAWS}, n, true},
		{"provider mismatch", SyncScope{Provider: graph.ProviderGCP}, n, false},
		{"account mismatch", SyncScope{Account: "222222222222"}, n, false},
		{"region allow-list", SyncScope{Regions: []string{"us-east-1"}}, n, true},
		{"region excluded", SyncScope{Regions: []string{"eu-west-1"}}, n, false},
		{"global always in region scope", SyncScope{Regions: []string{"eu-west-1"}}, global, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.Contains(tt.node))
		})
	}
}

// Package storagetest is the conformance suite for storage backends.
// Every backend runs Run from its own test package; a backend that
// passes is substitutable for any other.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/storage"
)

// Factory returns a fresh, initialized, empty store. Implementations
// register Close via t.Cleanup. Stores must be built with the default
// disappearance grace (2 full syncs).
type Factory func(t *testing.T) storage.Storage

// Run executes the conformance suite against the backend.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGetNode", func(t *testing.T) { testCreateAndGetNode(t, factory) })
	t.Run("GetNodeNotFound", func(t *testing.T) { testGetNodeNotFound(t, factory) })
	t.Run("UpsertValidation", func(t *testing.T) { testUpsertValidation(t, factory) })
	t.Run("NodeLifecycle", func(t *testing.T) { testNodeLifecycle(t, factory) })
	t.Run("IdempotentReplay", func(t *testing.T) { testIdempotentReplay(t, factory) })
	t.Run("QueryNodes", func(t *testing.T) { testQueryNodes(t, factory) })
	t.Run("EdgeUpserts", func(t *testing.T) { testEdgeUpserts(t, factory) })
	t.Run("DanglingEdges", func(t *testing.T) { testDanglingEdges(t, factory) })
	t.Run("EdgesForNode", func(t *testing.T) { testEdgesForNode(t, factory) })
	t.Run("Changes", func(t *testing.T) { testChanges(t, factory) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, factory) })
	t.Run("Stats", func(t *testing.T) { testStats(t, factory) })
	t.Run("MarkMissing", func(t *testing.T) { testMarkMissing(t, factory) })
	t.Run("MarkMissingScope", func(t *testing.T) { testMarkMissingScope(t, factory) })
	t.Run("Reappearance", func(t *testing.T) { testReappearance(t, factory) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, factory) })
}

func makeNode(nativeID string) *graph.Node {
	return &graph.Node{
		NativeID:     nativeID,
		Name:         "node-" + nativeID,
		Provider:     graph.ProviderAWS,
		Account:      "111111111111",
		Region:       "us-east-1",
		ResourceType: graph.TypeCompute,
		Status:       graph.StatusRunning,
	}
}

// nodeDiff compares everything except the storage-maintained timestamps,
// which the individual tests assert explicitly.
func nodeDiff(want, got *graph.Node) string {
	return cmp.Diff(want, got, cmpopts.IgnoreFields(graph.Node{},
		"FirstSeenAt", "LastSeenAt", "LastModifiedAt", "DeletedAt"))
}

func testCreateAndGetNode(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	n := makeNode("i-abc")
	n.Tags = map[string]string{"env": "prod", "team": "core"}
	// Metadata round-trips in JSON shape, so seed JSON-shaped values.
	n.Metadata = map[string]any{
		"instanceType": "m5.large",
		"ports":        []any{float64(80), float64(443)},
		"nested":       map[string]any{"zone": "us-east-1a"},
	}
	n.CostMonthly = ptr.To(100.0)
	n.Owner = "platform"
	n.CreatedAt = ptr.To(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	res, err := st.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Updated)

	id := "aws:111111111111:us-east-1:compute:i-abc"
	got, err := st.GetNode(ctx, id)
	require.NoError(t, err)

	want := n.Clone()
	want.ID = id
	if diff := nodeDiff(want, got); diff != "" {
		t.Fatalf("stored node mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, got.FirstSeenAt.IsZero())
	assert.True(t, got.LastSeenAt.Equal(got.FirstSeenAt))
	assert.True(t, got.LastModifiedAt.Equal(got.FirstSeenAt))

	// Returned records are clones: mutating one must not leak into the
	// store.
	got.Tags["env"] = "mutated"
	again, err := st.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "prod", again.Tags["env"])
}

func testGetNodeNotFound(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	_, err := st.GetNode(ctx, "aws:1:r:compute:nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.GetEdge(ctx, "a--uses--b")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpsertValidation(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	t.Run("missing provider", func(t *testing.T) {
		n := makeNode("i-bad")
		n.Provider = ""
		_, err := st.UpsertNode(ctx, n)
		require.Error(t, err)
	})

	t.Run("negative cost", func(t *testing.T) {
		n := makeNode("i-bad")
		n.CostMonthly = ptr.To(-5.0)
		_, err := st.UpsertNode(ctx, n)
		require.Error(t, err)
	})

	t.Run("mismatched id", func(t *testing.T) {
		n := makeNode("i-bad")
		n.ID = "aws:other:us-east-1:compute:i-bad"
		_, err := st.UpsertNode(ctx, n)
		require.Error(t, err)
	})

	t.Run("nothing was stored", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})
}

// testNodeLifecycle walks one node through create, no-op re-observation
// and a cost change, checking timestamps and history at each step.
func testNodeLifecycle(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()
	id := "aws:111111111111:us-east-1:compute:i-abc"

	observe := func(cost float64, syncID string) storage.UpsertResult {
		n := makeNode("i-abc")
		n.CostMonthly = ptr.To(cost)
		n.LastSyncID = syncID
		res, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
		return res
	}

	// First observation.
	res := observe(100, "sync-1")
	assert.True(t, res.Created)

	first, err := st.GetNode(ctx, id)
	require.NoError(t, err)

	// Identical re-observation: no change records, lastModifiedAt stable.
	res = observe(100, "sync-2")
	assert.False(t, res.Created)
	assert.False(t, res.Updated)

	second, err := st.GetNode(ctx, id)
	require.NoError(t, err)
	assert.True(t, second.LastModifiedAt.Equal(first.LastModifiedAt))
	assert.False(t, second.LastSeenAt.Before(first.LastSeenAt))
	assert.Equal(t, "sync-2", second.LastSyncID)

	// Cost change: exactly one updated record with stringified values.
	res = observe(120, "sync-3")
	assert.True(t, res.Updated)
	assert.Equal(t, []string{"costMonthly"}, res.FieldsChanged)

	changes, err := st.QueryChanges(ctx, &graph.ChangeFilter{NodeID: id})
	require.NoError(t, err)
	require.Len(t, changes, 2, "created + one field update")

	// Newest first.
	assert.Equal(t, graph.ChangeUpdated, changes[0].ChangeType)
	assert.Equal(t, "costMonthly", changes[0].Field)
	assert.Equal(t, "100", changes[0].PreviousValue)
	assert.Equal(t, "120", changes[0].NewValue)
	assert.Equal(t, "sync-3", changes[0].Source)
	assert.Equal(t, graph.ChangeCreated, changes[1].ChangeType)

	third, err := st.GetNode(ctx, id)
	require.NoError(t, err)
	assert.False(t, third.LastModifiedAt.Before(second.LastModifiedAt),
		"lastModifiedAt advances on attribute change")
}

// testIdempotentReplay re-applies the same observation many times; the
// store must converge after the first.
func testIdempotentReplay(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	n := makeNode("i-replay")
	n.Tags = map[string]string{"env": "prod"}
	n.Metadata = map[string]any{"size": "large"}

	for i := 0; i < 5; i++ {
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}

	changes, err := st.QueryChanges(ctx, &graph.ChangeFilter{NodeID: n.ComputeID()})
	require.NoError(t, err)
	assert.Len(t, changes, 1, "only the initial created record")

	e := &graph.Edge{
		SourceID:      n.ComputeID(),
		TargetID:      n.ComputeID(),
		Type:          graph.RelDependsOn,
		Confidence:    1,
		DiscoveredVia: graph.DiscoveredUser,
	}
	for i := 0; i < 3; i++ {
		_, err := st.UpsertEdge(ctx, e)
		require.NoError(t, err)
	}
	edges, err := st.QueryEdges(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func testQueryNodes(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	seed := []*graph.Node{
		makeNode("i-a"),
		makeNode("i-b"),
		func() *graph.Node {
			n := makeNode("vol-1")
			n.ResourceType = graph.TypeStorage
			n.Tags = map[string]string{"env": "prod"}
			n.CostMonthly = ptr.To(20.0)
			return n
		}(),
		func() *graph.Node {
			n := makeNode("db-1")
			n.ResourceType = graph.TypeDatabase
			n.Provider = graph.ProviderGCP
			n.Account = "project-x"
			n.Region = "europe-west1"
			n.Tags = map[string]string{"env": "staging"}
			n.CostMonthly = ptr.To(300.0)
			return n
		}(),
	}
	for _, n := range seed {
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}

	t.Run("nil filter returns everything ascending", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, nil)
		require.NoError(t, err)
		require.Len(t, nodes, 4)
		ids := idsOf(nodes)
		assert.True(t, sort.StringsAreSorted(ids), "ids not ascending: %v", ids)
	})

	t.Run("provider filter", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, &graph.NodeFilter{Providers: []graph.Provider{graph.ProviderGCP}})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "db-1", nodes[0].NativeID)
	})

	t.Run("empty non-nil list matches nothing", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, &graph.NodeFilter{Providers: []graph.Provider{}})
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("tag filter", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, &graph.NodeFilter{Tags: map[string]string{"env": "prod"}})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "vol-1", nodes[0].NativeID)
	})

	t.Run("cost range", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, &graph.NodeFilter{CostMin: ptr.To(100.0)})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "db-1", nodes[0].NativeID)
	})

	t.Run("limit truncates in id order", func(t *testing.T) {
		all, err := st.QueryNodes(ctx, nil)
		require.NoError(t, err)
		limited, err := st.QueryNodes(ctx, &graph.NodeFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, idsOf(all)[:2], idsOf(limited))
	})

	t.Run("native id lookup", func(t *testing.T) {
		nodes, err := st.QueryNodes(ctx, &graph.NodeFilter{NativeID: "vol-1"})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
	})
}

func testEdgeUpserts(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	a := makeNode("i-a")
	b := makeNode("i-b")
	for _, n := range []*graph.Node{a, b} {
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}
	aID, bID := a.ComputeID(), b.ComputeID()

	e := &graph.Edge{
		SourceID:      aID,
		TargetID:      bID,
		Type:          graph.RelUses,
		Confidence:    0.9,
		DiscoveredVia: graph.DiscoveredAPIField,
		Metadata:      map[string]any{"field": "dbInstanceArn"},
	}

	res, err := st.UpsertEdge(ctx, e)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Dangling)

	t.Run("deduped by source type target", func(t *testing.T) {
		again := e.Clone()
		again.Confidence = 0.95
		again.Metadata = map[string]any{"field": "endpoint"}
		res, err := st.UpsertEdge(ctx, again)
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.True(t, res.Updated)

		edges, err := st.QueryEdges(ctx, nil)
		require.NoError(t, err)
		require.Len(t, edges, 1, "metadata must not participate in identity")
		assert.InDelta(t, 0.95, edges[0].Confidence, 1e-9)
		assert.Equal(t, "endpoint", edges[0].Metadata["field"])
	})

	t.Run("distinct type is a distinct edge", func(t *testing.T) {
		other := e.Clone()
		other.ID = ""
		other.Type = graph.RelConnectsTo
		res, err := st.UpsertEdge(ctx, other)
		require.NoError(t, err)
		assert.True(t, res.Created)
	})

	t.Run("self loop only for depends-on", func(t *testing.T) {
		loop := &graph.Edge{SourceID: aID, TargetID: aID, Type: graph.RelUses, Confidence: 1}
		_, err := st.UpsertEdge(ctx, loop)
		require.Error(t, err)

		ok := &graph.Edge{SourceID: aID, TargetID: aID, Type: graph.RelDependsOn, Confidence: 1}
		_, err = st.UpsertEdge(ctx, ok)
		require.NoError(t, err)
	})

	t.Run("confidence bounds enforced", func(t *testing.T) {
		bad := &graph.Edge{SourceID: aID, TargetID: bID, Type: graph.RelTriggers, Confidence: 1.5}
		_, err := st.UpsertEdge(ctx, bad)
		require.Error(t, err)
	})

	t.Run("query with min confidence", func(t *testing.T) {
		edges, err := st.QueryEdges(ctx, &graph.EdgeFilter{MinConfidence: ptr.To(0.94)})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, graph.RelUses, edges[0].Type)
	})
}

func testDanglingEdges(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	a := makeNode("i-a")
	_, err := st.UpsertNode(ctx, a)
	require.NoError(t, err)
	aID := a.ComputeID()
	ghost := "aws:111111111111:us-east-1:database:db-ghost"

	e := &graph.Edge{SourceID: aID, TargetID: ghost, Type: graph.RelUses, Confidence: 0.8, DiscoveredVia: graph.DiscoveredAPIField}
	res, err := st.UpsertEdge(ctx, e)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Dangling, "missing endpoint must flag the edge")

	got, err := st.GetEdge(ctx, graph.EdgeID(aID, graph.RelUses, ghost))
	require.NoError(t, err)
	assert.True(t, got.Dangling)

	// Once the endpoint appears, a re-observation clears the flag.
	g := makeNode("db-ghost")
	g.ResourceType = graph.TypeDatabase
	_, err = st.UpsertNode(ctx, g)
	require.NoError(t, err)

	res, err = st.UpsertEdge(ctx, e)
	require.NoError(t, err)
	assert.False(t, res.Dangling)
	assert.True(t, res.Updated)

	got, err = st.GetEdge(ctx, graph.EdgeID(aID, graph.RelUses, ghost))
	require.NoError(t, err)
	assert.False(t, got.Dangling)
}

func testEdgesForNode(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	for _, native := range []string{"i-a", "i-b", "i-c"} {
		_, err := st.UpsertNode(ctx, makeNode(native))
		require.NoError(t, err)
	}
	id := func(native string) string {
		return graph.NodeID(graph.ProviderAWS, "111111111111", "us-east-1", graph.TypeCompute, native)
	}

	edges := []*graph.Edge{
		{SourceID: id("i-a"), TargetID: id("i-b"), Type: graph.RelUses, Confidence: 1},
		{SourceID: id("i-c"), TargetID: id("i-a"), Type: graph.RelConnectsTo, Confidence: 1},
		{SourceID: id("i-b"), TargetID: id("i-c"), Type: graph.RelUses, Confidence: 1},
	}
	for _, e := range edges {
		_, err := st.UpsertEdge(ctx, e)
		require.NoError(t, err)
	}

	t.Run("upstream follows edges out", func(t *testing.T) {
		out, err := st.GetEdgesForNode(ctx, id("i-a"), graph.DirectionUpstream)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, id("i-b"), out[0].TargetID)
	})

	t.Run("downstream follows edges in", func(t *testing.T) {
		in, err := st.GetEdgesForNode(ctx, id("i-a"), graph.DirectionDownstream)
		require.NoError(t, err)
		require.Len(t, in, 1)
		assert.Equal(t, id("i-c"), in[0].SourceID)
	})

	t.Run("both returns the union sorted", func(t *testing.T) {
		both, err := st.GetEdgesForNode(ctx, id("i-a"), graph.DirectionBoth)
		require.NoError(t, err)
		require.Len(t, both, 2)
		assert.True(t, sort.StringsAreSorted(edgeIDsOf(both)))
	})

	t.Run("isolated node has no edges", func(t *testing.T) {
		_, err := st.UpsertNode(ctx, makeNode("i-alone"))
		require.NoError(t, err)
		none, err := st.GetEdgesForNode(ctx, id("i-alone"), graph.DirectionBoth)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func testChanges(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &graph.ChangeRecord{
			ID:         fmt.Sprintf("ch-%d", i),
			NodeID:     "node-1",
			DetectedAt: base.Add(time.Duration(i) * time.Hour),
			ChangeType: graph.ChangeUpdated,
			Field:      "status",
			Source:     "sync-x",
		}
		if i == 4 {
			rec.NodeID = "node-2"
		}
		require.NoError(t, st.RecordChange(ctx, rec))
	}

	t.Run("newest first", func(t *testing.T) {
		got, err := st.QueryChanges(ctx, nil)
		require.NoError(t, err)
		require.Len(t, got, 5)
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].DetectedAt.After(got[i-1].DetectedAt))
		}
	})

	t.Run("node filter", func(t *testing.T) {
		got, err := st.QueryChanges(ctx, &graph.ChangeFilter{NodeID: "node-2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ch-4", got[0].ID)
	})

	t.Run("since and until", func(t *testing.T) {
		got, err := st.QueryChanges(ctx, &graph.ChangeFilter{
			Since: ptr.To(base.Add(90 * time.Minute)),
			Until: ptr.To(base.Add(150 * time.Minute)),
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ch-2", got[0].ID)
	})

	t.Run("limit keeps newest", func(t *testing.T) {
		got, err := st.QueryChanges(ctx, &graph.ChangeFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ch-4", got[0].ID)
		assert.Equal(t, "ch-3", got[1].ID)
	})
}

func testGroups(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	g := &graph.Group{
		ID:      "grp-web",
		Name:    "Web tier",
		NodeIDs: []string{"b", "a", "b"},
	}
	require.NoError(t, st.SaveGroup(ctx, g))

	got, err := st.GetGroup(ctx, "grp-web")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.NodeIDs, "members stored sorted and deduped")

	g2 := &graph.Group{ID: "grp-db", Name: "Databases", TagsMatch: map[string]string{"tier": "db"}}
	require.NoError(t, st.SaveGroup(ctx, g2))

	list, err := st.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "grp-db", list[0].ID)
	assert.Equal(t, "grp-web", list[1].ID)

	// Overwrite replaces.
	g.Name = "Web tier v2"
	require.NoError(t, st.SaveGroup(ctx, g))
	got, err = st.GetGroup(ctx, "grp-web")
	require.NoError(t, err)
	assert.Equal(t, "Web tier v2", got.Name)

	t.Run("invalid group rejected", func(t *testing.T) {
		err := st.SaveGroup(ctx, &graph.Group{ID: "", Name: "x"})
		require.Error(t, err)
	})
}

func testStats(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	a := makeNode("i-a")
	a.CostMonthly = ptr.To(100.0)
	b := makeNode("db-b")
	b.ResourceType = graph.TypeDatabase
	b.CostMonthly = ptr.To(250.0)
	c := makeNode("i-dead")
	c.LastSyncID = "sync-1"

	for _, n := range []*graph.Node{a, b, c} {
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}
	_, err := st.UpsertEdge(ctx, &graph.Edge{
		SourceID: a.ComputeID(), TargetID: b.ComputeID(), Type: graph.RelUses, Confidence: 1,
	})
	require.NoError(t, err)

	// Push c through the grace window so it is deleted.
	for _, sync := range []string{"sync-2", "sync-3"} {
		re := makeNode("i-a")
		re.CostMonthly = ptr.To(100.0)
		re.LastSyncID = sync
		_, err := st.UpsertNode(ctx, re)
		require.NoError(t, err)
		reB := makeNode("db-b")
		reB.ResourceType = graph.TypeDatabase
		reB.CostMonthly = ptr.To(250.0)
		reB.LastSyncID = sync
		_, err = st.UpsertNode(ctx, reB)
		require.NoError(t, err)
		_, err = st.MarkMissing(ctx, sync, storage.SyncScope{Account: "111111111111"})
		require.NoError(t, err)
	}

	stats, err := st.GetStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalNodes, "deleted nodes excluded")
	assert.Equal(t, 1, stats.TotalEdges)
	assert.Equal(t, 2, stats.NodesByProvider[graph.ProviderAWS])
	assert.Equal(t, 1, stats.NodesByType[graph.TypeCompute])
	assert.Equal(t, 1, stats.NodesByType[graph.TypeDatabase])
	assert.Equal(t, 1, stats.EdgesByType[graph.RelUses])
	assert.InDelta(t, 350.0, stats.TotalCostMonthly, 1e-9)
	require.NotNil(t, stats.LastSyncAt)
	assert.GreaterOrEqual(t, stats.TotalChanges, 3)
	require.NotNil(t, stats.NewestChangeAt)
	require.NotNil(t, stats.OldestChangeAt)
}

// testMarkMissing drives the disappearance state machine: miss once,
// stay alive; miss twice, deleted with a change record.
func testMarkMissing(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	scope := storage.SyncScope{Provider: graph.ProviderAWS, Account: "111111111111"}
	upsert := func(native, syncID string) {
		n := makeNode(native)
		n.LastSyncID = syncID
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}

	// Sync 1 sees both nodes.
	upsert("i-keep", "sync-1")
	upsert("i-gone", "sync-1")
	affected, err := st.MarkMissing(ctx, "sync-1", scope)
	require.NoError(t, err)
	assert.Empty(t, affected)

	goneID := graph.NodeID(graph.ProviderAWS, "111111111111", "us-east-1", graph.TypeCompute, "i-gone")

	// Sync 2 sees only i-keep.
	upsert("i-keep", "sync-2")
	affected, err = st.MarkMissing(ctx, "sync-2", scope)
	require.NoError(t, err)
	assert.Equal(t, []string{goneID}, affected)

	n, err := st.GetNode(ctx, goneID)
	require.NoError(t, err)
	assert.False(t, n.Deleted)
	assert.Equal(t, 1, n.MissingCount)

	// Repeating the same sync id must not progress the counter.
	affected, err = st.MarkMissing(ctx, "sync-2", scope)
	require.NoError(t, err)
	assert.Empty(t, affected)
	n, err = st.GetNode(ctx, goneID)
	require.NoError(t, err)
	assert.Equal(t, 1, n.MissingCount)

	// Sync 3: second consecutive miss crosses the grace threshold.
	upsert("i-keep", "sync-3")
	affected, err = st.MarkMissing(ctx, "sync-3", scope)
	require.NoError(t, err)
	assert.Equal(t, []string{goneID}, affected)

	n, err = st.GetNode(ctx, goneID)
	require.NoError(t, err)
	assert.True(t, n.Deleted)
	require.NotNil(t, n.DeletedAt)

	changes, err := st.QueryChanges(ctx, &graph.ChangeFilter{NodeID: goneID})
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, graph.ChangeDeleted, changes[0].ChangeType)
	assert.Equal(t, "sync-3", changes[0].Source)

	// Deleted nodes are invisible to default queries but retained.
	nodes, err := st.QueryNodes(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{graph.NodeID(graph.ProviderAWS, "111111111111", "us-east-1", graph.TypeCompute, "i-keep")}, idsOf(nodes))

	withDeleted, err := st.QueryNodes(ctx, &graph.NodeFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 2)
}

func testMarkMissingScope(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	inScope := makeNode("i-in")
	inScope.LastSyncID = "sync-1"
	outOfScope := makeNode("i-out")
	outOfScope.Account = "222222222222"
	outOfScope.LastSyncID = "sync-0"

	for _, n := range []*graph.Node{inScope, outOfScope} {
		_, err := st.UpsertNode(ctx, n)
		require.NoError(t, err)
	}

	affected, err := st.MarkMissing(ctx, "sync-2", storage.SyncScope{
		Provider: graph.ProviderAWS,
		Account:  "111111111111",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{inScope.ComputeID()}, affected)

	other, err := st.GetNode(ctx, outOfScope.ComputeID())
	require.NoError(t, err)
	assert.Zero(t, other.MissingCount, "out-of-scope node must be untouched")
}

func testReappearance(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()
	scope := storage.SyncScope{Provider: graph.ProviderAWS, Account: "111111111111"}

	n := makeNode("i-ghost")
	n.LastSyncID = "sync-1"
	_, err := st.UpsertNode(ctx, n)
	require.NoError(t, err)
	id := n.ComputeID()

	for _, sync := range []string{"sync-2", "sync-3"} {
		_, err := st.MarkMissing(ctx, sync, scope)
		require.NoError(t, err)
	}
	dead, err := st.GetNode(ctx, id)
	require.NoError(t, err)
	require.True(t, dead.Deleted)

	back := makeNode("i-ghost")
	back.LastSyncID = "sync-4"
	res, err := st.UpsertNode(ctx, back)
	require.NoError(t, err)
	assert.True(t, res.Reappeared)
	assert.False(t, res.Created)

	alive, err := st.GetNode(ctx, id)
	require.NoError(t, err)
	assert.False(t, alive.Deleted)
	assert.Nil(t, alive.DeletedAt)
	assert.Zero(t, alive.MissingCount)

	changes, err := st.QueryChanges(ctx, &graph.ChangeFilter{NodeID: id})
	require.NoError(t, err)
	assert.Equal(t, graph.ChangeReappeared, changes[0].ChangeType)
}

func testConcurrentUpserts(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				n := makeNode(fmt.Sprintf("i-%d-%d", worker, j))
				if _, err := st.UpsertNode(ctx, n); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent upsert failed: %v", err)
	}

	nodes, err := st.QueryNodes(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, nodes, 32)
}

func idsOf(nodes []*graph.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func edgeIDsOf(edges []*graph.Edge) []string {
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.ID
	}
	return ids
}

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

// syncTopology loads the five-node impact topology used by the
// traversal tests: A uses B and D, B depends on C, E triggers A.
func syncTopology(t *testing.T, h *harness) {
	t.Helper()
	h.fake.SetResult("a1", &discovery.Result{
		Nodes: []discovery.NodeInput{
			compute("A"), compute("B"), compute("C"), compute("D"), compute("E"),
		},
		Edges: []discovery.EdgeInput{
			{SourceNativeID: "A", TargetNativeID: "B", Type: graph.RelUses},
			{SourceNativeID: "B", TargetNativeID: "C", Type: graph.RelDependsOn},
			{SourceNativeID: "A", TargetNativeID: "D", Type: graph.RelUses},
			{SourceNativeID: "E", TargetNativeID: "A", Type: graph.RelTriggers},
		},
	})
	_, err := h.engine.Sync(context.Background(), Scope{TenantID: "t1"})
	require.NoError(t, err)
}

func TestGetBlastRadius(t *testing.T) {
	h := newHarness(t, Config{})
	h.addTenant("t1", tenant.Limits{})
	h.addAccount("t1", "a1", "111111111111")
	syncTopology(t, h)
	ctx := context.Background()

	a := nodeID("111111111111", "A")
	radius, err := h.engine.GetBlastRadius(ctx, "t1", a, 2)
	require.NoError(t, err)
	assert.Equal(t, a, radius.RootID)
	assert.Len(t, radius.Nodes, 5)
	assert.Equal(t, []string{a}, radius.Hops[0])
	assert.Equal(t, []string{
		nodeID("111111111111", "B"),
		nodeID("111111111111", "D"),
		nodeID("111111111111", "E"),
	}, radius.Hops[1])
	assert.Equal(t, []string{nodeID("111111111111", "C")}, radius.Hops[2])

	t.Run("depth zero is the root alone", func(t *testing.T) {
		radius, err := h.engine.GetBlastRadius(ctx, "t1", a, 0)
		require.NoError(t, err)
		assert.Len(t, radius.Nodes, 1)
		assert.Equal(t, []string{a}, radius.Hops[0])
	})

	t.Run("depth one stops early", func(t *testing.T) {
		radius, err := h.engine.GetBlastRadius(ctx, "t1", a, 1)
		require.NoError(t, err)
		assert.Len(t, radius.Nodes, 4)
		assert.NotContains(t, radius.Nodes, nodeID("111111111111", "C"))
	})

	t.Run("unknown root is empty, not an error", func(t *testing.T) {
		radius, err := h.engine.GetBlastRadius(ctx, "t1", "aws:1:r:compute:ghost", 3)
		require.NoError(t, err)
		assert.Empty(t, radius.Nodes)
		assert.Empty(t, radius.Hops)
	})
}

func TestGetBlastRadiusCost(t *testing.T) {
	h := newHarness(t, Config{})
	h.addTenant("t1", tenant.Limits{})
	h.addAccount("t1", "a1", "111111111111")
	ctx := context.Background()

	web := compute("web")
	web.CostMonthly = ptr.To(100.0)
	db := compute("db")
	db.CostMonthly = ptr.To(250.0)
	lone := compute("lone")
	lone.CostMonthly = ptr.To(999.0)
	h.fake.SetResult("a1", &discovery.Result{
		Nodes: []discovery.NodeInput{web, db, lone},
		Edges: []discovery.EdgeInput{{SourceNativeID: "web", TargetNativeID: "db", Type: graph.RelUses}},
	})
	_, err := h.engine.Sync(ctx, Scope{TenantID: "t1"})
	require.NoError(t, err)

	radius, err := h.engine.GetBlastRadius(ctx, "t1", nodeID("111111111111", "web"), 3)
	require.NoError(t, err)
	assert.InDelta(t, 350.0, radius.TotalCostMonthly, 1e-9)
}

func TestGetDependencyChain(t *testing.T) {
	h := newHarness(t, Config{})
	h.addTenant("t1", tenant.Limits{})
	h.addAccount("t1", "a1", "111111111111")
	syncTopology(t, h)
	ctx := context.Background()

	a := nodeID("111111111111", "A")
	b := nodeID("111111111111", "B")
	c := nodeID("111111111111", "C")

	// Upstream of A: what A needs. The triggers edge from E is not a
	// dependency and stays out.
	chain, err := h.engine.GetDependencyChain(ctx, "t1", a, graph.DirectionUpstream, 0)
	require.NoError(t, err)
	assert.Len(t, chain.Nodes, 4)
	assert.Equal(t, []string{b, nodeID("111111111111", "D")}, chain.Hops[1])
	assert.Equal(t, []string{c}, chain.Hops[2])

	// Downstream of C: what breaks without C.
	chain, err = h.engine.GetDependencyChain(ctx, "t1", c, graph.DirectionDownstream, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, chain.Hops[1])
	assert.Equal(t, []string{a}, chain.Hops[2])
}

func TestGetTopology(t *testing.T) {
	h := newHarness(t, Config{})
	h.addTenant("t1", tenant.Limits{})
	h.addAccount("t1", "a1", "111111111111")
	ctx := context.Background()

	db := discovery.NodeInput{
		NativeID: "db-1", Name: "db-1", ResourceType: graph.TypeDatabase,
		Region: "us-east-1", Status: graph.StatusRunning,
	}
	h.fake.SetResult("a1", &discovery.Result{
		Nodes: []discovery.NodeInput{compute("web"), db},
		Edges: []discovery.EdgeInput{{SourceNativeID: "web", TargetNativeID: "db-1", Type: graph.RelUses}},
	})
	_, err := h.engine.Sync(ctx, Scope{TenantID: "t1"})
	require.NoError(t, err)

	// Compute-only view: the edge to the excluded database drops out.
	topo, err := h.engine.GetTopology(ctx, "t1", &graph.NodeFilter{ResourceTypes: []graph.ResourceType{graph.TypeCompute}})
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 1)
	assert.Empty(t, topo.Edges)

	topo, err = h.engine.GetTopology(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Len(t, topo.Nodes, 2)
	assert.Len(t, topo.Edges, 1)
}

func TestCostReports(t *testing.T) {
	h := newHarness(t, Config{})
	h.addTenant("t1", tenant.Limits{})
	h.addAccount("t1", "a1", "111111111111")
	ctx := context.Background()

	web := compute("web")
	web.CostMonthly = ptr.To(120.0)
	web.Tags = map[string]string{"team": "payments"}
	db := discovery.NodeInput{
		NativeID: "db-1", Name: "db-1", ResourceType: graph.TypeDatabase,
		Region: "us-east-1", Status: graph.StatusRunning,
		CostMonthly: ptr.To(480.0),
		Tags:        map[string]string{"team": "payments"},
	}
	free := compute("free")
	h.fake.SetResult("a1", &discovery.Result{Nodes: []discovery.NodeInput{web, db, free}})
	_, err := h.engine.Sync(ctx, Scope{TenantID: "t1"})
	require.NoError(t, err)

	t.Run("by filter", func(t *testing.T) {
		report, err := h.engine.GetCostByFilter(ctx, "t1", nil, "everything")
		require.NoError(t, err)
		assert.Equal(t, "everything", report.Label)
		assert.InDelta(t, 600.0, report.TotalMonthly, 1e-9)
		assert.Equal(t, 3, report.NodeCount)
		assert.Equal(t, 1, report.UncostedNodes)
		assert.InDelta(t, 120.0, report.ByType[graph.TypeCompute], 1e-9)
		assert.InDelta(t, 480.0, report.ByType[graph.TypeDatabase], 1e-9)
		require.Len(t, report.TopContributors, 2)
		assert.Equal(t, "db-1", report.TopContributors[0].Node.NativeID)
	})

	t.Run("by group with tag match", func(t *testing.T) {
		st := h.store("t1")
		require.NoError(t, st.SaveGroup(ctx, &graph.Group{
			ID:        "g-payments",
			Name:      "payments",
			TagsMatch: map[string]string{"team": "payments"},
		}))
		report, err := h.engine.GetGroupCost(ctx, "t1", "g-payments")
		require.NoError(t, err)
		assert.Equal(t, "payments", report.Label)
		assert.InDelta(t, 600.0, report.TotalMonthly, 1e-9)
		assert.Equal(t, 2, report.NodeCount)
	})
}

func TestTimelineAndStats(t *testing.T) {
	h := newHarness(t, Config{})
	h.addTenant("t1", tenant.Limits{})
	h.addAccount("t1", "a1", "111111111111")
	ctx := context.Background()

	h.fake.SetResult("a1", &discovery.Result{Nodes: []discovery.NodeInput{compute("i-1")}})
	_, err := h.engine.Sync(ctx, Scope{TenantID: "t1"})
	require.NoError(t, err)
	stopped := compute("i-1")
	stopped.Status = graph.StatusStopped
	h.fake.SetResult("a1", &discovery.Result{Nodes: []discovery.NodeInput{stopped}})
	_, err = h.engine.Sync(ctx, Scope{TenantID: "t1"})
	require.NoError(t, err)

	timeline, err := h.engine.GetTimeline(ctx, "t1", nodeID("111111111111", "i-1"), 1)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, graph.ChangeUpdated, timeline[0].ChangeType)

	stats, err := h.engine.GetStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalNodes)
	assert.NotNil(t, stats.LastSyncAt)
}

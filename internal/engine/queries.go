package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/query"
	"github.com/opsgraph/opsgraph/internal/storage"
)

// MaxBlastRadiusDepth caps traversal depth. Eight hops covers any
// realistic impact chain; beyond that the result is the whole graph.
const MaxBlastRadiusDepth = 8

// BlastRadius is everything reachable from a root along impact edges.
type BlastRadius struct {
	RootID string `json:"rootNodeId"`
	// Nodes holds every reached node keyed by id, the root included.
	Nodes map[string]*graph.Node `json:"nodes"`
	// Hops lists node ids per hop level, each level sorted by id.
	Hops map[int][]string `json:"hops"`
	// TotalCostMonthly sums the cost of every reached node.
	TotalCostMonthly float64 `json:"totalCostMonthly"`
}

// GetBlastRadius walks impact relationships out from the root in both
// edge directions up to maxDepth hops. An unknown root yields an empty
// result, not an error: asking about a node that is gone is a valid
// question with a boring answer.
func (e *Engine) GetBlastRadius(ctx context.Context, tenantID, rootID string, maxDepth int) (*BlastRadius, error) {
	if maxDepth < 0 {
		maxDepth = 0
	}
	if maxDepth > MaxBlastRadiusDepth {
		maxDepth = MaxBlastRadiusDepth
	}

	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := &BlastRadius{
		RootID: rootID,
		Nodes:  make(map[string]*graph.Node),
		Hops:   make(map[int][]string),
	}
	root, err := st.GetNode(ctx, rootID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return out, nil
		}
		return nil, err
	}
	if root.Deleted {
		return out, nil
	}

	out.Nodes[rootID] = root
	out.Hops[0] = []string{rootID}
	addCost(&out.TotalCostMonthly, root)

	frontier := []string{rootID}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, id := range frontier {
			edges, err := st.GetEdgesForNode(ctx, id, graph.DirectionBoth)
			if err != nil {
				return nil, err
			}
			for _, ed := range edges {
				if !graph.IsImpact(ed.Type) {
					continue
				}
				other := ed.TargetID
				if other == id {
					other = ed.SourceID
				}
				if _, seen := out.Nodes[other]; seen {
					continue
				}
				n, err := st.GetNode(ctx, other)
				if err != nil || n.Deleted {
					continue
				}
				out.Nodes[other] = n
				next = append(next, other)
				addCost(&out.TotalCostMonthly, n)
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			out.Hops[depth] = next
		}
		frontier = next
	}
	return out, nil
}

// DependencyChain is the transitive dependency neighborhood of a node.
type DependencyChain struct {
	RootID    string                 `json:"rootNodeId"`
	Direction graph.Direction        `json:"direction"`
	Nodes     map[string]*graph.Node `json:"nodes"`
	Hops      map[int][]string       `json:"hops"`
}

// GetDependencyChain walks dependency relationships from the root in
// the named direction. Upstream answers "what does this need to run",
// downstream "what needs this".
func (e *Engine) GetDependencyChain(ctx context.Context, tenantID, rootID string, direction graph.Direction, maxDepth int) (*DependencyChain, error) {
	if direction == "" {
		direction = graph.DirectionUpstream
	}
	if maxDepth <= 0 || maxDepth > MaxBlastRadiusDepth {
		maxDepth = MaxBlastRadiusDepth
	}

	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := &DependencyChain{
		RootID:    rootID,
		Direction: direction,
		Nodes:     make(map[string]*graph.Node),
		Hops:      make(map[int][]string),
	}
	root, err := st.GetNode(ctx, rootID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return out, nil
		}
		return nil, err
	}
	if root.Deleted {
		return out, nil
	}
	out.Nodes[rootID] = root
	out.Hops[0] = []string{rootID}

	frontier := []string{rootID}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, id := range frontier {
			edges, err := st.GetEdgesForNode(ctx, id, direction)
			if err != nil {
				return nil, err
			}
			for _, ed := range edges {
				if !graph.IsDependency(ed.Type) {
					continue
				}
				other := ed.TargetID
				if direction == graph.DirectionDownstream {
					other = ed.SourceID
				}
				if other == id {
					continue
				}
				if _, seen := out.Nodes[other]; seen {
					continue
				}
				n, err := st.GetNode(ctx, other)
				if err != nil || n.Deleted {
					continue
				}
				out.Nodes[other] = n
				next = append(next, other)
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			out.Hops[depth] = next
		}
		frontier = next
	}
	return out, nil
}

// Topology is a filtered subgraph: the matching nodes plus the edges
// whose endpoints both matched.
type Topology struct {
	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
}

// GetTopology returns the subgraph induced by the node filter.
func (e *Engine) GetTopology(ctx context.Context, tenantID string, filter *graph.NodeFilter) (*Topology, error) {
	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	nodes, err := st.QueryNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	included := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		included[n.ID] = true
	}
	edges, err := st.QueryEdges(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := &Topology{Nodes: nodes}
	for _, ed := range edges {
		if included[ed.SourceID] && included[ed.TargetID] {
			out.Edges = append(out.Edges, ed)
		}
	}
	return out, nil
}

// costTopN is how many contributors a cost report names.
const costTopN = 10

// CostContributor is one node's share of a cost report.
type CostContributor struct {
	Node        *graph.Node `json:"node"`
	CostMonthly float64     `json:"costMonthly"`
}

// CostReport aggregates monthly cost over a set of nodes. All figures
// are USD.
type CostReport struct {
	Label        string                         `json:"label"`
	TotalMonthly float64                        `json:"totalMonthly"`
	ByType       map[graph.ResourceType]float64 `json:"byResourceType"`
	// TopContributors lists the costliest nodes, descending, ties by id.
	TopContributors []CostContributor `json:"topContributors"`
	NodeCount       int               `json:"nodeCount"`
	// UncostedNodes counts members with no cost attribution at all.
	UncostedNodes int `json:"uncostedNodes"`
}

// GetGroupCost aggregates cost over a group's membership. Groups with a
// tag match additionally pull in every node carrying those tags.
func (e *Engine) GetGroupCost(ctx context.Context, tenantID, groupID string) (*CostReport, error) {
	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	g, err := st.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	members := make(map[string]*graph.Node)
	for _, id := range g.NodeIDs {
		n, err := st.GetNode(ctx, id)
		if err != nil || n.Deleted {
			continue
		}
		members[n.ID] = n
	}
	if len(g.TagsMatch) > 0 {
		tagged, err := st.QueryNodes(ctx, &graph.NodeFilter{Tags: g.TagsMatch})
		if err != nil {
			return nil, err
		}
		for _, n := range tagged {
			members[n.ID] = n
		}
	}

	var nodes []*graph.Node
	for _, n := range members {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return costReport(g.Name, nodes), nil
}

// GetCostByFilter aggregates cost over an arbitrary node filter.
func (e *Engine) GetCostByFilter(ctx context.Context, tenantID string, filter *graph.NodeFilter, label string) (*CostReport, error) {
	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	nodes, err := st.QueryNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	return costReport(label, nodes), nil
}

func costReport(label string, nodes []*graph.Node) *CostReport {
	report := &CostReport{
		Label:     label,
		ByType:    make(map[graph.ResourceType]float64),
		NodeCount: len(nodes),
	}
	for _, n := range nodes {
		if n.CostMonthly == nil {
			report.UncostedNodes++
			continue
		}
		report.TotalMonthly += *n.CostMonthly
		report.ByType[n.ResourceType] += *n.CostMonthly
		report.TopContributors = append(report.TopContributors, CostContributor{Node: n, CostMonthly: *n.CostMonthly})
	}
	sort.SliceStable(report.TopContributors, func(i, j int) bool {
		a, b := report.TopContributors[i], report.TopContributors[j]
		if a.CostMonthly != b.CostMonthly {
			return a.CostMonthly > b.CostMonthly
		}
		return a.Node.ID < b.Node.ID
	})
	if len(report.TopContributors) > costTopN {
		report.TopContributors = report.TopContributors[:costTopN]
	}
	return report
}

// GetTimeline returns a node's most recent change records, newest
// first.
func (e *Engine) GetTimeline(ctx context.Context, tenantID, nodeID string, limit int) ([]graph.ChangeRecord, error) {
	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return st.QueryChanges(ctx, &graph.ChangeFilter{NodeID: nodeID, Limit: limit})
}

// GetStats returns the tenant's graph summary.
func (e *Engine) GetStats(ctx context.Context, tenantID string) (*graph.GraphStats, error) {
	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return st.GetStats(ctx)
}

// Analytics returns the read-only analytics engine over a tenant's
// graph, for the traversals that want a full snapshot (orphans, SPOF,
// clusters, shortest path).
func (e *Engine) Analytics(ctx context.Context, tenantID string, cfg query.Config) (*query.Engine, error) {
	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return query.New(st, cfg), nil
}

func addCost(total *float64, n *graph.Node) {
	if n.CostMonthly != nil {
		*total += *n.CostMonthly
	}
}

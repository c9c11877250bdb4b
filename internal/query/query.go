// Package query holds the read-only analytics over a storage snapshot:
// shortest paths, orphans, articulation points, criticality ranking and
// weakly connected components. Everything here is pure graph work; the
// engine package owns anything that writes.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/storage"
)

// Config bounds an analytics engine.
type Config struct {
	// MaxNodes caps how many nodes one analysis loads. Beyond the cap the
	// snapshot is truncated by id order and results carry Truncated=true.
	// Zero means unbounded.
	MaxNodes int
}

// Engine runs analytics against one tenant's storage.
type Engine struct {
	store    storage.Storage
	maxNodes int
	logger   *logging.Logger
}

// New creates an analytics engine over the store.
func New(store storage.Storage, cfg Config) *Engine {
	return &Engine{
		store:    store,
		maxNodes: cfg.MaxNodes,
		logger:   logging.GetLogger("query"),
	}
}

// snapshot is one coherent in-memory view of the live graph. Edges whose
// endpoints fell outside the (possibly truncated) node set are dropped so
// every analysis sees a closed graph.
type snapshot struct {
	ids       []string
	nodes     map[string]*graph.Node
	out       map[string][]*graph.Edge
	in        map[string][]*graph.Edge
	truncated bool
}

func (e *Engine) load(ctx context.Context) (*snapshot, error) {
	filter := &graph.NodeFilter{}
	if e.maxNodes > 0 {
		// One extra row tells truncation apart from an exact fit.
		filter.Limit = e.maxNodes + 1
	}
	nodes, err := e.store.QueryNodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	snap := &snapshot{
		nodes: make(map[string]*graph.Node, len(nodes)),
		out:   make(map[string][]*graph.Edge),
		in:    make(map[string][]*graph.Edge),
	}
	if e.maxNodes > 0 && len(nodes) > e.maxNodes {
		nodes = nodes[:e.maxNodes]
		snap.truncated = true
	}
	for _, n := range nodes {
		snap.nodes[n.ID] = n
		snap.ids = append(snap.ids, n.ID)
	}

	edges, err := e.store.QueryEdges(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	for _, ed := range edges {
		if snap.nodes[ed.SourceID] == nil || snap.nodes[ed.TargetID] == nil {
			continue
		}
		snap.out[ed.SourceID] = append(snap.out[ed.SourceID], ed)
		snap.in[ed.TargetID] = append(snap.in[ed.TargetID], ed)
	}
	return snap, nil
}

// neighbors returns the distinct undirected neighbor set of a node,
// self-loops excluded.
func (s *snapshot) neighbors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(other string) {
		if other == id || seen[other] {
			return
		}
		seen[other] = true
		out = append(out, other)
	}
	for _, e := range s.out[id] {
		add(e.TargetID)
	}
	for _, e := range s.in[id] {
		add(e.SourceID)
	}
	sort.Strings(out)
	return out
}

func (s *snapshot) degree(id string) int {
	return len(s.out[id]) + len(s.in[id])
}

// Path is a shortest undirected route between two nodes.
type Path struct {
	// Path lists node ids from source to destination inclusive.
	Path []string `json:"path"`
	// Edges lists the traversed edges in path order, whatever their
	// stored direction.
	Edges []*graph.Edge `json:"edges"`
	Hops  int           `json:"hops"`
}

// ShortestPath finds a minimum-hop route between two nodes, treating
// every edge as undirected. Returns nil when either endpoint is unknown
// or no route exists; that is a result, not an error.
func (e *Engine) ShortestPath(ctx context.Context, srcID, dstID string) (*Path, error) {
	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if snap.nodes[srcID] == nil || snap.nodes[dstID] == nil {
		return nil, nil
	}
	if srcID == dstID {
		return &Path{Path: []string{srcID}, Edges: []*graph.Edge{}}, nil
	}

	type hop struct {
		prev string
		via  *graph.Edge
	}
	visited := map[string]hop{srcID: {}}
	frontier := []string{srcID}

	for len(frontier) > 0 && visited[dstID].prev == "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, id := range frontier {
			step := func(other string, via *graph.Edge) {
				if _, ok := visited[other]; ok {
					return
				}
				visited[other] = hop{prev: id, via: via}
				next = append(next, other)
			}
			for _, ed := range snap.out[id] {
				step(ed.TargetID, ed)
			}
			for _, ed := range snap.in[id] {
				step(ed.SourceID, ed)
			}
		}
		frontier = next
	}

	if _, ok := visited[dstID]; !ok {
		return nil, nil
	}

	// Walk predecessors back to the source.
	var ids []string
	var edges []*graph.Edge
	for at := dstID; at != srcID; at = visited[at].prev {
		ids = append(ids, at)
		edges = append(edges, visited[at].via)
	}
	ids = append(ids, srcID)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	return &Path{Path: ids, Edges: edges, Hops: len(edges)}, nil
}

// NodeReport is a set of nodes in deterministic id order.
type NodeReport struct {
	Nodes     []*graph.Node `json:"nodes"`
	Truncated bool          `json:"truncated,omitempty"`
}

// FindOrphans returns the nodes with no edges in either direction,
// ordered by id.
func (e *Engine) FindOrphans(ctx context.Context) (*NodeReport, error) {
	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	report := &NodeReport{Truncated: snap.truncated}
	for _, id := range snap.ids {
		if snap.degree(id) == 0 {
			report.Nodes = append(report.Nodes, snap.nodes[id])
		}
	}
	return report, nil
}

// CriticalNode is one entry of the criticality ranking with its raw
// metrics.
type CriticalNode struct {
	Node              *graph.Node `json:"node"`
	InDegree          int         `json:"inDegree"`
	OutDegree         int         `json:"outDegree"`
	Reachable         int         `json:"reachable"`
	ReachabilityRatio float64     `json:"reachabilityRatio"`
	Score             float64     `json:"score"`
}

// CriticalReport ranks nodes by structural importance.
type CriticalReport struct {
	Nodes     []CriticalNode `json:"nodes"`
	Truncated bool           `json:"truncated,omitempty"`
}

// FindCriticalNodes scores every node as inDegree + outDegree +
// reachabilityRatio, where the ratio is the directed reachable set over
// the graph size, and returns the topN. Ties break by id so rankings are
// reproducible.
func (e *Engine) FindCriticalNodes(ctx context.Context, topN int) (*CriticalReport, error) {
	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = 10
	}

	report := &CriticalReport{Truncated: snap.truncated}
	total := len(snap.ids)
	for _, id := range snap.ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reachable := snap.reachableFrom(id)
		ratio := 0.0
		if total > 0 {
			ratio = float64(reachable) / float64(total)
		}
		entry := CriticalNode{
			Node:              snap.nodes[id],
			InDegree:          len(snap.in[id]),
			OutDegree:         len(snap.out[id]),
			Reachable:         reachable,
			ReachabilityRatio: ratio,
		}
		entry.Score = float64(entry.InDegree+entry.OutDegree) + entry.ReachabilityRatio
		report.Nodes = append(report.Nodes, entry)
	}

	sort.SliceStable(report.Nodes, func(i, j int) bool {
		if report.Nodes[i].Score != report.Nodes[j].Score {
			return report.Nodes[i].Score > report.Nodes[j].Score
		}
		return report.Nodes[i].Node.ID < report.Nodes[j].Node.ID
	})
	if len(report.Nodes) > topN {
		report.Nodes = report.Nodes[:topN]
	}
	return report, nil
}

// reachableFrom counts nodes reachable from id along directed edges,
// excluding id itself.
func (s *snapshot) reachableFrom(id string) int {
	visited := map[string]bool{id: true}
	stack := []string{id}
	count := 0
	for len(stack) > 0 {
		at := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range s.out[at] {
			if visited[e.TargetID] {
				continue
			}
			visited[e.TargetID] = true
			count++
			stack = append(stack, e.TargetID)
		}
	}
	return count
}

// Cluster is one weakly connected component.
type Cluster struct {
	// NodeIDs lists the members sorted by id.
	NodeIDs []string `json:"nodeIds"`
}

// ClusterReport partitions the graph into weakly connected components.
type ClusterReport struct {
	// Clusters are ordered by size descending, ties by lowest member id.
	Clusters []Cluster `json:"clusters"`
	// Isolated lists nodes with no edges at all, sorted by id. They also
	// appear as size-1 clusters.
	Isolated  []string `json:"isolated,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// FindClusters computes weakly connected components and flags isolated
// nodes.
func (e *Engine) FindClusters(ctx context.Context) (*ClusterReport, error) {
	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	report := &ClusterReport{Truncated: snap.truncated}
	assigned := make(map[string]bool, len(snap.ids))
	for _, start := range snap.ids {
		if assigned[start] {
			continue
		}
		var members []string
		stack := []string{start}
		assigned[start] = true
		for len(stack) > 0 {
			at := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, at)
			for _, other := range snap.neighbors(at) {
				if !assigned[other] {
					assigned[other] = true
					stack = append(stack, other)
				}
			}
		}
		sort.Strings(members)
		report.Clusters = append(report.Clusters, Cluster{NodeIDs: members})
		if len(members) == 1 && snap.degree(members[0]) == 0 {
			report.Isolated = append(report.Isolated, members[0])
		}
	}

	sort.SliceStable(report.Clusters, func(i, j int) bool {
		a, b := report.Clusters[i], report.Clusters[j]
		if len(a.NodeIDs) != len(b.NodeIDs) {
			return len(a.NodeIDs) > len(b.NodeIDs)
		}
		return a.NodeIDs[0] < b.NodeIDs[0]
	})
	sort.Strings(report.Isolated)
	return report, nil
}

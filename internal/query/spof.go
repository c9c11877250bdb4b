package query

import (
	"context"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// FindSinglePointsOfFailure returns the articulation points of the
// undirected graph, restricted to nodes that more than one other node
// transitively depends on. A gateway nobody depends on may split the
// topology picture, but losing it strands nothing.
func (e *Engine) FindSinglePointsOfFailure(ctx context.Context) (*NodeReport, error) {
	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	cut := articulationPoints(snap)
	report := &NodeReport{Truncated: snap.truncated}
	for _, id := range snap.ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !cut[id] {
			continue
		}
		if snap.dependents(id) > 1 {
			report.Nodes = append(report.Nodes, snap.nodes[id])
		}
	}
	return report, nil
}

// dependents counts the nodes that transitively depend on id: the
// reverse closure over dependency-bearing edges, id itself excluded.
func (s *snapshot) dependents(id string) int {
	visited := map[string]bool{id: true}
	stack := []string{id}
	count := 0
	for len(stack) > 0 {
		at := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range s.in[at] {
			if !graph.IsDependency(e.Type) {
				continue
			}
			if visited[e.SourceID] {
				continue
			}
			visited[e.SourceID] = true
			count++
			stack = append(stack, e.SourceID)
		}
	}
	return count
}

// articulationPoints runs the iterative low-link algorithm over the
// undirected graph. Recursion is avoided deliberately: production graphs
// have chains long enough to overflow a goroutine stack.
func articulationPoints(s *snapshot) map[string]bool {
	disc := make(map[string]int, len(s.ids))
	low := make(map[string]int, len(s.ids))
	parent := make(map[string]string, len(s.ids))
	cut := make(map[string]bool)
	timer := 0

	type frame struct {
		id   string
		next int
	}

	for _, root := range s.ids {
		if _, seen := disc[root]; seen {
			continue
		}
		rootChildren := 0
		stack := []frame{{id: root}}
		timer++
		disc[root] = timer
		low[root] = timer

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			nbrs := s.neighbors(f.id)
			if f.next < len(nbrs) {
				other := nbrs[f.next]
				f.next++
				if _, seen := disc[other]; !seen {
					parent[other] = f.id
					if f.id == root {
						rootChildren++
					}
					timer++
					disc[other] = timer
					low[other] = timer
					stack = append(stack, frame{id: other})
				} else if other != parent[f.id] {
					if disc[other] < low[f.id] {
						low[f.id] = disc[other]
					}
				}
				continue
			}

			// All neighbors done: fold the low-link into the parent and
			// test the articulation condition.
			stack = stack[:len(stack)-1]
			p, hasParent := parent[f.id]
			if !hasParent {
				continue
			}
			if low[f.id] < low[p] {
				low[p] = low[f.id]
			}
			if p != root && low[f.id] >= disc[p] {
				cut[p] = true
			}
		}

		if rootChildren > 1 {
			cut[root] = true
		}
	}
	return cut
}

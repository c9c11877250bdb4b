package graph

import (
	"fmt"
	"sort"
)

// Group is a named aggregation of nodes for cost and ownership reporting.
// Membership is a view over the graph, not ownership: deleting a group
// never touches nodes.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	NodeIDs []string `json:"nodeIds"`

	// TagsMatch, when set, auto-populates membership with every node
	// whose tags contain all of these pairs.
	TagsMatch map[string]string `json:"tagsMatch,omitempty"`
}

// Validate checks structural constraints before a group is persisted.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group: id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("group %s: name is required", g.ID)
	}
	return nil
}

// Normalize sorts and dedupes the member set so stored groups compare
// stably.
func (g *Group) Normalize() {
	if len(g.NodeIDs) == 0 {
		return
	}
	sort.Strings(g.NodeIDs)
	out := g.NodeIDs[:0]
	var prev string
	for i, id := range g.NodeIDs {
		if i == 0 || id != prev {
			out = append(out, id)
		}
		prev = id
	}
	g.NodeIDs = out
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	if g.NodeIDs != nil {
		c.NodeIDs = append([]string(nil), g.NodeIDs...)
	}
	if g.TagsMatch != nil {
		c.TagsMatch = make(map[string]string, len(g.TagsMatch))
		for k, v := range g.TagsMatch {
			c.TagsMatch[k] = v
		}
	}
	return &c
}

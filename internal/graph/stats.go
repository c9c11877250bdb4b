package graph

import "time"

// GraphStats summarizes one tenant's graph.
type GraphStats struct {
	TotalNodes   int `json:"totalNodes"`
	TotalEdges   int `json:"totalEdges"`
	TotalChanges int `json:"totalChanges"`
	TotalGroups  int `json:"totalGroups"`

	NodesByProvider map[Provider]int         `json:"nodesByProvider"`
	NodesByType     map[ResourceType]int     `json:"nodesByType"`
	EdgesByType     map[RelationshipType]int `json:"edgesByType"`

	TotalCostMonthly float64 `json:"totalCostMonthly"`

	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	OldestChangeAt *time.Time `json:"oldestChangeAt,omitempty"`
	NewestChangeAt *time.Time `json:"newestChangeAt,omitempty"`
}

// NewGraphStats returns stats with the count maps allocated.
func NewGraphStats() *GraphStats {
	return &GraphStats{
		NodesByProvider: make(map[Provider]int),
		NodesByType:     make(map[ResourceType]int),
		EdgesByType:     make(map[RelationshipType]int),
	}
}

// AddNode folds one live node into the totals.
func (s *GraphStats) AddNode(n *Node) {
	s.TotalNodes++
	s.NodesByProvider[n.Provider]++
	s.NodesByType[n.ResourceType]++
	if n.CostMonthly != nil {
		s.TotalCostMonthly += *n.CostMonthly
	}
	if s.LastSyncAt == nil || n.LastSeenAt.After(*s.LastSyncAt) {
		t := n.LastSeenAt
		s.LastSyncAt = &t
	}
}

// AddEdge folds one edge into the totals.
func (s *GraphStats) AddEdge(e *Edge) {
	s.TotalEdges++
	s.EdgesByType[e.Type]++
}

// AddChange folds one change record into the totals.
func (s *GraphStats) AddChange(c *ChangeRecord) {
	s.TotalChanges++
	if s.OldestChangeAt == nil || c.DetectedAt.Before(*s.OldestChangeAt) {
		t := c.DetectedAt
		s.OldestChangeAt = &t
	}
	if s.NewestChangeAt == nil || c.DetectedAt.After(*s.NewestChangeAt) {
		t := c.DetectedAt
		s.NewestChangeAt = &t
	}
}

package graph

import (
	"strings"
	"time"
)

// NodeFilter selects nodes in storage queries. A nil slice leaves the
// dimension unconstrained; an empty non-nil slice matches nothing, so a
// caller that computed an empty allow-list gets an empty result rather
// than the whole graph.
type NodeFilter struct {
	Providers     []Provider
	Accounts      []string
	Regions       []string
	ResourceTypes []ResourceType
	Statuses      []Status

	// Tags must all be present with equal values.
	Tags map[string]string

	CostMin *float64
	CostMax *float64

	// NameContains is a case-insensitive substring match.
	NameContains string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// NativeID matches the provider-native identifier exactly.
	NativeID string

	// Deleted nodes are excluded unless IncludeDeleted is set.
	IncludeDeleted bool

	// Limit caps the result count after deterministic id ordering.
	// Zero means no cap.
	Limit int
}

// Matches reports whether the node passes every constraint. A nil
// filter matches every live node; deleted nodes need IncludeDeleted.
func (f *NodeFilter) Matches(n *Node) bool {
	if f == nil {
		return !n.Deleted
	}
	if n.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Providers != nil && !containsProvider(f.Providers, n.Provider) {
		return false
	}
	if f.Accounts != nil && !containsString(f.Accounts, n.Account) {
		return false
	}
	if f.Regions != nil && !containsString(f.Regions, n.Region) {
		return false
	}
	if f.ResourceTypes != nil && !containsType(f.ResourceTypes, n.ResourceType) {
		return false
	}
	if f.Statuses != nil && !containsStatus(f.Statuses, n.Status) {
		return false
	}
	for k, v := range f.Tags {
		if n.Tags[k] != v {
			return false
		}
	}
	if f.CostMin != nil && (n.CostMonthly == nil || *n.CostMonthly < *f.CostMin) {
		return false
	}
	if f.CostMax != nil && (n.CostMonthly == nil || *n.CostMonthly > *f.CostMax) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(n.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if f.CreatedAfter != nil && (n.CreatedAt == nil || n.CreatedAt.Before(*f.CreatedAfter)) {
		return false
	}
	if f.CreatedBefore != nil && (n.CreatedAt == nil || n.CreatedAt.After(*f.CreatedBefore)) {
		return false
	}
	if f.NativeID != "" && n.NativeID != f.NativeID {
		return false
	}
	return true
}

// EdgeFilter selects edges in storage queries.
type EdgeFilter struct {
	SourceID      string
	TargetID      string
	Types         []RelationshipType
	MinConfidence *float64
	Limit         int
}

// Matches reports whether the edge passes every constraint.
func (f *EdgeFilter) Matches(e *Edge) bool {
	if f == nil {
		return true
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.Types != nil && !containsRelType(f.Types, e.Type) {
		return false
	}
	if f.MinConfidence != nil && e.Confidence < *f.MinConfidence {
		return false
	}
	return true
}

// ChangeFilter selects change records. Results are newest first.
type ChangeFilter struct {
	NodeID string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// Matches reports whether the record passes every constraint.
func (f *ChangeFilter) Matches(c *ChangeRecord) bool {
	if f == nil {
		return true
	}
	if f.NodeID != "" && c.NodeID != f.NodeID {
		return false
	}
	if f.Since != nil && c.DetectedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && c.DetectedAt.After(*f.Until) {
		return false
	}
	return true
}

func containsProvider(s []Provider, v Provider) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsType(s []ResourceType, v ResourceType) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsStatus(s []Status, v Status) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsRelType(s []RelationshipType, v RelationshipType) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Package discovery defines the adapter contract between cloud
// providers and the graph engine. Adapters list provider resources and
// emit provider-agnostic node and edge candidates; the engine owns ids,
// reconciliation and history.
package discovery

import (
	"context"
	"time"

	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

// Account is the unit of discovery: a registered cloud account plus the
// per-sync restriction.
type Account struct {
	tenant.CloudAccount

	// ResourceTypes restricts discovery to the named classes when
	// non-empty. Light syncs use this; full syncs leave it empty.
	ResourceTypes []graph.ResourceType
}

// WantsType reports whether the account's restriction admits the class.
func (a Account) WantsType(rt graph.ResourceType) bool {
	if len(a.ResourceTypes) == 0 {
		return true
	}
	for _, t := range a.ResourceTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// NodeInput is a candidate resource observation. The engine computes
// the graph id; adapters only report what the provider said.
type NodeInput struct {
	NativeID     string
	Name         string
	ResourceType graph.ResourceType
	Region       string
	Status       graph.Status
	Tags         map[string]string
	Metadata     map[string]any
	CostMonthly  *float64
	Owner        string
	CreatedAt    *time.Time
}

// EdgeInput is a candidate relationship. Endpoints are referenced
// either by native id (resolved against the same account) or by an
// explicit graph id.
type EdgeInput struct {
	SourceNativeID string
	SourceID       string
	TargetNativeID string
	TargetID       string
	Type           graph.RelationshipType
	Confidence     float64
	DiscoveredVia  graph.DiscoveryMethod
	Metadata       map[string]any
}

// ScopeError reports a non-retryable failure for one resource class.
// Discovery of the remaining classes continues.
type ScopeError struct {
	Scope    string
	Category faults.Category
	Message  string
}

// Result is everything one adapter found in one account.
type Result struct {
	Nodes  []NodeInput
	Edges  []EdgeInput
	Errors []ScopeError
}

// Adapter discovers resources for one provider.
type Adapter interface {
	Provider() graph.Provider
	Discover(ctx context.Context, account Account) (*Result, error)
}

// MetadataKeySource is the metadata key every adapter stamps with its
// provider name, so a node's origin survives into the graph.
const MetadataKeySource = "discoverySource"

// Collector accumulates a Result while an adapter walks its resource
// classes. Nodes get the discoverySource metadata key stamped; failed
// classes turn into classified ScopeErrors instead of aborting the
// whole account.
type Collector struct {
	source string
	res    Result
}

// NewCollector creates a collector stamping nodes with the given
// source.
func NewCollector(source string) *Collector {
	return &Collector{source: source}
}

// AddNode records a candidate node.
func (c *Collector) AddNode(n NodeInput) {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	if _, ok := n.Metadata[MetadataKeySource]; !ok {
		n.Metadata[MetadataKeySource] = c.source
	}
	c.res.Nodes = append(c.res.Nodes, n)
}

// AddEdge records a candidate edge.
func (c *Collector) AddEdge(e EdgeInput) {
	c.res.Edges = append(c.res.Edges, e)
}

// Fail records a per-class failure and lets discovery continue.
func (c *Collector) Fail(scope string, err error) {
	if err == nil {
		return
	}
	c.res.Errors = append(c.res.Errors, ScopeError{
		Scope:    scope,
		Category: faults.CategoryOf(err),
		Message:  err.Error(),
	})
}

// Result returns the accumulated result.
func (c *Collector) Result() *Result {
	return &c.res
}

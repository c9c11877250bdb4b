package graph

import (
	"github.com/mitchellh/hashstructure/v2"
)

// nodeAttributes is the hashed projection of a node: exactly the fields
// DiffNodes compares. Keeping the two in lockstep is what lets upserts
// short-circuit before doing per-field comparisons.
type nodeAttributes struct {
	Name        string
	Status      Status
	Tags        map[string]string
	Metadata    map[string]any
	CostMonthly *float64
	Owner       string
	CreatedAt   string
}

// HashNodeAttributes returns a stable hash over the user-provided
// attributes of a node. Two nodes with equal hashes are treated as
// unchanged without a field-by-field diff.
func HashNodeAttributes(n *Node) (uint64, error) {
	attrs := nodeAttributes{
		Name:        n.Name,
		Status:      n.Status,
		Tags:        n.Tags,
		Metadata:    n.Metadata,
		CostMonthly: n.CostMonthly,
		Owner:       n.Owner,
	}
	if n.CreatedAt != nil {
		attrs.CreatedAt = FormatValue(n.CreatedAt)
	}
	return hashstructure.Hash(attrs, hashstructure.FormatV2, nil)
}

package graph

import (
	"fmt"
)

// RelationshipType describes how one resource relates to another.
type RelationshipType string

const (
	RelRunsIn        RelationshipType = "runs-in"
	RelMemberOf      RelationshipType = "member-of"
	RelUses          RelationshipType = "uses"
	RelTriggers      RelationshipType = "triggers"
	RelContains      RelationshipType = "contains"
	RelSecuredBy     RelationshipType = "secured-by"
	RelEncryptsWith  RelationshipType = "encrypts-with"
	RelConnectsTo    RelationshipType = "connects-to"
	RelDependsOn     RelationshipType = "depends-on"
	RelReplicatesTo  RelationshipType = "replicates-to"
	RelBacksUp       RelationshipType = "backs-up"
	RelRoutesTo      RelationshipType = "routes-to"
	RelPeersWith     RelationshipType = "peers-with"
	RelMemberOfFleet RelationshipType = "member-of-fleet"

	// Emitted by the cross-account inference pass only.
	RelIAMTrust        RelationshipType = "iam-trust"
	RelVPCPeering      RelationshipType = "vpc-peering"
	RelSharedService   RelationshipType = "shared-service"
	RelDataReplication RelationshipType = "data-replication"
)

func (rt RelationshipType) Valid() bool {
	switch rt {
	case RelRunsIn, RelMemberOf, RelUses, RelTriggers, RelContains, RelSecuredBy,
		RelEncryptsWith, RelConnectsTo, RelDependsOn, RelReplicatesTo, RelBacksUp,
		RelRoutesTo, RelPeersWith, RelMemberOfFleet,
		RelIAMTrust, RelVPCPeering, RelSharedService, RelDataReplication:
		return true
	}
	return false
}

// selfLoopAllowed lists the relationship types a node may have to itself.
var selfLoopAllowed = map[RelationshipType]bool{
	RelDependsOn: true,
}

// DiscoveryMethod records how an edge came to be known.
type DiscoveryMethod string

const (
	DiscoveredAPIField   DiscoveryMethod = "api-field"
	DiscoveredConfigScan DiscoveryMethod = "config-scan"
	DiscoveredInference  DiscoveryMethod = "inference"
	DiscoveredUser       DiscoveryMethod = "user"
)

func (d DiscoveryMethod) Valid() bool {
	switch d {
	case DiscoveredAPIField, DiscoveredConfigScan, DiscoveredInference, DiscoveredUser:
		return true
	}
	return false
}

// Edge is a directed, typed relationship between two nodes. Identity is
// (source, type, target); later observations of the same triple update
// confidence and metadata in place.
type Edge struct {
	ID            string           `json:"id"`
	SourceID      string           `json:"sourceId"`
	TargetID      string           `json:"targetId"`
	Type          RelationshipType `json:"relationshipType"`
	Confidence    float64          `json:"confidence"`
	DiscoveredVia DiscoveryMethod  `json:"discoveredVia"`
	Metadata      map[string]any   `json:"metadata,omitempty"`

	// Dangling is set when an endpoint did not exist at write time. The
	// edge is kept; a later sync may supply the missing node.
	Dangling bool `json:"dangling,omitempty"`
}

// EdgeID builds the canonical edge identifier.
func EdgeID(sourceID string, relType RelationshipType, targetID string) string {
	return fmt.Sprintf("%s--%s--%s", sourceID, relType, targetID)
}

// ComputeID recomputes the canonical id from the edge's identity fields.
func (e *Edge) ComputeID() string {
	return EdgeID(e.SourceID, e.Type, e.TargetID)
}

// Validate checks structural constraints before an edge is persisted.
func (e *Edge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("edge: source and target are required")
	}
	if e.Type == "" {
		return fmt.Errorf("edge %s->%s: relationshipType is required", e.SourceID, e.TargetID)
	}
	if e.SourceID == e.TargetID && !selfLoopAllowed[e.Type] {
		return fmt.Errorf("edge %s: self-loop not permitted for %q", e.SourceID, e.Type)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("edge %s->%s: confidence %v outside [0,1]", e.SourceID, e.TargetID, e.Confidence)
	}
	if e.DiscoveredVia != "" && !e.DiscoveredVia.Valid() {
		return fmt.Errorf("edge %s->%s: unknown discovery method %q", e.SourceID, e.TargetID, e.DiscoveredVia)
	}
	if e.ID != "" && e.ID != e.ComputeID() {
		return fmt.Errorf("edge %s->%s: id %q does not match identity fields", e.SourceID, e.TargetID, e.ID)
	}
	return nil
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	c := *e
	if e.Metadata != nil {
		c.Metadata = cloneAnyMap(e.Metadata)
	}
	return &c
}

// Direction selects which edges of a node a neighborhood lookup returns.
type Direction string

const (
	// DirectionUpstream follows edges out of the node: the resources it
	// uses, runs in, or otherwise points at.
	DirectionUpstream Direction = "upstream"
	// DirectionDownstream follows edges into the node: the resources that
	// point at it.
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

package graph

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the cloud platform a resource belongs to.
type Provider string

const (
	ProviderAWS        Provider = "aws"
	ProviderAzure      Provider = "azure"
	ProviderGCP        Provider = "gcp"
	ProviderKubernetes Provider = "kubernetes"
	ProviderCustom     Provider = "custom"
)

// Valid reports whether the provider is one of the known platforms.
// Unknown values are preserved as-is when loading stored data.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderAzure, ProviderGCP, ProviderKubernetes, ProviderCustom:
		return true
	}
	return false
}

// ResourceType classifies a resource into the platform taxonomy.
type ResourceType string

const (
	TypeCompute       ResourceType = "compute"
	TypeDatabase      ResourceType = "database"
	TypeStorage       ResourceType = "storage"
	TypeNetwork       ResourceType = "network"
	TypeVPC           ResourceType = "vpc"
	TypeSubnet        ResourceType = "subnet"
	TypeLoadBalancer  ResourceType = "load-balancer"
	TypeFunction      ResourceType = "function"
	TypeContainer     ResourceType = "container"
	TypeCache         ResourceType = "cache"
	TypeCDN           ResourceType = "cdn"
	TypeDNS           ResourceType = "dns"
	TypeIdentity      ResourceType = "identity"
	TypeSecurityGroup ResourceType = "security-group"
	TypeAPIGateway    ResourceType = "api-gateway"
	TypeQueue         ResourceType = "queue"
	TypeTopic         ResourceType = "topic"
	TypeCustomRes     ResourceType = "custom"
)

func (rt ResourceType) Valid() bool {
	switch rt {
	case TypeCompute, TypeDatabase, TypeStorage, TypeNetwork, TypeVPC, TypeSubnet,
		TypeLoadBalancer, TypeFunction, TypeContainer, TypeCache, TypeCDN, TypeDNS,
		TypeIdentity, TypeSecurityGroup, TypeAPIGateway, TypeQueue, TypeTopic, TypeCustomRes:
		return true
	}
	return false
}

// Status is the last observed operational state of a resource.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// ParseStatus normalizes a provider-reported state string. Anything
// outside the known set becomes StatusUnknown rather than an error.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(s)) {
	case StatusRunning:
		return StatusRunning
	case StatusStopped:
		return StatusStopped
	case StatusError:
		return StatusError
	default:
		return StatusUnknown
	}
}

// RegionGlobal marks resources that are not bound to a region (IAM, DNS,
// some storage endpoints).
const RegionGlobal = "global"

// Node is a single cloud resource in the knowledge graph.
//
// The id is a deterministic composite of the identity fields and is the
// only key other components ever hold on to. All remaining attributes are
// observations that may drift between syncs.
type Node struct {
	ID       string   `json:"id"`
	NativeID string   `json:"nativeId"`
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`
	Account  string   `json:"account"`
	Region   string   `json:"region"`

	ResourceType ResourceType `json:"resourceType"`
	Status       Status       `json:"status"`

	Tags     map[string]string `json:"tags,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`

	CostMonthly *float64   `json:"costMonthly,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`

	// Maintained by storage, never by callers.
	FirstSeenAt    time.Time `json:"firstSeenAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`

	// Disappearance tracking. A node that a full sync fails to re-observe
	// accumulates missing marks until the grace threshold deletes it.
	Deleted           bool       `json:"deleted,omitempty"`
	DeletedAt         *time.Time `json:"deletedAt,omitempty"`
	MissingCount      int        `json:"missingCount,omitempty"`
	LastSyncID        string     `json:"lastSyncId,omitempty"`
	LastMissingSyncID string     `json:"lastMissingSyncId,omitempty"`
}

// NodeID builds the canonical node identifier. The native id goes last so
// identifiers that themselves contain separators (ARNs) stay unambiguous.
func NodeID(provider Provider, account, region string, resourceType ResourceType, nativeID string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", provider, account, region, resourceType, nativeID)
}

// ComputeID recomputes the canonical id from the node's identity fields.
func (n *Node) ComputeID() string {
	return NodeID(n.Provider, n.Account, n.Region, n.ResourceType, n.NativeID)
}

// Validate checks structural constraints before a node is persisted.
func (n *Node) Validate() error {
	if n.NativeID == "" {
		return fmt.Errorf("node: nativeId is required")
	}
	if n.Provider == "" {
		return fmt.Errorf("node %s: provider is required", n.NativeID)
	}
	if n.Account == "" {
		return fmt.Errorf("node %s: account is required", n.NativeID)
	}
	if n.Region == "" {
		return fmt.Errorf("node %s: region is required (use %q for unscoped resources)", n.NativeID, RegionGlobal)
	}
	if n.ResourceType == "" {
		return fmt.Errorf("node %s: resourceType is required", n.NativeID)
	}
	if n.CostMonthly != nil && *n.CostMonthly < 0 {
		return fmt.Errorf("node %s: costMonthly must be >= 0, got %v", n.NativeID, *n.CostMonthly)
	}
	if n.ID != "" && n.ID != n.ComputeID() {
		return fmt.Errorf("node %s: id %q does not match identity fields", n.NativeID, n.ID)
	}
	return nil
}

// Clone returns a deep copy. Storage implementations hand out clones so
// callers can mutate results freely.
func (n *Node) Clone() *Node {
	c := *n
	if n.Tags != nil {
		c.Tags = make(map[string]string, len(n.Tags))
		for k, v := range n.Tags {
			c.Tags[k] = v
		}
	}
	if n.Metadata != nil {
		c.Metadata = cloneAnyMap(n.Metadata)
	}
	if n.CostMonthly != nil {
		v := *n.CostMonthly
		c.CostMonthly = &v
	}
	if n.CreatedAt != nil {
		t := *n.CreatedAt
		c.CreatedAt = &t
	}
	if n.DeletedAt != nil {
		t := *n.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneAnyMap(tv)
		case []any:
			s := make([]any, len(tv))
			copy(s, tv)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

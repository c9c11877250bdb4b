// Package gcp maps Google Cloud project inventories into graph
// candidates. Compute instances and functions list per region; SQL
// instances, buckets, topics and service accounts list once per
// project.
package gcp

import (
	"context"
	"time"

	"github.com/opsgraph/opsgraph/internal/discovery"
)

// Source is the SDK boundary: one method per resource class, each
// returning a single page.
type Source interface {
	Instances(ctx context.Context, region, token string) (discovery.Page[Instance], error)
	SQLInstances(ctx context.Context, token string) (discovery.Page[SQLInstance], error)
	Buckets(ctx context.Context, token string) (discovery.Page[Bucket], error)
	Functions(ctx context.Context, region, token string) (discovery.Page[Function], error)
	Topics(ctx context.Context, token string) (discovery.Page[Topic], error)
	ServiceAccounts(ctx context.Context, token string) (discovery.Page[ServiceAccount], error)
}

// Instance is a GCE instance record.
type Instance struct {
	Name                string
	Zone                string
	Status              string
	MachineType         string
	SubnetworkPath      string
	NetworkTags         []string
	ServiceAccountEmail string
	Labels              map[string]string
	CreatedAt           *time.Time
}

// SQLInstance is a Cloud SQL instance record. ReplicaSourceName names
// the primary when this instance is a read replica.
type SQLInstance struct {
	Name              string
	Region            string
	State             string
	DatabaseVersion   string
	Tier              string
	KMSKeyName        string
	ReplicaSourceName string
	Labels            map[string]string
	CreatedAt         *time.Time
}

// Bucket is a GCS bucket record.
type Bucket struct {
	Name         string
	Location     string
	StorageClass string
	KMSKeyName   string
	Labels       map[string]string
	CreatedAt    *time.Time
}

// Function is a Cloud Function record. TriggerTopic names the Pub/Sub
// topic for event-triggered functions.
type Function struct {
	Name                string
	Region              string
	State               string
	Runtime             string
	ServiceAccountEmail string
	TriggerTopic        string
	Labels              map[string]string
	UpdatedAt           *time.Time
}

// Topic is a Pub/Sub topic record.
type Topic struct {
	Name       string
	KMSKeyName string
	Labels     map[string]string
}

// ServiceAccount is an IAM service account record.
type ServiceAccount struct {
	Email       string
	DisplayName string
	Disabled    bool
}

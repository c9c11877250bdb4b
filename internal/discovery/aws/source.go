// Package aws maps AWS account inventories into graph candidates. The
// SDK call surface sits behind the Source interface; the adapter owns
// pagination, retries, taxonomy mapping and edge evidence.
package aws

import (
	"context"
	"time"

	"github.com/opsgraph/opsgraph/internal/discovery"
)

// Source is the SDK boundary: one method per resource class, each
// returning a single page. Instances, databases, functions, load
// balancers and queues are regional; buckets and roles are listed once
// per account.
type Source interface {
	Instances(ctx context.Context, region, token string) (discovery.Page[Instance], error)
	Databases(ctx context.Context, region, token string) (discovery.Page[Database], error)
	Buckets(ctx context.Context, token string) (discovery.Page[Bucket], error)
	Functions(ctx context.Context, region, token string) (discovery.Page[Function], error)
	LoadBalancers(ctx context.Context, region, token string) (discovery.Page[LoadBalancer], error)
	Roles(ctx context.Context, token string) (discovery.Page[Role], error)
	Queues(ctx context.Context, region, token string) (discovery.Page[Queue], error)
}

// Instance is an EC2 instance record.
type Instance struct {
	InstanceID       string
	Name             string
	State            string
	InstanceType     string
	SubnetID         string
	VPCID            string
	SecurityGroupIDs []string
	Tags             map[string]string
	LaunchedAt       *time.Time
}

// Database is an RDS instance record.
type Database struct {
	Identifier       string
	ARN              string
	Engine           string
	EngineVersion    string
	Status           string
	InstanceClass    string
	MultiAZ          bool
	SubnetIDs        []string
	SecurityGroupIDs []string
	KMSKeyARN        string
	ReplicaSourceARN string
	Tags             map[string]string
	CreatedAt        *time.Time
}

// Bucket is an S3 bucket record.
type Bucket struct {
	Name      string
	Region    string
	KMSKeyARN string
	Versioned bool
	Tags      map[string]string
	CreatedAt *time.Time
}

// Function is a Lambda function record.
type Function struct {
	Name            string
	ARN             string
	Runtime         string
	State           string
	RoleARN         string
	KMSKeyARN       string
	EventSourceARNs []string
	MemoryMB        int
	Tags            map[string]string
	LastModifiedAt  *time.Time
}

// LoadBalancer is an ELBv2 record.
type LoadBalancer struct {
	Name              string
	ARN               string
	DNSName           string
	Scheme            string
	State             string
	TargetInstanceIDs []string
	SecurityGroupIDs  []string
	Tags              map[string]string
	CreatedAt         *time.Time
}

// Role is an IAM role record. TrustedAccountIDs holds the account ids
// named as principals in the assume-role policy.
type Role struct {
	Name              string
	ARN               string
	TrustedAccountIDs []string
	Tags              map[string]string
	CreatedAt         *time.Time
}

// Queue is an SQS queue record.
type Queue struct {
	Name      string
	ARN       string
	URL       string
	KMSKeyID  string
	DLQARN    string
	FifoQueue bool
	Tags      map[string]string
}

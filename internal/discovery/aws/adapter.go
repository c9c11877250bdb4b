package aws

import (
	"context"
	"fmt"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/nativeid"
	"github.com/opsgraph/opsgraph/internal/retry"
)

// Config wires an Adapter.
type Config struct {
	Source   Source
	Pricing  *Pricing     // nil gets the static catalog
	Retry    retry.Policy // zero value gets the default policy
	MaxPages int          // <= 0 gets discovery.DefaultMaxPages
}

// Adapter discovers AWS accounts.
type Adapter struct {
	source   Source
	pricing  *Pricing
	policy   retry.Policy
	maxPages int
	logger   *logging.Logger
}

// New creates an adapter over the given source.
func New(cfg Config) (*Adapter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("aws adapter requires a source")
	}
	if cfg.Pricing == nil {
		cfg.Pricing = NewPricing()
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Adapter{
		source:   cfg.Source,
		pricing:  cfg.Pricing,
		policy:   cfg.Retry,
		maxPages: cfg.MaxPages,
		logger:   logging.GetLogger("discovery.aws"),
	}, nil
}

func (a *Adapter) Provider() graph.Provider {
	return graph.ProviderAWS
}

// Discover walks the account's resource classes: buckets and roles once
// per account, everything else per region. A failed class becomes a
// ScopeError; only cancellation aborts the walk.
func (a *Adapter) Discover(ctx context.Context, account discovery.Account) (*discovery.Result, error) {
	col := discovery.NewCollector(string(graph.ProviderAWS))

	if account.WantsType(graph.TypeStorage) {
		if err := a.discoverBuckets(ctx, col); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeIdentity) {
		if err := a.discoverRoles(ctx, col); err != nil {
			return col.Result(), err
		}
	}

	for _, region := range account.Regions {
		type classFn struct {
			rt graph.ResourceType
			fn func(context.Context, string, *discovery.Collector) error
		}
		for _, c := range []classFn{
			{graph.TypeCompute, a.discoverInstances},
			{graph.TypeDatabase, a.discoverDatabases},
			{graph.TypeFunction, a.discoverFunctions},
			{graph.TypeLoadBalancer, a.discoverLoadBalancers},
			{graph.TypeQueue, a.discoverQueues},
		} {
			if !account.WantsType(c.rt) {
				continue
			}
			if err := c.fn(ctx, region, col); err != nil {
				return col.Result(), err
			}
		}
	}

	res := col.Result()
	a.logger.Debug("account %s: %d nodes, %d edges, %d scope errors",
		account.ID, len(res.Nodes), len(res.Edges), len(res.Errors))
	return res, nil
}

// classErr records a class failure and keeps discovery going, unless
// the context is done.
func classErr(ctx context.Context, col *discovery.Collector, scope string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	col.Fail(scope, err)
	return nil
}

func (a *Adapter) discoverInstances(ctx context.Context, region string, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.ec2.instances", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Instance], error) {
			return a.source.Instances(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "ec2:instances/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "instanceType", it.InstanceType)
		putMeta(meta, "vpcId", it.VPCID)
		putMeta(meta, "subnetId", it.SubnetID)
		putMetaList(meta, "securityGroupIds", it.SecurityGroupIDs)

		name := it.Name
		if name == "" {
			name = it.Tags["Name"]
		}
		if name == "" {
			name = it.InstanceID
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     it.InstanceID,
			Name:         name,
			ResourceType: graph.TypeCompute,
			Region:       region,
			Status:       instanceStatus(it.State),
			Tags:         it.Tags,
			Metadata:     meta,
			CostMonthly:  a.pricing.InstanceMonthly(it.InstanceType),
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.LaunchedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverDatabases(ctx context.Context, region string, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.rds.instances", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Database], error) {
			return a.source.Databases(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "rds:instances/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "arn", it.ARN)
		putMeta(meta, "engine", it.Engine)
		putMeta(meta, "engineVersion", it.EngineVersion)
		putMeta(meta, "instanceClass", it.InstanceClass)
		putMeta(meta, "kmsKeyArn", it.KMSKeyARN)
		putMeta(meta, "replicaSourceArn", it.ReplicaSourceARN)
		putMetaList(meta, "subnetIds", it.SubnetIDs)
		putMetaList(meta, "securityGroupIds", it.SecurityGroupIDs)
		if it.MultiAZ {
			meta["multiAz"] = true
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Identifier,
			Name:         it.Identifier,
			ResourceType: graph.TypeDatabase,
			Region:       region,
			Status:       databaseStatus(it.Status),
			Tags:         it.Tags,
			Metadata:     meta,
			CostMonthly:  a.pricing.DatabaseMonthly(it.InstanceClass, it.MultiAZ),
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})

		// A replica and its source in the same batch give a definite
		// replication edge; cross-batch sources are left to inference
		// via the replicaSourceArn metadata.
		if it.ReplicaSourceARN != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: nativeid.Parse(it.ReplicaSourceARN).ResourceID,
				TargetNativeID: it.Identifier,
				Type:           graph.RelReplicatesTo,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverBuckets(ctx context.Context, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.s3.buckets", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Bucket], error) {
			return a.source.Buckets(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "s3:buckets", err)
	}

	for _, it := range items {
		region := it.Region
		if region == "" {
			region = graph.RegionGlobal
		}
		meta := map[string]any{}
		putMeta(meta, "kmsKeyArn", it.KMSKeyARN)
		if it.Versioned {
			meta["versioned"] = true
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeStorage,
			Region:       region,
			Status:       graph.StatusRunning,
			Tags:         it.Tags,
			Metadata:     meta,
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverFunctions(ctx context.Context, region string, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.lambda.functions", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Function], error) {
			return a.source.Functions(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "lambda:functions/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "arn", it.ARN)
		putMeta(meta, "runtime", it.Runtime)
		putMeta(meta, "roleArn", it.RoleARN)
		putMeta(meta, "kmsKeyArn", it.KMSKeyARN)
		if it.MemoryMB > 0 {
			meta["memoryMb"] = it.MemoryMB
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeFunction,
			Region:       region,
			Status:       functionStatus(it.State),
			Tags:         it.Tags,
			Metadata:     meta,
			Owner:        ownerFromTags(it.Tags),
		})

		if it.RoleARN != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: nativeid.Parse(it.RoleARN).ResourceID,
				Type:           graph.RelUses,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
		for _, es := range it.EventSourceARNs {
			parsed := nativeid.Parse(es)
			if parsed.Service != "sqs" {
				continue
			}
			putMeta(meta, "queueArn", es)
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: parsed.ResourceID,
				TargetNativeID: it.Name,
				Type:           graph.RelTriggers,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverLoadBalancers(ctx context.Context, region string, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.elb.loadbalancers", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[LoadBalancer], error) {
			return a.source.LoadBalancers(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "elb:loadbalancers/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "arn", it.ARN)
		putMeta(meta, "dnsName", it.DNSName)
		putMeta(meta, "scheme", it.Scheme)
		putMetaList(meta, "securityGroupIds", it.SecurityGroupIDs)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeLoadBalancer,
			Region:       region,
			Status:       loadBalancerStatus(it.State),
			Tags:         it.Tags,
			Metadata:     meta,
			CostMonthly:  a.pricing.LoadBalancerMonthly(),
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})

		for _, target := range it.TargetInstanceIDs {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: target,
				Type:           graph.RelRoutesTo,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverRoles(ctx context.Context, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.iam.roles", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Role], error) {
			return a.source.Roles(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "iam:roles", err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "arn", it.ARN)
		putMetaList(meta, "trustedAccountIds", it.TrustedAccountIDs)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeIdentity,
			Region:       graph.RegionGlobal,
			Status:       graph.StatusRunning,
			Tags:         it.Tags,
			Metadata:     meta,
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverQueues(ctx context.Context, region string, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "aws.sqs.queues", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Queue], error) {
			return a.source.Queues(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "sqs:queues/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "arn", it.ARN)
		putMeta(meta, "url", it.URL)
		if it.KMSKeyID != "" {
			if nativeid.IsARN(it.KMSKeyID) {
				meta["kmsKeyArn"] = it.KMSKeyID
			} else {
				meta["kmsKeyId"] = it.KMSKeyID
			}
		}
		if it.FifoQueue {
			meta["fifo"] = true
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeQueue,
			Region:       region,
			Status:       graph.StatusRunning,
			Tags:         it.Tags,
			Metadata:     meta,
			Owner:        ownerFromTags(it.Tags),
		})

		if it.DLQARN != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: nativeid.Parse(it.DLQARN).ResourceID,
				Type:           graph.RelRoutesTo,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func instanceStatus(state string) graph.Status {
	switch state {
	case "running":
		return graph.StatusRunning
	case "stopped", "stopping", "shutting-down", "terminated":
		return graph.StatusStopped
	default:
		return graph.StatusUnknown
	}
}

func databaseStatus(status string) graph.Status {
	switch status {
	case "available", "backing-up", "modifying":
		return graph.StatusRunning
	case "stopped", "stopping":
		return graph.StatusStopped
	case "failed", "storage-full", "incompatible-parameters":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func functionStatus(state string) graph.Status {
	switch state {
	case "Active":
		return graph.StatusRunning
	case "Inactive":
		return graph.StatusStopped
	case "Failed":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func loadBalancerStatus(state string) graph.Status {
	switch state {
	case "active":
		return graph.StatusRunning
	case "failed":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func ownerFromTags(tags map[string]string) string {
	for _, key := range []string{"owner", "Owner", "team", "Team"} {
		if v := tags[key]; v != "" {
			return v
		}
	}
	return ""
}

func putMeta(meta map[string]any, key, value string) {
	if value != "" {
		meta[key] = value
	}
}

func putMetaList(meta map[string]any, key string, values []string) {
	if len(values) > 0 {
		meta[key] = values
	}
}

package gcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/retry"
)

// Config wires an Adapter.
type Config struct {
	Source   Source
	Pricing  *Pricing     // nil gets the static catalog
	Retry    retry.Policy // zero value gets the default policy
	MaxPages int          // <= 0 gets discovery.DefaultMaxPages
}

// Adapter discovers Google Cloud projects.
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
		return nil, fmt.Errorf("gcp adapter requires a source")
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
		logger:   logging.GetLogger("discovery.gcp"),
	}, nil
}

func (a *Adapter) Provider() graph.Provider {
	return graph.ProviderGCP
}

// Discover walks the project's resource classes: SQL instances,
// buckets, topics and service accounts once per project, instances and
// functions per region. A failed class becomes a ScopeError; only
// cancellation aborts the walk.
func (a *Adapter) Discover(ctx context.Context, account discovery.Account) (*discovery.Result, error) {
	col := discovery.NewCollector(string(graph.ProviderGCP))

	if account.WantsType(graph.TypeDatabase) {
		if err := a.discoverSQLInstances(ctx, col); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeStorage) {
		if err := a.discoverBuckets(ctx, col); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeTopic) {
		if err := a.discoverTopics(ctx, col); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeIdentity) {
		if err := a.discoverServiceAccounts(ctx, col); err != nil {
			return col.Result(), err
		}
	}

	for _, region := range account.Regions {
		if account.WantsType(graph.TypeCompute) {
			if err := a.discoverInstances(ctx, region, col); err != nil {
				return col.Result(), err
			}
		}
		if account.WantsType(graph.TypeFunction) {
			if err := a.discoverFunctions(ctx, region, col); err != nil {
				return col.Result(), err
			}
		}
	}

	res := col.Result()
	a.logger.Debug("project %s: %d nodes, %d edges, %d scope errors",
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
	items, err := discovery.FetchAll(ctx, "gcp.compute.instances", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Instance], error) {
			return a.source.Instances(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "compute:instances/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "zone", it.Zone)
		putMeta(meta, "machineType", it.MachineType)
		putMeta(meta, "subnetId", it.SubnetworkPath)
		putMeta(meta, "serviceAccount", it.ServiceAccountEmail)
		putMetaList(meta, "networkTags", it.NetworkTags)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeCompute,
			Region:       region,
			Status:       instanceStatus(it.Status),
			Tags:         it.Labels,
			Metadata:     meta,
			CostMonthly:  a.pricing.InstanceMonthly(it.MachineType),
			Owner:        ownerFromLabels(it.Labels),
			CreatedAt:    it.CreatedAt,
		})

		if it.ServiceAccountEmail != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: it.ServiceAccountEmail,
				Type:           graph.RelUses,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverSQLInstances(ctx context.Context, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "gcp.sql.instances", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[SQLInstance], error) {
			return a.source.SQLInstances(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "sql:instances", err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "databaseVersion", it.DatabaseVersion)
		putMeta(meta, "tier", it.Tier)
		putMeta(meta, "kmsKeyId", it.KMSKeyName)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeDatabase,
			Region:       it.Region,
			Status:       sqlStatus(it.State),
			Tags:         it.Labels,
			Metadata:     meta,
			CostMonthly:  a.pricing.DatabaseMonthly(it.Tier),
			Owner:        ownerFromLabels(it.Labels),
			CreatedAt:    it.CreatedAt,
		})

		if it.ReplicaSourceName != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.ReplicaSourceName,
				TargetNativeID: it.Name,
				Type:           graph.RelReplicatesTo,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverBuckets(ctx context.Context, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "gcp.storage.buckets", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Bucket], error) {
			return a.source.Buckets(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "storage:buckets", err)
	}

	for _, it := range items {
		region := strings.ToLower(it.Location)
		if region == "" {
			region = graph.RegionGlobal
		}
		meta := map[string]any{}
		putMeta(meta, "storageClass", it.StorageClass)
		putMeta(meta, "kmsKeyId", it.KMSKeyName)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeStorage,
			Region:       region,
			Status:       graph.StatusRunning,
			Tags:         it.Labels,
			Metadata:     meta,
			Owner:        ownerFromLabels(it.Labels),
			CreatedAt:    it.CreatedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverFunctions(ctx context.Context, region string, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "gcp.functions.functions", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Function], error) {
			return a.source.Functions(ctx, region, token)
		})
	if err != nil {
		return classErr(ctx, col, "functions:functions/"+region, err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "runtime", it.Runtime)
		putMeta(meta, "serviceAccount", it.ServiceAccountEmail)
		putMeta(meta, "triggerTopic", it.TriggerTopic)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeFunction,
			Region:       region,
			Status:       functionStatus(it.State),
			Tags:         it.Labels,
			Metadata:     meta,
			Owner:        ownerFromLabels(it.Labels),
		})

		if it.ServiceAccountEmail != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: it.ServiceAccountEmail,
				Type:           graph.RelUses,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
		if it.TriggerTopic != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.TriggerTopic,
				TargetNativeID: it.Name,
				Type:           graph.RelTriggers,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverTopics(ctx context.Context, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "gcp.pubsub.topics", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[Topic], error) {
			return a.source.Topics(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "pubsub:topics", err)
	}

	for _, it := range items {
		meta := map[string]any{}
		putMeta(meta, "kmsKeyId", it.KMSKeyName)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeTopic,
			Region:       graph.RegionGlobal,
			Status:       graph.StatusRunning,
			Tags:         it.Labels,
			Metadata:     meta,
			Owner:        ownerFromLabels(it.Labels),
		})
	}
	return nil
}

func (a *Adapter) discoverServiceAccounts(ctx context.Context, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "gcp.iam.serviceaccounts", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[ServiceAccount], error) {
			return a.source.ServiceAccounts(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "iam:serviceAccounts", err)
	}

	for _, it := range items {
		status := graph.StatusRunning
		if it.Disabled {
			status = graph.StatusStopped
		}
		name := it.DisplayName
		if name == "" {
			name = it.Email
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Email,
			Name:         name,
			ResourceType: graph.TypeIdentity,
			Region:       graph.RegionGlobal,
			Status:       status,
		})
	}
	return nil
}

func instanceStatus(status string) graph.Status {
	switch status {
	case "RUNNING", "STAGING", "PROVISIONING":
		return graph.StatusRunning
	case "STOPPED", "STOPPING", "TERMINATED", "SUSPENDED", "SUSPENDING":
		return graph.StatusStopped
	default:
		return graph.StatusUnknown
	}
}

func sqlStatus(state string) graph.Status {
	switch state {
	case "RUNNABLE":
		return graph.StatusRunning
	case "SUSPENDED", "STOPPED":
		return graph.StatusStopped
	case "FAILED":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func functionStatus(state string) graph.Status {
	switch state {
	case "ACTIVE":
		return graph.StatusRunning
	case "OFFLINE":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func ownerFromLabels(labels map[string]string) string {
	for _, key := range []string{"owner", "team"} {
		if v := labels[key]; v != "" {
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

package azure

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

// Adapter discovers Azure subscriptions.
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
		return nil, fmt.Errorf("azure adapter requires a source")
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
		logger:   logging.GetLogger("discovery.azure"),
	}, nil
}

func (a *Adapter) Provider() graph.Provider {
	return graph.ProviderAzure
}

// Discover walks the subscription's resource classes once each and
// filters records against the account's region list. A failed class
// becomes a ScopeError; only cancellation aborts the walk.
func (a *Adapter) Discover(ctx context.Context, account discovery.Account) (*discovery.Result, error) {
	col := discovery.NewCollector(string(graph.ProviderAzure))
	regions := regionSet(account.Regions)

	type classFn struct {
		rt graph.ResourceType
		fn func(context.Context, map[string]bool, *discovery.Collector) error
	}
	for _, c := range []classFn{
		{graph.TypeCompute, a.discoverVirtualMachines},
		{graph.TypeDatabase, a.discoverSQLDatabases},
		{graph.TypeStorage, a.discoverStorageAccounts},
		{graph.TypeFunction, a.discoverFunctionApps},
		{graph.TypeLoadBalancer, a.discoverLoadBalancers},
	} {
		if !account.WantsType(c.rt) {
			continue
		}
		if err := c.fn(ctx, regions, col); err != nil {
			return col.Result(), err
		}
	}

	res := col.Result()
	a.logger.Debug("subscription %s: %d nodes, %d edges, %d scope errors",
		account.ID, len(res.Nodes), len(res.Edges), len(res.Errors))
	return res, nil
}

// regionSet returns nil for an empty region list, meaning no filter.
func regionSet(regions []string) map[string]bool {
	if len(regions) == 0 {
		return nil
	}
	set := make(map[string]bool, len(regions))
	for _, r := range regions {
		set[r] = true
	}
	return set
}

func wantsRegion(set map[string]bool, location string) bool {
	return set == nil || set[location]
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

func (a *Adapter) discoverVirtualMachines(ctx context.Context, regions map[string]bool, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "azure.compute.vms", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[VirtualMachine], error) {
			return a.source.VirtualMachines(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "compute:virtualMachines", err)
	}

	for _, it := range items {
		if !wantsRegion(regions, it.Location) {
			continue
		}
		meta := map[string]any{}
		putMeta(meta, "resourceId", it.ResourceID)
		putMeta(meta, "vmSize", it.Size)
		putMeta(meta, "subnetId", it.SubnetID)
		putMetaList(meta, "securityGroupIds", it.NetworkSecurityGroupIDs)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeCompute,
			Region:       it.Location,
			Status:       vmStatus(it.PowerState),
			Tags:         it.Tags,
			Metadata:     meta,
			CostMonthly:  a.pricing.VMMonthly(it.Size),
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverSQLDatabases(ctx context.Context, regions map[string]bool, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "azure.sql.databases", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[SQLDatabase], error) {
			return a.source.SQLDatabases(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "sql:databases", err)
	}

	for _, it := range items {
		if !wantsRegion(regions, it.Location) {
			continue
		}
		meta := map[string]any{}
		putMeta(meta, "resourceId", it.ResourceID)
		putMeta(meta, "serverName", it.ServerName)
		putMeta(meta, "sku", it.SKU)
		putMeta(meta, "kmsKeyId", it.KeyVaultKeyID)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeDatabase,
			Region:       it.Location,
			Status:       sqlStatus(it.Status),
			Tags:         it.Tags,
			Metadata:     meta,
			CostMonthly:  a.pricing.DatabaseMonthly(it.SKU),
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverStorageAccounts(ctx context.Context, regions map[string]bool, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "azure.storage.accounts", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[StorageAccount], error) {
			return a.source.StorageAccounts(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "storage:accounts", err)
	}

	for _, it := range items {
		if !wantsRegion(regions, it.Location) {
			continue
		}
		meta := map[string]any{}
		putMeta(meta, "resourceId", it.ResourceID)
		putMeta(meta, "sku", it.SKU)
		putMeta(meta, "kmsKeyId", it.KeyVaultKeyID)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeStorage,
			Region:       it.Location,
			Status:       graph.StatusRunning,
			Tags:         it.Tags,
			Metadata:     meta,
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})
	}
	return nil
}

func (a *Adapter) discoverFunctionApps(ctx context.Context, regions map[string]bool, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "azure.web.functionapps", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[FunctionApp], error) {
			return a.source.FunctionApps(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "web:functionApps", err)
	}

	for _, it := range items {
		if !wantsRegion(regions, it.Location) {
			continue
		}
		meta := map[string]any{}
		putMeta(meta, "resourceId", it.ResourceID)
		putMeta(meta, "runtime", it.Runtime)
		putMeta(meta, "storageAccount", it.StorageAccountName)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeFunction,
			Region:       it.Location,
			Status:       appStatus(it.State),
			Tags:         it.Tags,
			Metadata:     meta,
			Owner:        ownerFromTags(it.Tags),
		})

		// Every function app mounts its backing storage account.
		if it.StorageAccountName != "" {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: it.StorageAccountName,
				Type:           graph.RelUses,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverLoadBalancers(ctx context.Context, regions map[string]bool, col *discovery.Collector) error {
	items, err := discovery.FetchAll(ctx, "azure.network.loadbalancers", a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[LoadBalancer], error) {
			return a.source.LoadBalancers(ctx, token)
		})
	if err != nil {
		return classErr(ctx, col, "network:loadBalancers", err)
	}

	for _, it := range items {
		if !wantsRegion(regions, it.Location) {
			continue
		}
		meta := map[string]any{}
		putMeta(meta, "resourceId", it.ResourceID)
		putMeta(meta, "sku", it.SKU)

		col.AddNode(discovery.NodeInput{
			NativeID:     it.Name,
			Name:         it.Name,
			ResourceType: graph.TypeLoadBalancer,
			Region:       it.Location,
			Status:       graph.StatusRunning,
			Tags:         it.Tags,
			Metadata:     meta,
			CostMonthly:  a.pricing.LoadBalancerMonthly(),
			Owner:        ownerFromTags(it.Tags),
			CreatedAt:    it.CreatedAt,
		})

		for _, vm := range it.BackendVMNames {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: it.Name,
				TargetNativeID: vm,
				Type:           graph.RelRoutesTo,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
	return nil
}

// vmStatus maps an instance-view power state. The API reports
// "PowerState/<state>" codes; bare states are accepted too.
func vmStatus(state string) graph.Status {
	state = strings.TrimPrefix(state, "PowerState/")
	switch state {
	case "running", "starting":
		return graph.StatusRunning
	case "stopped", "stopping", "deallocated", "deallocating":
		return graph.StatusStopped
	default:
		return graph.StatusUnknown
	}
}

func sqlStatus(status string) graph.Status {
	switch status {
	case "Online":
		return graph.StatusRunning
	case "Paused", "Pausing", "Offline", "Disabled":
		return graph.StatusStopped
	case "Suspect", "EmergencyMode":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func appStatus(state string) graph.Status {
	switch state {
	case "Running":
		return graph.StatusRunning
	case "Stopped":
		return graph.StatusStopped
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

// Package demo provides a deterministic sample topology: a three-tier
// web application spread over two accounts of one tenant, with enough
// attribute evidence to exercise enrichment and cross-account
// inference. The demo command syncs it through the real engine; tests
// reuse it as a known graph.
package demo

import (
	"k8s.io/utils/ptr"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/discovery/fake"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

const (
	// TenantID is the demo tenant.
	TenantID = "demo"
	// AppAccountID and SharedAccountID are the registry ids of the two
	// demo accounts.
	AppAccountID    = "demo-app"
	SharedAccountID = "demo-shared"

	appNativeAccount    = "111111111111"
	sharedNativeAccount = "222222222222"
	region              = "us-east-1"
)

// Tenants returns the demo tenant definition.
func Tenants() []*tenant.Tenant {
	return []*tenant.Tenant{{
		ID:     TenantID,
		Name:   "Demo",
		Active: true,
	}}
}

// Accounts returns the two demo accounts.
func Accounts() []*tenant.CloudAccount {
	return []*tenant.CloudAccount{
		{
			ID:              AppAccountID,
			Provider:        graph.ProviderAWS,
			NativeAccountID: appNativeAccount,
			Name:            "app",
			TenantID:        TenantID,
			Enabled:         true,
			Regions:         []string{region},
		},
		{
			ID:              SharedAccountID,
			Provider:        graph.ProviderAWS,
			NativeAccountID: sharedNativeAccount,
			Name:            "shared-services",
			TenantID:        TenantID,
			Enabled:         true,
			Regions:         []string{region},
		},
	}
}

// Results returns the scripted discovery result per account id. The
// data is fully deterministic: same nodes, same order, every time.
func Results() map[string]*discovery.Result {
	return map[string]*discovery.Result{
		AppAccountID:    appResult(),
		SharedAccountID: sharedResult(),
	}
}

// appResult is the web tier, the app tier and the data tier of the
// application account.
func appResult() *discovery.Result {
	nodes := []discovery.NodeInput{
		{
			NativeID: "app.example.com", Name: "app.example.com",
			ResourceType: graph.TypeDNS, Region: graph.RegionGlobal,
			Status:   graph.StatusRunning,
			Metadata: map[string]any{"dnsTarget": "app-lb"},
		},
		{
			NativeID: "app-lb", Name: "app-lb",
			ResourceType: graph.TypeLoadBalancer, Region: region,
			Status:      graph.StatusRunning,
			Tags:        map[string]string{"env": "prod", "tier": "web"},
			CostMonthly: ptr.To(18.25),
		},
		{
			NativeID: "i-web-1", Name: "web-1",
			ResourceType: graph.TypeCompute, Region: region,
			Status: graph.StatusRunning,
			Tags:   map[string]string{"env": "prod", "tier": "web", "team": "storefront"},
			Metadata: map[string]any{
				"instanceType":     "m5.large",
				"subnetId":         "subnet-web",
				"securityGroupIds": []string{"sg-web"},
			},
			CostMonthly: ptr.To(70.08),
			Owner:       "storefront",
		},
		{
			NativeID: "i-web-2", Name: "web-2",
			ResourceType: graph.TypeCompute, Region: region,
			Status: graph.StatusRunning,
			Tags:   map[string]string{"env": "prod", "tier": "web", "team": "storefront"},
			Metadata: map[string]any{
				"instanceType":     "m5.large",
				"subnetId":         "subnet-web",
				"securityGroupIds": []string{"sg-web"},
			},
			CostMonthly: ptr.To(70.08),
			Owner:       "storefront",
		},
		{
			NativeID: "subnet-web", Name: "web subnet",
			ResourceType: graph.TypeSubnet, Region: region,
			Status:   graph.StatusRunning,
			Metadata: map[string]any{"cidr": "10.0.1.0/24"},
		},
		{
			NativeID: "sg-web", Name: "web security group",
			ResourceType: graph.TypeSecurityGroup, Region: region,
			Status: graph.StatusRunning,
		},
		{
			NativeID: "checkout", Name: "checkout",
			ResourceType: graph.TypeFunction, Region: region,
			Status: graph.StatusRunning,
			Tags:   map[string]string{"env": "prod", "tier": "app", "team": "payments"},
			Metadata: map[string]any{
				"runtime":  "go1.x",
				"roleArn":  "checkout-role",
				"queueArn": "orders-queue",
			},
			CostMonthly: ptr.To(4.4),
			Owner:       "payments",
		},
		{
			NativeID: "orders-queue", Name: "orders",
			ResourceType: graph.TypeQueue, Region: region,
			Status: graph.StatusRunning,
			Tags:   map[string]string{"env": "prod", "tier": "app"},
		},
		{
			NativeID: "orders-db", Name: "orders-db",
			ResourceType: graph.TypeDatabase, Region: region,
			Status:      graph.StatusRunning,
			Tags:        map[string]string{"env": "prod", "tier": "data", "team": "payments"},
			Metadata:    map[string]any{"engine": "postgres", "subnetId": "subnet-web"},
			CostMonthly: ptr.To(182.5),
			Owner:       "payments",
		},
		{
			NativeID: "checkout-role", Name: "checkout-role",
			ResourceType: graph.TypeIdentity, Region: graph.RegionGlobal,
			Status: graph.StatusRunning,
			// The trust policy names the shared account, which the
			// cross-account pass turns into an iam-trust edge.
			Metadata: map[string]any{
				"trustPolicy": `{"Statement":[{"Principal":{"AWS":"arn:aws:iam::222222222222:root"}}]}`,
			},
		},
	}

	edges := []discovery.EdgeInput{
		{SourceNativeID: "app-lb", TargetNativeID: "i-web-1", Type: graph.RelRoutesTo, Confidence: 1, DiscoveredVia: graph.DiscoveredAPIField},
		{SourceNativeID: "app-lb", TargetNativeID: "i-web-2", Type: graph.RelRoutesTo, Confidence: 1, DiscoveredVia: graph.DiscoveredAPIField},
		{SourceNativeID: "i-web-1", TargetNativeID: "orders-db", Type: graph.RelUses, Confidence: 1, DiscoveredVia: graph.DiscoveredAPIField},
		{SourceNativeID: "i-web-2", TargetNativeID: "orders-db", Type: graph.RelUses, Confidence: 1, DiscoveredVia: graph.DiscoveredAPIField},
		{SourceNativeID: "checkout", TargetNativeID: "orders-db", Type: graph.RelUses, Confidence: 1, DiscoveredVia: graph.DiscoveredAPIField},
	}
	return &discovery.Result{Nodes: nodes, Edges: edges}
}

// sharedResult is the shared-services account: the ops identity the
// app account trusts, the audit bucket and the cross-account replica.
func sharedResult() *discovery.Result {
	nodes := []discovery.NodeInput{
		{
			NativeID: "ops-role", Name: "ops-role",
			ResourceType: graph.TypeIdentity, Region: graph.RegionGlobal,
			Status: graph.StatusRunning,
		},
		{
			NativeID: "audit-logs", Name: "audit-logs",
			ResourceType: graph.TypeStorage, Region: region,
			Status:      graph.StatusRunning,
			Tags:        map[string]string{"env": "prod", "team": "platform"},
			CostMonthly: ptr.To(2.3),
			Owner:       "platform",
		},
		{
			NativeID: "orders-replica", Name: "orders-replica",
			ResourceType: graph.TypeDatabase, Region: region,
			Status: graph.StatusRunning,
			Tags:   map[string]string{"env": "prod", "tier": "data"},
			// References the primary by native id; the cross-account pass
			// resolves it into a data-replication edge.
			Metadata:    map[string]any{"engine": "postgres", "replicaSourceArn": "orders-db"},
			CostMonthly: ptr.To(182.5),
		},
	}
	return &discovery.Result{Nodes: nodes}
}

// Install registers the demo tenant, its accounts and a scripted fake
// adapter under the aws provider. The registries must be empty of
// conflicting entries.
func Install(reg *tenant.Registry, adapters *discovery.Registry) error {
	for _, t := range Tenants() {
		if err := reg.PutTenant(t); err != nil {
			return err
		}
	}
	for _, a := range Accounts() {
		if err := reg.RegisterAccount(a); err != nil {
			return err
		}
	}

	adapter := fake.New(graph.ProviderAWS)
	for accountID, res := range Results() {
		adapter.SetResult(accountID, res)
	}
	return adapters.Register(adapter)
}

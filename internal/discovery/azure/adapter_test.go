package azure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/retry"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

type scriptedSource struct {
	vms       []discovery.Page[VirtualMachine]
	dbs       []discovery.Page[SQLDatabase]
	storage   []discovery.Page[StorageAccount]
	apps      []discovery.Page[FunctionApp]
	balancers []discovery.Page[LoadBalancer]

	errs  map[string]error
	calls map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{errs: map[string]error{}, calls: map[string]int{}}
}

func pageAt[T any](pages []discovery.Page[T], token string) discovery.Page[T] {
	if token == "" {
		if len(pages) == 0 {
			return discovery.Page[T]{}
		}
		return pages[0]
	}
	for i, p := range pages {
		if p.Next == token && i+1 < len(pages) {
			return pages[i+1]
		}
	}
	return discovery.Page[T]{}
}

func (s *scriptedSource) VirtualMachines(ctx context.Context, token string) (discovery.Page[VirtualMachine], error) {
	s.calls["vms"]++
	if err := s.errs["vms"]; err != nil {
		return discovery.Page[VirtualMachine]{}, err
	}
	return pageAt(s.vms, token), nil
}

func (s *scriptedSource) SQLDatabases(ctx context.Context, token string) (discovery.Page[SQLDatabase], error) {
	s.calls["dbs"]++
	if err := s.errs["dbs"]; err != nil {
		return discovery.Page[SQLDatabase]{}, err
	}
	return pageAt(s.dbs, token), nil
}

func (s *scriptedSource) StorageAccounts(ctx context.Context, token string) (discovery.Page[StorageAccount], error) {
	s.calls["storage"]++
	if err := s.errs["storage"]; err != nil {
		return discovery.Page[StorageAccount]{}, err
	}
	return pageAt(s.storage, token), nil
}

func (s *scriptedSource) FunctionApps(ctx context.Context, token string) (discovery.Page[FunctionApp], error) {
	s.calls["apps"]++
	if err := s.errs["apps"]; err != nil {
		return discovery.Page[FunctionApp]{}, err
	}
	return pageAt(s.apps, token), nil
}

func (s *scriptedSource) LoadBalancers(ctx context.Context, token string) (discovery.Page[LoadBalancer], error) {
	s.calls["balancers"]++
	if err := s.errs["balancers"]; err != nil {
		return discovery.Page[LoadBalancer]{}, err
	}
	return pageAt(s.balancers, token), nil
}

func testAccount(regions []string, types ...graph.ResourceType) discovery.Account {
	return discovery.Account{
		CloudAccount: tenant.CloudAccount{
			ID:              "sub1",
			Provider:        graph.ProviderAzure,
			NativeAccountID: "00000000-0000-0000-0000-000000000001",
			TenantID:        "t1",
			Regions:         regions,
		},
		ResourceTypes: types,
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: 0.1}
}

func TestDiscoverVirtualMachines(t *testing.T) {
	src := newScriptedSource()
	src.vms = []discovery.Page[VirtualMachine]{{
		Items: []VirtualMachine{{
			Name:       "web-1",
			ResourceID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/web-1",
			Location:   "eastus",
			PowerState: "PowerState/running",
			Size:       "Standard_B2s",
			SubnetID:   "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/virtualNetworks/vnet/subnets/app",
			Tags:       map[string]string{"team": "payments"},
		}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount([]string{"eastus"}, graph.TypeCompute))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	n := res.Nodes[0]
	assert.Equal(t, "web-1", n.NativeID)
	assert.Equal(t, "eastus", n.Region)
	assert.Equal(t, graph.StatusRunning, n.Status)
	assert.Equal(t, "payments", n.Owner)
	assert.Contains(t, n.Metadata["subnetId"], "subnets/app")
	require.NotNil(t, n.CostMonthly)
	assert.InDelta(t, 0.0416*730, *n.CostMonthly, 1)

	assert.Equal(t, 1, src.calls["vms"])
	assert.Zero(t, src.calls["dbs"])
}

func TestDiscoverFiltersByRegion(t *testing.T) {
	src := newScriptedSource()
	src.vms = []discovery.Page[VirtualMachine]{{
		Items: []VirtualMachine{
			{Name: "east-vm", Location: "eastus", PowerState: "running"},
			{Name: "west-vm", Location: "westeurope", PowerState: "running"},
		},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount([]string{"eastus"}, graph.TypeCompute))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "east-vm", res.Nodes[0].NativeID)

	t.Run("empty region list keeps everything", func(t *testing.T) {
		res, err := adapter.Discover(context.Background(), testAccount(nil, graph.TypeCompute))
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 2)
	})
}

func TestDiscoverPagination(t *testing.T) {
	src := newScriptedSource()
	src.storage = []discovery.Page[StorageAccount]{
		{Items: []StorageAccount{{Name: "stassets", Location: "eastus"}}, Next: "p2"},
		{Items: []StorageAccount{{Name: "stlogs", Location: "eastus"}}},
	}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(nil, graph.TypeStorage))
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 2)
	assert.Equal(t, 2, src.calls["storage"])
}

func TestDiscoverClassFailureIsScoped(t *testing.T) {
	src := newScriptedSource()
	src.errs["dbs"] = faults.New(faults.CategoryPermission, "AuthorizationFailed", "sql denied")
	src.vms = []discovery.Page[VirtualMachine]{{
		Items: []VirtualMachine{{Name: "web-1", Location: "eastus", PowerState: "running"}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(nil, graph.TypeCompute, graph.TypeDatabase))
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 1)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "sql:databases", res.Errors[0].Scope)
	assert.Equal(t, faults.CategoryPermission, res.Errors[0].Category)
	assert.Equal(t, 1, src.calls["dbs"], "permission faults are not retried")
}

func TestDiscoverFunctionAppEdges(t *testing.T) {
	src := newScriptedSource()
	src.apps = []discovery.Page[FunctionApp]{{
		Items: []FunctionApp{{
			Name:               "checkout-fn",
			Location:           "eastus",
			State:              "Running",
			Runtime:            "dotnet",
			StorageAccountName: "stcheckout",
		}},
	}}
	src.storage = []discovery.Page[StorageAccount]{{
		Items: []StorageAccount{{Name: "stcheckout", Location: "eastus", KeyVaultKeyID: "kv-key-1"}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(nil, graph.TypeFunction, graph.TypeStorage))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	require.Len(t, res.Edges, 1)
	e := res.Edges[0]
	assert.Equal(t, graph.RelUses, e.Type)
	assert.Equal(t, "checkout-fn", e.SourceNativeID)
	assert.Equal(t, "stcheckout", e.TargetNativeID)
	assert.Equal(t, graph.DiscoveredAPIField, e.DiscoveredVia)

	for _, n := range res.Nodes {
		if n.ResourceType == graph.TypeStorage {
			assert.Equal(t, "kv-key-1", n.Metadata["kmsKeyId"])
		}
	}
}

func TestDiscoverLoadBalancerEdges(t *testing.T) {
	src := newScriptedSource()
	src.balancers = []discovery.Page[LoadBalancer]{{
		Items: []LoadBalancer{{
			Name:           "lb-web",
			Location:       "eastus",
			SKU:            "Standard",
			BackendVMNames: []string{"web-1", "web-2"},
		}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(nil, graph.TypeLoadBalancer))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	require.Len(t, res.Edges, 2)
	for _, e := range res.Edges {
		assert.Equal(t, graph.RelRoutesTo, e.Type)
		assert.Equal(t, "lb-web", e.SourceNativeID)
	}
}

func TestVMStatus(t *testing.T) {
	assert.Equal(t, graph.StatusRunning, vmStatus("PowerState/running"))
	assert.Equal(t, graph.StatusStopped, vmStatus("PowerState/deallocated"))
	assert.Equal(t, graph.StatusStopped, vmStatus("stopped"))
	assert.Equal(t, graph.StatusUnknown, vmStatus("PowerState/unknown"))
}

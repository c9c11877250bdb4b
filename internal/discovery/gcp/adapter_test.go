package gcp

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
	instances map[string][]discovery.Page[Instance]
	sql       []discovery.Page[SQLInstance]
	buckets   []discovery.Page[Bucket]
	functions map[string][]discovery.Page[Function]
	topics    []discovery.Page[Topic]
	accounts  []discovery.Page[ServiceAccount]

	errs  map[string]error
	calls map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		instances: map[string][]discovery.Page[Instance]{},
		functions: map[string][]discovery.Page[Function]{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
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

func (s *scriptedSource) Instances(ctx context.Context, region, token string) (discovery.Page[Instance], error) {
	s.calls["instances/"+region]++
	if err := s.errs["instances/"+region]; err != nil {
		return discovery.Page[Instance]{}, err
	}
	return pageAt(s.instances[region], token), nil
}

func (s *scriptedSource) SQLInstances(ctx context.Context, token string) (discovery.Page[SQLInstance], error) {
	s.calls["sql"]++
	if err := s.errs["sql"]; err != nil {
		return discovery.Page[SQLInstance]{}, err
	}
	return pageAt(s.sql, token), nil
}

func (s *scriptedSource) Buckets(ctx context.Context, token string) (discovery.Page[Bucket], error) {
	s.calls["buckets"]++
	if err := s.errs["buckets"]; err != nil {
		return discovery.Page[Bucket]{}, err
	}
	return pageAt(s.buckets, token), nil
}

func (s *scriptedSource) Functions(ctx context.Context, region, token string) (discovery.Page[Function], error) {
	s.calls["functions/"+region]++
	if err := s.errs["functions/"+region]; err != nil {
		return discovery.Page[Function]{}, err
	}
	return pageAt(s.functions[region], token), nil
}

func (s *scriptedSource) Topics(ctx context.Context, token string) (discovery.Page[Topic], error) {
	s.calls["topics"]++
	if err := s.errs["topics"]; err != nil {
		return discovery.Page[Topic]{}, err
	}
	return pageAt(s.topics, token), nil
}

func (s *scriptedSource) ServiceAccounts(ctx context.Context, token string) (discovery.Page[ServiceAccount], error) {
	s.calls["accounts"]++
	if err := s.errs["accounts"]; err != nil {
		return discovery.Page[ServiceAccount]{}, err
	}
	return pageAt(s.accounts, token), nil
}

func testAccount(types ...graph.ResourceType) discovery.Account {
	return discovery.Account{
		CloudAccount: tenant.CloudAccount{
			ID:              "p1",
			Provider:        graph.ProviderGCP,
			NativeAccountID: "acme-prod",
			TenantID:        "t1",
			Regions:         []string{"us-central1"},
		},
		ResourceTypes: types,
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: 0.1}
}

func TestDiscoverInstances(t *testing.T) {
	src := newScriptedSource()
	src.instances["us-central1"] = []discovery.Page[Instance]{{
		Items: []Instance{{
			Name:                "web-1",
			Zone:                "us-central1-a",
			Status:              "RUNNING",
			MachineType:         "e2-medium",
			SubnetworkPath:      "projects/acme-prod/regions/us-central1/subnetworks/app",
			ServiceAccountEmail: "web@acme-prod.iam.gserviceaccount.com",
			Labels:              map[string]string{"team": "payments"},
		}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeCompute))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	n := res.Nodes[0]
	assert.Equal(t, "web-1", n.NativeID)
	assert.Equal(t, "us-central1", n.Region)
	assert.Equal(t, graph.StatusRunning, n.Status)
	assert.Equal(t, "us-central1-a", n.Metadata["zone"])
	assert.Equal(t, "payments", n.Owner)
	require.NotNil(t, n.CostMonthly)
	assert.InDelta(t, 0.0335*730, *n.CostMonthly, 1)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, graph.RelUses, res.Edges[0].Type)
	assert.Equal(t, "web@acme-prod.iam.gserviceaccount.com", res.Edges[0].TargetNativeID)
}

func TestDiscoverSQLReplication(t *testing.T) {
	src := newScriptedSource()
	src.sql = []discovery.Page[SQLInstance]{{
		Items: []SQLInstance{
			{Name: "orders-primary", Region: "us-central1", State: "RUNNABLE", Tier: "db-g1-small"},
			{Name: "orders-replica", Region: "us-central1", State: "RUNNABLE", Tier: "db-g1-small", ReplicaSourceName: "orders-primary"},
		},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeDatabase))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	require.Len(t, res.Edges, 1)
	e := res.Edges[0]
	assert.Equal(t, graph.RelReplicatesTo, e.Type)
	assert.Equal(t, "orders-primary", e.SourceNativeID)
	assert.Equal(t, "orders-replica", e.TargetNativeID)
}

func TestDiscoverFunctionTrigger(t *testing.T) {
	src := newScriptedSource()
	src.functions["us-central1"] = []discovery.Page[Function]{{
		Items: []Function{{
			Name:         "process-orders",
			Region:       "us-central1",
			State:        "ACTIVE",
			Runtime:      "go122",
			TriggerTopic: "orders",
		}},
	}}
	src.topics = []discovery.Page[Topic]{{
		Items: []Topic{{Name: "orders"}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeFunction, graph.TypeTopic))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	require.Len(t, res.Edges, 1)
	e := res.Edges[0]
	assert.Equal(t, graph.RelTriggers, e.Type)
	assert.Equal(t, "orders", e.SourceNativeID)
	assert.Equal(t, "process-orders", e.TargetNativeID)
}

func TestDiscoverPagination(t *testing.T) {
	src := newScriptedSource()
	src.buckets = []discovery.Page[Bucket]{
		{Items: []Bucket{{Name: "assets", Location: "US-CENTRAL1"}}, Next: "p2"},
		{Items: []Bucket{{Name: "logs", Location: ""}}},
	}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeStorage))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	assert.Equal(t, "us-central1", res.Nodes[0].Region)
	assert.Equal(t, graph.RegionGlobal, res.Nodes[1].Region)
	assert.Equal(t, 2, src.calls["buckets"])
}

func TestDiscoverClassFailureIsScoped(t *testing.T) {
	src := newScriptedSource()
	src.errs["sql"] = faults.New(faults.CategoryPermission, "forbidden", "cloudsql denied")
	src.accounts = []discovery.Page[ServiceAccount]{{
		Items: []ServiceAccount{{Email: "svc@acme-prod.iam.gserviceaccount.com", Disabled: true}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeDatabase, graph.TypeIdentity))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, graph.StatusStopped, res.Nodes[0].Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "sql:instances", res.Errors[0].Scope)
	assert.Equal(t, faults.CategoryPermission, res.Errors[0].Category)
	assert.Equal(t, 1, src.calls["sql"], "permission faults are not retried")
}

package aws

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

// scriptedSource returns canned pages per resource class and records
// how often each was asked for.
type scriptedSource struct {
	instances     map[string][]discovery.Page[Instance]
	databases     map[string][]discovery.Page[Database]
	buckets       []discovery.Page[Bucket]
	functions     map[string][]discovery.Page[Function]
	loadBalancers map[string][]discovery.Page[LoadBalancer]
	roles         []discovery.Page[Role]
	queues        map[string][]discovery.Page[Queue]

	errs  map[string]error
	calls map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		instances:     map[string][]discovery.Page[Instance]{},
		databases:     map[string][]discovery.Page[Database]{},
		functions:     map[string][]discovery.Page[Function]{},
		loadBalancers: map[string][]discovery.Page[LoadBalancer]{},
		queues:        map[string][]discovery.Page[Queue]{},
		errs:          map[string]error{},
		calls:         map[string]int{},
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

func (s *scriptedSource) Databases(ctx context.Context, region, token string) (discovery.Page[Database], error) {
	s.calls["databases/"+region]++
	if err := s.errs["databases/"+region]; err != nil {
		return discovery.Page[Database]{}, err
	}
	return pageAt(s.databases[region], token), nil
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

func (s *scriptedSource) LoadBalancers(ctx context.Context, region, token string) (discovery.Page[LoadBalancer], error) {
	s.calls["loadbalancers/"+region]++
	if err := s.errs["loadbalancers/"+region]; err != nil {
		return discovery.Page[LoadBalancer]{}, err
	}
	return pageAt(s.loadBalancers[region], token), nil
}

func (s *scriptedSource) Roles(ctx context.Context, token string) (discovery.Page[Role], error) {
	s.calls["roles"]++
	if err := s.errs["roles"]; err != nil {
		return discovery.Page[Role]{}, err
	}
	return pageAt(s.roles, token), nil
}

func (s *scriptedSource) Queues(ctx context.Context, region, token string) (discovery.Page[Queue], error) {
	s.calls["queues/"+region]++
	if err := s.errs["queues/"+region]; err != nil {
		return discovery.Page[Queue]{}, err
	}
	return pageAt(s.queues[region], token), nil
}

func testAccount(types ...graph.ResourceType) discovery.Account {
	return discovery.Account{
		CloudAccount: tenant.CloudAccount{
			ID:              "a1",
			Provider:        graph.ProviderAWS,
			NativeAccountID: "111111111111",
			TenantID:        "t1",
			Regions:         []string{"us-east-1"},
		},
		ResourceTypes: types,
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: 0.1}
}

func TestDiscoverInstances(t *testing.T) {
	src := newScriptedSource()
	launched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.instances["us-east-1"] = []discovery.Page[Instance]{{
		Items: []Instance{{
			InstanceID:       "i-0abc",
			State:            "running",
			InstanceType:     "t3.medium",
			SubnetID:         "subnet-1",
			VPCID:            "vpc-1",
			SecurityGroupIDs: []string{"sg-1", "sg-2"},
			Tags:             map[string]string{"Name": "web-1", "team": "payments"},
			LaunchedAt:       &launched,
		}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeCompute))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	n := res.Nodes[0]
	assert.Equal(t, "i-0abc", n.NativeID)
	assert.Equal(t, "web-1", n.Name)
	assert.Equal(t, graph.TypeCompute, n.ResourceType)
	assert.Equal(t, graph.StatusRunning, n.Status)
	assert.Equal(t, "payments", n.Owner)
	assert.Equal(t, "subnet-1", n.Metadata["subnetId"])
	assert.Equal(t, []string{"sg-1", "sg-2"}, n.Metadata["securityGroupIds"])
	require.NotNil(t, n.CostMonthly)
	assert.Greater(t, *n.CostMonthly, 0.0)
	assert.Equal(t, &launched, n.CreatedAt)

	// Only the requested class was listed.
	assert.Equal(t, 1, src.calls["instances/us-east-1"])
	assert.Zero(t, src.calls["databases/us-east-1"])
	assert.Zero(t, src.calls["buckets"])
}

func TestDiscoverPagination(t *testing.T) {
	src := newScriptedSource()
	src.instances["us-east-1"] = []discovery.Page[Instance]{
		{Items: []Instance{{InstanceID: "i-1", State: "running"}}, Next: "p2"},
		{Items: []Instance{{InstanceID: "i-2", State: "stopped"}}},
	}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeCompute))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)
	assert.Equal(t, "i-1", res.Nodes[0].NativeID)
	assert.Equal(t, graph.StatusStopped, res.Nodes[1].Status)
	assert.Equal(t, 2, src.calls["instances/us-east-1"])
}

func TestDiscoverClassFailureIsScoped(t *testing.T) {
	src := newScriptedSource()
	src.errs["databases/us-east-1"] = faults.New(faults.CategoryPermission, "AccessDenied", "rds denied")
	src.instances["us-east-1"] = []discovery.Page[Instance]{{
		Items: []Instance{{InstanceID: "i-1", State: "running"}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeCompute, graph.TypeDatabase))
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 1, "the healthy class still lands")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, faults.CategoryPermission, res.Errors[0].Category)
	assert.Equal(t, "rds:instances/us-east-1", res.Errors[0].Scope)

	// Permission faults are terminal: one attempt, no retry.
	assert.Equal(t, 1, src.calls["databases/us-east-1"])
}

func TestDiscoverEdgesFromEvidence(t *testing.T) {
	src := newScriptedSource()
	src.functions["us-east-1"] = []discovery.Page[Function]{{
		Items: []Function{{
			Name:            "checkout",
			ARN:             "arn:aws:lambda:us-east-1:111111111111:function:checkout",
			State:           "Active",
			RoleARN:         "arn:aws:iam::111111111111:role/checkout-role",
			EventSourceARNs: []string{"arn:aws:sqs:us-east-1:111111111111:orders"},
		}},
	}}
	src.queues["us-east-1"] = []discovery.Page[Queue]{{
		Items: []Queue{{Name: "orders", ARN: "arn:aws:sqs:us-east-1:111111111111:orders"}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeFunction, graph.TypeQueue))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)

	var uses, triggers bool
	for _, e := range res.Edges {
		switch e.Type {
		case graph.RelUses:
			uses = true
			assert.Equal(t, "checkout", e.SourceNativeID)
			assert.Equal(t, "checkout-role", e.TargetNativeID)
		case graph.RelTriggers:
			triggers = true
			assert.Equal(t, "orders", e.SourceNativeID)
			assert.Equal(t, "checkout", e.TargetNativeID)
		}
	}
	assert.True(t, uses, "function -> role edge")
	assert.True(t, triggers, "queue -> function edge")
}

func TestDiscoverGlobalClasses(t *testing.T) {
	src := newScriptedSource()
	src.roles = []discovery.Page[Role]{{
		Items: []Role{{
			Name:              "cross-role",
			ARN:               "arn:aws:iam::111111111111:role/cross-role",
			TrustedAccountIDs: []string{"222222222222"},
		}},
	}}
	src.buckets = []discovery.Page[Bucket]{{
		Items: []Bucket{{Name: "assets", Region: "us-east-1"}},
	}}

	adapter, err := New(Config{Source: src, Retry: fastPolicy()})
	require.NoError(t, err)

	// Roles and buckets are account-scoped: discovered even though the
	// region list is what drives the regional classes.
	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeIdentity, graph.TypeStorage))
	require.NoError(t, err)
	require.Len(t, res.Nodes, 2)

	var role *discovery.NodeInput
	for i := range res.Nodes {
		if res.Nodes[i].ResourceType == graph.TypeIdentity {
			role = &res.Nodes[i]
		}
	}
	require.NotNil(t, role)
	assert.Equal(t, graph.RegionGlobal, role.Region)
	assert.Equal(t, []string{"222222222222"}, role.Metadata["trustedAccountIds"])
}

func TestDiscoverRetriesThrottle(t *testing.T) {
	src := newScriptedSource()
	attempts := 0
	throttling := faults.New(faults.CategoryThrottle, "ThrottlingException", "slow down")
	src.instances["us-east-1"] = []discovery.Page[Instance]{{
		Items: []Instance{{InstanceID: "i-1", State: "running"}},
	}}
	// Wrap the source: first call throttles, second succeeds.
	flaky := &flakySource{Source: src, failures: 1, err: throttling, attempts: &attempts}

	adapter, err := New(Config{Source: flaky, Retry: retry.Policy{
		Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Jitter: 0.1,
	}})
	require.NoError(t, err)

	res, err := adapter.Discover(context.Background(), testAccount(graph.TypeCompute))
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 1)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, attempts)
}

// flakySource fails the first n instance listings, then delegates.
type flakySource struct {
	Source
	failures int
	err      error
	attempts *int
}

func (f *flakySource) Instances(ctx context.Context, region, token string) (discovery.Page[Instance], error) {
	*f.attempts++
	if f.failures > 0 {
		f.failures--
		return discovery.Page[Instance]{}, f.err
	}
	return f.Source.Instances(ctx, region, token)
}

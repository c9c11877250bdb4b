package discovery

import (
	"context"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/graph"
)

func TestAccountWantsType(t *testing.T) {
	unrestricted := Account{}
	assert.True(t, unrestricted.WantsType(graph.TypeCompute))
	assert.True(t, unrestricted.WantsType(graph.TypeQueue))

	light := Account{ResourceTypes: []graph.ResourceType{graph.TypeCompute, graph.TypeDatabase}}
	assert.True(t, light.WantsType(graph.TypeCompute))
	assert.False(t, light.WantsType(graph.TypeQueue))
}

func TestCollector(t *testing.T) {
	c := NewCollector("aws")

	c.AddNode(NodeInput{NativeID: "i-1", ResourceType: graph.TypeCompute})
	c.AddNode(NodeInput{
		NativeID:     "i-2",
		ResourceType: graph.TypeCompute,
		Metadata:     map[string]any{MetadataKeySource: "custom-origin"},
	})
	c.AddEdge(EdgeInput{SourceNativeID: "i-1", TargetNativeID: "i-2", Type: graph.RelConnectsTo})
	c.Fail("ec2:instances", &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"})
	c.Fail("rds:instances", nil)

	res := c.Result()
	require.Len(t, res.Nodes, 2)
	assert.Equal(t, "aws", res.Nodes[0].Metadata[MetadataKeySource])
	assert.Equal(t, "custom-origin", res.Nodes[1].Metadata[MetadataKeySource], "an explicit source is kept")

	require.Len(t, res.Edges, 1)

	require.Len(t, res.Errors, 1, "nil errors are ignored")
	assert.Equal(t, "ec2:instances", res.Errors[0].Scope)
	assert.Equal(t, faults.CategoryPermission, res.Errors[0].Category)
}

type staticAdapter struct {
	provider graph.Provider
}

func (s staticAdapter) Provider() graph.Provider { return s.provider }
func (s staticAdapter) Discover(ctx context.Context, account Account) (*Result, error) {
	return &Result{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(staticAdapter{provider: graph.ProviderAWS}))
	require.NoError(t, r.Register(staticAdapter{provider: graph.ProviderAzure}))

	t.Run("duplicate provider rejected", func(t *testing.T) {
		err := r.Register(staticAdapter{provider: graph.ProviderAWS})
		require.Error(t, err)
	})

	t.Run("nil and anonymous adapters rejected", func(t *testing.T) {
		require.Error(t, r.Register(nil))
		require.Error(t, r.Register(staticAdapter{}))
	})

	t.Run("lookup", func(t *testing.T) {
		a, ok := r.Get(graph.ProviderAWS)
		require.True(t, ok)
		assert.Equal(t, graph.ProviderAWS, a.Provider())

		_, ok = r.Get(graph.ProviderGCP)
		assert.False(t, ok)
	})

	t.Run("providers sorted", func(t *testing.T) {
		assert.Equal(t, []graph.Provider{graph.ProviderAWS, graph.ProviderAzure}, r.Providers())
	})
}

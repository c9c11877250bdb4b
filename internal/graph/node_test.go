package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestNodeID(t *testing.T) {
	t.Run("composes identity fields in order", func(t *testing.T) {
		id := NodeID(ProviderAWS, "111111111111", "us-east-1", TypeCompute, "i-abc")
		assert.Equal(t, "aws:111111111111:us-east-1:compute:i-abc", id)
	})

	t.Run("native ids containing separators stay unambiguous", func(t *testing.T) {
		arn := "arn:aws:iam::111111111111:role/app-role"
		id := NodeID(ProviderAWS, "111111111111", "global", TypeIdentity, arn)
		assert.Equal(t, "aws:111111111111:global:identity:"+arn, id)
	})
}

func TestNodeComputeID(t *testing.T) {
	n := &Node{
		NativeID:     "i-abc",
		Provider:     ProviderAWS,
		Account:      "111111111111",
		Region:       "us-east-1",
		ResourceType: TypeCompute,
	}
	id := n.ComputeID()
	assert.Equal(t, "aws:111111111111:us-east-1:compute:i-abc", id)

	// Recomputing from a fully populated node yields the same value.
	n.ID = id
	assert.Equal(t, id, n.ComputeID())
	assert.NoError(t, n.Validate())
}

func TestNodeValidate(t *testing.T) {
	valid := func() *Node {
		return &Node{
			NativeID:     "i-abc",
			Provider:     ProviderAWS,
			Account:      "111111111111",
			Region:       "us-east-1",
			ResourceType: TypeCompute,
		}
	}

	t.Run("valid node passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing identity fields fail", func(t *testing.T) {
		n := valid()
		n.NativeID = ""
		assert.Error(t, n.Validate())

		n = valid()
		n.Account = ""
		assert.Error(t, n.Validate())

		n = valid()
		n.Region = ""
		assert.Error(t, n.Validate())
	})

	t.Run("negative cost fails", func(t *testing.T) {
		n := valid()
		n.CostMonthly = ptr.To(-1.0)
		assert.Error(t, n.Validate())
	})

	t.Run("id mismatch fails", func(t *testing.T) {
		n := valid()
		n.ID = "aws:other:us-east-1:compute:i-abc"
		assert.Error(t, n.Validate())
	})
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusRunning, ParseStatus("running"))
	assert.Equal(t, StatusRunning, ParseStatus("RUNNING"))
	assert.Equal(t, StatusStopped, ParseStatus("stopped"))
	assert.Equal(t, StatusError, ParseStatus("error"))
	assert.Equal(t, StatusUnknown, ParseStatus("pending"))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}

func TestProviderValid(t *testing.T) {
	assert.True(t, ProviderAWS.Valid())
	assert.True(t, ProviderKubernetes.Valid())
	assert.False(t, Provider("digitalocean").Valid())
}

func TestNodeClone(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	n := &Node{
		NativeID:     "i-abc",
		Provider:     ProviderAWS,
		Account:      "111111111111",
		Region:       "us-east-1",
		ResourceType: TypeCompute,
		Tags:         map[string]string{"env": "prod"},
		Metadata:     map[string]any{"vpcId": "vpc-1", "nested": map[string]any{"a": 1.0}},
		CostMonthly:  ptr.To(100.0),
		CreatedAt:    &created,
	}

	c := n.Clone()
	require.Equal(t, n, c)

	c.Tags["env"] = "dev"
	c.Metadata["vpcId"] = "vpc-2"
	c.Metadata["nested"].(map[string]any)["a"] = 2.0
	*c.CostMonthly = 50

	assert.Equal(t, "prod", n.Tags["env"])
	assert.Equal(t, "vpc-1", n.Metadata["vpcId"])
	assert.Equal(t, 1.0, n.Metadata["nested"].(map[string]any)["a"])
	assert.Equal(t, 100.0, *n.CostMonthly)
}

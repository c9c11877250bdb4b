package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestFormatValue(t *testing.T) {
	t.Run("numbers use minimal decimal form", func(t *testing.T) {
		assert.Equal(t, "100", FormatValue(100.0))
		assert.Equal(t, "120.5", FormatValue(120.5))
		assert.Equal(t, "100", FormatValue(ptr.To(100.0)))
	})

	t.Run("nil renders empty", func(t *testing.T) {
		assert.Equal(t, "", FormatValue(nil))
		assert.Equal(t, "", FormatValue((*float64)(nil)))
	})

	t.Run("times render RFC3339 UTC", func(t *testing.T) {
		ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
		assert.Equal(t, "2024-03-01T09:00:00Z", FormatValue(ts))
	})

	t.Run("maps render as JSON with sorted keys", func(t *testing.T) {
		v := map[string]any{"b": 2.0, "a": "one"}
		assert.Equal(t, `{"a":"one","b":2}`, FormatValue(v))
	})
}

func TestDiffNodes(t *testing.T) {
	base := func() *Node {
		return &Node{
			NativeID:     "i-abc",
			Provider:     ProviderAWS,
			Account:      "111111111111",
			Region:       "us-east-1",
			ResourceType: TypeCompute,
			Name:         "web-1",
			Status:       StatusRunning,
			Tags:         map[string]string{"env": "prod"},
			CostMonthly:  ptr.To(100.0),
		}
	}

	t.Run("identical nodes produce no changes", func(t *testing.T) {
		assert.Empty(t, DiffNodes(base(), base()))
	})

	t.Run("cost change carries stringified values", func(t *testing.T) {
		updated := base()
		updated.CostMonthly = ptr.To(120.0)

		changes := DiffNodes(base(), updated)
		require.Len(t, changes, 1)
		assert.Equal(t, "costMonthly", changes[0].Field)
		assert.Equal(t, "100", changes[0].Previous)
		assert.Equal(t, "120", changes[0].New)
	})

	t.Run("one change per differing field", func(t *testing.T) {
		updated := base()
		updated.Name = "web-2"
		updated.Status = StatusStopped
		updated.Tags = map[string]string{"env": "staging"}

		changes := DiffNodes(base(), updated)
		require.Len(t, changes, 3)
		fields := []string{changes[0].Field, changes[1].Field, changes[2].Field}
		assert.Equal(t, []string{"name", "status", "tags"}, fields)
	})

	t.Run("empty and nil maps are equivalent", func(t *testing.T) {
		a := base()
		a.Tags = nil
		b := base()
		b.Tags = map[string]string{}
		assert.Empty(t, DiffNodes(a, b))
	})
}

func TestSortChangesNewestFirst(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []ChangeRecord{
		{ID: "1", DetectedAt: t0},
		{ID: "3", DetectedAt: t0.Add(2 * time.Minute)},
		{ID: "2", DetectedAt: t0.Add(time.Minute)},
	}
	SortChangesNewestFirst(records)
	assert.Equal(t, []string{"3", "2", "1"}, []string{records[0].ID, records[1].ID, records[2].ID})
}

func TestHashNodeAttributes(t *testing.T) {
	base := &Node{
		NativeID: "i-abc", Provider: ProviderAWS, Account: "1", Region: "r",
		ResourceType: TypeCompute, Name: "web", Status: StatusRunning,
		Metadata: map[string]any{"vpcId": "vpc-1"},
	}

	h1, err := HashNodeAttributes(base)
	require.NoError(t, err)

	same := base.Clone()
	same.LastSeenAt = time.Now() // graph-internal fields do not participate
	h2, err := HashNodeAttributes(same)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	changed := base.Clone()
	changed.Metadata["vpcId"] = "vpc-2"
	h3, err := HashNodeAttributes(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

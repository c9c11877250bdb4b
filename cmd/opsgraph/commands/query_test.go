package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/graph"
)

func TestParseDirection(t *testing.T) {
	cases := map[string]graph.Direction{
		"up":         graph.DirectionUpstream,
		"upstream":   graph.DirectionUpstream,
		"down":       graph.DirectionDownstream,
		"DOWNSTREAM": graph.DirectionDownstream,
		"both":       graph.DirectionBoth,
	}
	for in, want := range cases {
		got, err := parseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseDirection("sideways")
	assert.Error(t, err)
}

func TestParseSince(t *testing.T) {
	ts, err := parseSince("2026-08-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, 8, int(ts.Month()))

	relative, err := parseSince("2 days ago")
	require.NoError(t, err)
	assert.False(t, relative.IsZero())

	_, err = parseSince("not a time at all zzz")
	assert.Error(t, err)
}

func TestBuildNodeFilter(t *testing.T) {
	reset := func() {
		filterProviders = nil
		filterAccounts = nil
		filterRegions = nil
		filterTypes = nil
		filterStatuses = nil
		filterTags = nil
		filterName = ""
		filterLimit = 0
	}
	reset()
	t.Cleanup(reset)

	assert.Nil(t, buildNodeFilter(), "no flags means no filter")

	filterProviders = []string{"aws"}
	filterTags = []string{"team=storefront", "malformed"}
	filterName = "web"
	filterLimit = 5

	f := buildNodeFilter()
	require.NotNil(t, f)
	assert.Equal(t, []graph.Provider{graph.ProviderAWS}, f.Providers)
	assert.Equal(t, map[string]string{"team": "storefront"}, f.Tags)
	assert.Equal(t, "web", f.NameContains)
	assert.Equal(t, 5, f.Limit)
}

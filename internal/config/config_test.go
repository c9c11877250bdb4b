package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StorageEmbedded, cfg.Storage.Type)
	assert.Equal(t, 15, cfg.Sync.IntervalMinutes)
	assert.Equal(t, 2, cfg.Sync.DisappearanceGraceSyncs)
	assert.Equal(t, tenant.IsolationDatabase, cfg.Tenancy.Isolation)
	assert.Equal(t, "accounts.yaml", cfg.AccountsFile)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
storage:
  type: falkordb
  connection: localhost:6379
sync:
  intervalMinutes: 5
  disappearanceGraceSyncs: 3
adapters: [aws, kubernetes]
tenancy:
  isolation: shared
metricsPort: 9999
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorageFalkorDB, cfg.Storage.Type)
	assert.Equal(t, "localhost:6379", cfg.Storage.Connection)
	assert.Equal(t, 5, cfg.Sync.IntervalMinutes)
	assert.Equal(t, 3, cfg.Sync.DisappearanceGraceSyncs)
	assert.Equal(t, 6, cfg.Sync.FullSyncIntervalHours, "untouched keys keep defaults")
	assert.Equal(t, tenant.IsolationShared, cfg.Tenancy.Isolation)
	assert.Equal(t, 9999, cfg.MetricsPort)

	assert.True(t, cfg.AdapterEnabled(graph.ProviderAWS))
	assert.True(t, cfg.AdapterEnabled(graph.ProviderKubernetes))
	assert.False(t, cfg.AdapterEnabled(graph.ProviderAzure))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown storage type", func(c *Config) { c.Storage.Type = "postgres" }, "storage.type"},
		{"empty connection", func(c *Config) { c.Storage.Connection = "" }, "storage.connection"},
		{"zero interval", func(c *Config) { c.Sync.IntervalMinutes = 0 }, "sync.intervalMinutes"},
		{"zero grace", func(c *Config) { c.Sync.DisappearanceGraceSyncs = 0 }, "sync.disappearanceGraceSyncs"},
		{"zero concurrency", func(c *Config) { c.Sync.AccountConcurrency = 0 }, "sync.accountConcurrency"},
		{"unknown adapter", func(c *Config) { c.Adapters = []string{"oracle"} }, "adapters"},
		{"unknown isolation", func(c *Config) { c.Tenancy.Isolation = "perNode" }, "tenancy.isolation"},
		{"negative limits", func(c *Config) { c.Tenancy.MaxNodes = -1 }, "tenancy"},
		{"bad port", func(c *Config) { c.MetricsPort = 70000 }, "metricsPort"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, Default().Validate())
	})
}

func TestAdapterEnabledEmptyMeansAll(t *testing.T) {
	cfg := Default()
	for _, p := range []graph.Provider{graph.ProviderAWS, graph.ProviderAzure, graph.ProviderGCP, graph.ProviderKubernetes} {
		assert.True(t, cfg.AdapterEnabled(p))
	}
}

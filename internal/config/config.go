// Package config loads the main configuration file and the accounts
// file, and hot-reloads the latter. The main config is read once at
// startup; only the accounts file is watched.
package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

// StorageType selects the backing store.
type StorageType string

const (
	// StorageEmbedded is the bbolt file store.
	StorageEmbedded StorageType = "embedded"
	// StorageRelational is the SQLite store.
	StorageRelational StorageType = "relational"
	// StorageFalkorDB is the property-graph store.
	StorageFalkorDB StorageType = "falkordb"
)

// Valid reports whether the storage type is known.
func (t StorageType) Valid() bool {
	switch t {
	case StorageEmbedded, StorageRelational, StorageFalkorDB:
		return true
	}
	return false
}

// StorageConfig selects and parameterizes the backend.
type StorageConfig struct {
	Type StorageType `yaml:"type"`
	// Connection is a directory for the file-backed stores and a
	// host:port address for falkordb.
	Connection string `yaml:"connection"`
	Password   string `yaml:"password,omitempty"`
}

// SyncConfig tunes the scheduler loops and reconciliation.
type SyncConfig struct {
	IntervalMinutes         int  `yaml:"intervalMinutes"`
	FullSyncIntervalHours   int  `yaml:"fullSyncIntervalHours"`
	EnableDriftDetection    bool `yaml:"enableDriftDetection"`
	DisappearanceGraceSyncs int  `yaml:"disappearanceGraceSyncs"`
	// AccountConcurrency caps parallel account discovery within one
	// tenant sync.
	AccountConcurrency int `yaml:"accountConcurrency"`
}

// TenancyConfig carries the default tenant limits and the isolation
// mode.
type TenancyConfig struct {
	MaxAccounts int              `yaml:"maxAccounts"`
	MaxNodes    int              `yaml:"maxNodes"`
	Isolation   tenant.Isolation `yaml:"isolation"`
}

// TracingConfig enables the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	CAFile   string `yaml:"caFile,omitempty"`
}

// Config is the full configuration surface.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	// Adapters lists the enabled providers; empty enables all.
	Adapters     []string      `yaml:"adapters"`
	Tenancy      TenancyConfig `yaml:"tenancy"`
	AccountsFile string        `yaml:"accountsFile"`
	LogLevel     string        `yaml:"logLevel"`
	MetricsPort  int           `yaml:"metricsPort"`
	Tracing      TracingConfig `yaml:"tracing"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:       StorageEmbedded,
			Connection: "./data",
		},
		Sync: SyncConfig{
			IntervalMinutes:         15,
			FullSyncIntervalHours:   6,
			EnableDriftDetection:    true,
			DisappearanceGraceSyncs: 2,
			AccountConcurrency:      4,
		},
		Tenancy: TenancyConfig{
			Isolation: tenant.IsolationDatabase,
		},
		AccountsFile: "accounts.yaml",
		LogLevel:     "info",
		MetricsPort:  9090,
	}
}

// Load reads the config file over the defaults and validates the
// result. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
		if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
			return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and enum membership.
func (c *Config) Validate() error {
	if !c.Storage.Type.Valid() {
		return &ConfigError{Field: "storage.type", Message: fmt.Sprintf("unknown storage type %q", c.Storage.Type)}
	}
	if c.Storage.Connection == "" {
		return &ConfigError{Field: "storage.connection", Message: "must not be empty"}
	}
	if c.Sync.IntervalMinutes < 1 {
		return &ConfigError{Field: "sync.intervalMinutes", Message: "must be at least 1"}
	}
	if c.Sync.FullSyncIntervalHours < 1 {
		return &ConfigError{Field: "sync.fullSyncIntervalHours", Message: "must be at least 1"}
	}
	if c.Sync.DisappearanceGraceSyncs < 1 {
		return &ConfigError{Field: "sync.disappearanceGraceSyncs", Message: "must be at least 1"}
	}
	if c.Sync.AccountConcurrency < 1 {
		return &ConfigError{Field: "sync.accountConcurrency", Message: "must be at least 1"}
	}
	for _, a := range c.Adapters {
		if !graph.Provider(a).Valid() {
			return &ConfigError{Field: "adapters", Message: fmt.Sprintf("unknown provider %q", a)}
		}
	}
	if c.Tenancy.Isolation != "" && !c.Tenancy.Isolation.Valid() {
		return &ConfigError{Field: "tenancy.isolation", Message: fmt.Sprintf("unknown isolation mode %q", c.Tenancy.Isolation)}
	}
	if c.Tenancy.MaxAccounts < 0 || c.Tenancy.MaxNodes < 0 {
		return &ConfigError{Field: "tenancy", Message: "limits must not be negative"}
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return &ConfigError{Field: "metricsPort", Message: "must be between 0 and 65535"}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return &ConfigError{Field: "tracing.endpoint", Message: "must be set when tracing is enabled"}
	}
	return nil
}

// AdapterEnabled reports whether the provider should be wired. An
// empty adapters list enables everything.
func (c *Config) AdapterEnabled(p graph.Provider) bool {
	if len(c.Adapters) == 0 {
		return true
	}
	for _, a := range c.Adapters {
		if graph.Provider(a) == p {
			return true
		}
	}
	return false
}

// ConfigError is a field-level validation failure.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

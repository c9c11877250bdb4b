package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/opsgraph/opsgraph/internal/config"
	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/discovery/kubernetes"
	"github.com/opsgraph/opsgraph/internal/engine"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/metrics"
	"github.com/opsgraph/opsgraph/internal/storage"
	"github.com/opsgraph/opsgraph/internal/storage/bolt"
	"github.com/opsgraph/opsgraph/internal/storage/falkor"
	"github.com/opsgraph/opsgraph/internal/storage/sqlite"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

// app is the wired application core shared by the one-shot commands
// and the server.
type app struct {
	cfg      *config.Config
	registry *tenant.Registry
	manager  *tenant.Manager
	adapters *discovery.Registry
	engine   *engine.Engine
	logger   *logging.Logger
}

// buildApp loads the config and accounts file and wires registry,
// tenant manager, adapters and engine.
func buildApp(m *metrics.Metrics) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	registry := tenant.NewRegistry()
	accounts, err := config.LoadAccountsFile(cfg.AccountsFile)
	if err != nil {
		return nil, err
	}
	if err := accounts.Apply(registry); err != nil {
		return nil, err
	}

	return buildAppWith(cfg, registry, m)
}

// buildAppWith wires the core over an already populated registry.
func buildAppWith(cfg *config.Config, registry *tenant.Registry, m *metrics.Metrics) (*app, error) {
	manager, err := tenant.NewManager(registry, tenant.ManagerConfig{
		Isolation: cfg.Tenancy.Isolation,
		Factory:   storageFactory(cfg),
	})
	if err != nil {
		return nil, err
	}

	adapters := discovery.NewRegistry()
	logger := logging.GetLogger("cli")
	if err := registerAdapters(cfg, registry, adapters, logger); err != nil {
		manager.Close()
		return nil, err
	}

	eng, err := engine.New(manager, adapters, engine.Config{
		AccountConcurrency: cfg.Sync.AccountConcurrency,
		Metrics:            m,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		adapters: adapters,
		engine:   eng,
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("failed to close storage: %v", err)
	}
}

// storageFactory builds per-tenant stores from the configured backend.
// The tenant id is empty in shared isolation.
func storageFactory(cfg *config.Config) tenant.StorageFactory {
	grace := cfg.Sync.DisappearanceGraceSyncs
	return func(tenantID string) (storage.Storage, error) {
		name := tenantID
		if name == "" {
			name = "graph"
		}
		switch cfg.Storage.Type {
		case config.StorageEmbedded:
			if err := os.MkdirAll(cfg.Storage.Connection, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			return bolt.New(filepath.Join(cfg.Storage.Connection, name+".db"), grace), nil
		case config.StorageRelational:
			if err := os.MkdirAll(cfg.Storage.Connection, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			return sqlite.New(filepath.Join(cfg.Storage.Connection, name+".db"), grace), nil
		case config.StorageFalkorDB:
			return falkor.New(falkor.Config{
				Addr:      cfg.Storage.Connection,
				Password:  cfg.Storage.Password,
				GraphName: "opsgraph-" + name,
				Grace:     grace,
			}), nil
		}
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// registerAdapters wires the adapters that can be built from local
// credentials. The cloud adapters are source-driven; accounts of a
// provider without a registered adapter surface as per-account sync
// errors, not startup failures.
func registerAdapters(cfg *config.Config, registry *tenant.Registry, adapters *discovery.Registry, logger *logging.Logger) error {
	if cfg.AdapterEnabled(graph.ProviderKubernetes) {
		accounts := registry.ListAccounts(tenant.AccountFilter{
			Provider:    graph.ProviderKubernetes,
			EnabledOnly: true,
		})
		if len(accounts) > 0 {
			adapter, err := kubernetesAdapter(accounts[0])
			if err != nil {
				logger.Warn("kubernetes adapter unavailable: %v", err)
			} else if err := adapters.Register(adapter); err != nil {
				return err
			}
		}
	}

	for _, p := range []graph.Provider{graph.ProviderAWS, graph.ProviderAzure, graph.ProviderGCP} {
		if !cfg.AdapterEnabled(p) {
			continue
		}
		if _, ok := adapters.Get(p); ok {
			continue
		}
		n := len(registry.ListAccounts(tenant.AccountFilter{Provider: p, EnabledOnly: true}))
		if n > 0 {
			logger.Warn("%d %s accounts configured but no %s source is compiled in; their syncs will report adapter errors", n, p, p)
		}
	}
	return nil
}

// kubernetesAdapter builds the cluster adapter from the account's
// kubeconfig reference, falling back to the ambient loading rules.
func kubernetesAdapter(account *tenant.CloudAccount) (discovery.Adapter, error) {
	loading := clientcmd.NewDefaultClientConfigLoadingRules()
	if account.Auth.Kubeconfig != "" {
		loading.ExplicitPath = account.Auth.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{}
	if account.Auth.Context != "" {
		overrides.CurrentContext = account.Auth.Context
	}

	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig for account %s: %w", account.ID, err)
	}
	client, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client: %w", err)
	}
	return kubernetes.New(kubernetes.Config{Client: client})
}

// printJSON writes the result the way every query command does.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

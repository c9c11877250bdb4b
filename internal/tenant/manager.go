package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/storage"
)

// ErrNotFound is returned for unknown tenant or account ids.
var ErrNotFound = errors.New("not registered")

// ErrInactive is returned when a deactivated tenant is asked for
// storage. Deactivation blocks syncs and queries without destroying
// data.
var ErrInactive = errors.New("tenant is not active")

// Isolation selects how tenants share (or do not share) backing
// storage. The factory receives the tenant id and realizes the variant;
// the manager only decides how handles are cached and what a delete
// destroys.
type Isolation string

const (
	// IsolationSchema gives every tenant its own table prefix inside one
	// relational database.
	IsolationSchema Isolation = "schema"
	// IsolationDatabase gives every tenant its own database file or DSN.
	// This is the default.
	IsolationDatabase Isolation = "database"
	// IsolationPrefix gives every tenant its own key prefix inside one
	// embedded store.
	IsolationPrefix Isolation = "prefix"
	// IsolationShared runs all tenants on a single storage handle. Meant
	// for tests and single-tenant setups.
	IsolationShared Isolation = "shared"
)

// Valid reports whether the isolation mode is known.
func (i Isolation) Valid() bool {
	switch i {
	case IsolationSchema, IsolationDatabase, IsolationPrefix, IsolationShared:
		return true
	}
	return false
}

// StorageFactory builds an unopened storage handle for one tenant. In
// shared isolation it is called once with an empty tenant id.
type StorageFactory func(tenantID string) (storage.Storage, error)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Isolation Isolation
	Factory   StorageFactory

	// Destroy removes a tenant's backing data after its handle is
	// closed. Optional; without it DeleteTenant only closes and
	// deregisters.
	Destroy func(tenantID string) error
}

// Manager hands out per-tenant storage handles, opening them lazily and
// keeping them open until CloseTenant, DeleteTenant or Close.
type Manager struct {
	registry  *Registry
	isolation Isolation
	factory   StorageFactory
	destroy   func(string) error
	logger    *logging.Logger

	mu     sync.Mutex
	stores map[string]storage.Storage
	closed bool
}

// NewManager creates a manager over the registry. Isolation defaults to
// database.
func NewManager(registry *Registry, cfg ManagerConfig) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("tenant manager requires a registry")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("tenant manager requires a storage factory")
	}
	if cfg.Isolation == "" {
		cfg.Isolation = IsolationDatabase
	}
	if !cfg.Isolation.Valid() {
		return nil, fmt.Errorf("unknown isolation mode %q", cfg.Isolation)
	}
	return &Manager{
		registry:  registry,
		isolation: cfg.Isolation,
		factory:   cfg.Factory,
		destroy:   cfg.Destroy,
		logger:    logging.GetLogger("tenant.manager"),
		stores:    make(map[string]storage.Storage),
	}, nil
}

// Registry returns the backing registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Isolation returns the active isolation mode.
func (m *Manager) Isolation() Isolation {
	return m.isolation
}

func (m *Manager) storeKey(tenantID string) string {
	if m.isolation == IsolationShared {
		return ""
	}
	return tenantID
}

// GetStorage returns the tenant's storage handle, opening and
// initializing it on first use. Unknown tenants get ErrNotFound,
// deactivated ones ErrInactive.
func (m *Manager) GetStorage(ctx context.Context, tenantID string) (storage.Storage, error) {
	t, err := m.registry.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrInactive)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("tenant manager is closed")
	}

	key := m.storeKey(tenantID)
	if st, ok := m.stores[key]; ok {
		return st, nil
	}

	st, err := m.factory(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage for tenant %s: %w", tenantID, err)
	}
	if err := st.Initialize(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize storage for tenant %s: %w", tenantID, err)
	}
	m.stores[key] = st
	m.logger.Debug("opened storage for tenant %s (%s isolation)", tenantID, m.isolation)
	return st, nil
}

// CloseTenant closes the tenant's handle so the next GetStorage reopens
// it. A no-op for unknown tenants and in shared isolation, where the
// single handle stays with the manager.
func (m *Manager) CloseTenant(tenantID string) error {
	if m.isolation == IsolationShared {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stores[tenantID]
	if !ok {
		return nil
	}
	delete(m.stores, tenantID)
	if err := st.Close(); err != nil {
		return fmt.Errorf("failed to close storage for tenant %s: %w", tenantID, err)
	}
	return nil
}

// DeleteTenant closes the tenant's storage, removes the tenant and its
// accounts from the registry, and destroys the backing data when a
// destroy hook is configured. Irreversible.
func (m *Manager) DeleteTenant(tenantID string) error {
	if _, err := m.registry.GetTenant(tenantID); err != nil {
		return err
	}

	m.mu.Lock()
	if st, ok := m.stores[tenantID]; ok && m.isolation != IsolationShared {
		delete(m.stores, tenantID)
		if err := st.Close(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to close storage for tenant %s: %w", tenantID, err)
		}
	}
	m.mu.Unlock()

	m.registry.RemoveTenant(tenantID)

	if m.destroy != nil && m.isolation != IsolationShared {
		if err := m.destroy(tenantID); err != nil {
			return fmt.Errorf("failed to destroy storage for tenant %s: %w", tenantID, err)
		}
	}
	m.logger.Warn("deleted tenant %s", tenantID)
	return nil
}

// Close closes every open handle. The manager refuses new handles
// afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for key, st := range m.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %q: %w", key, err))
		}
	}
	m.stores = make(map[string]storage.Storage)
	return errors.Join(errs...)
}

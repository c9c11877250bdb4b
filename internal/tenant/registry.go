package tenant

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
)

// AccountFilter narrows ListAccounts. Zero fields are unconstrained.
type AccountFilter struct {
	Provider    graph.Provider
	TenantID    string
	EnabledOnly bool
}

func (f AccountFilter) matches(a *CloudAccount) bool {
	if f.Provider != "" && a.Provider != f.Provider {
		return false
	}
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	if f.EnabledOnly && !a.Enabled {
		return false
	}
	return true
}

// Registry is the in-memory source of truth for tenants and their cloud
// accounts. All methods are safe for concurrent use; returned values are
// copies, so callers can never mutate registry state in place.
type Registry struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	accounts map[string]*CloudAccount
	logger   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants:  make(map[string]*Tenant),
		accounts: make(map[string]*CloudAccount),
		logger:   logging.GetLogger("tenant.registry"),
	}
}

// PutTenant inserts or updates a tenant definition.
func (r *Registry) PutTenant(t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.ID] = t.Clone()
	return nil
}

// GetTenant returns a copy of the tenant, or ErrNotFound.
func (r *Registry) GetTenant(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// ListTenants returns all tenants sorted by id.
func (r *Registry) ListTenants() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveTenant removes a tenant and every account it owns. Reports
// whether the tenant existed.
func (r *Registry) RemoveTenant(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; !ok {
		return false
	}
	delete(r.tenants, id)
	for aid, a := range r.accounts {
		if a.TenantID == id {
			delete(r.accounts, aid)
		}
	}
	return true
}

// RegisterAccount adds a new account. The owning tenant must exist, the
// account id must be unused, and the tenant's maxAccounts limit is
// enforced here.
func (r *Registry) RegisterAccount(a *CloudAccount) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[a.TenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", a.TenantID, ErrNotFound)
	}
	if _, exists := r.accounts[a.ID]; exists {
		return fmt.Errorf("account %s is already registered", a.ID)
	}
	if t.Limits.MaxAccounts > 0 {
		owned := r.countAccountsLocked(a.TenantID)
		if owned >= t.Limits.MaxAccounts {
			return faults.New(faults.CategoryLimit, "MaxAccountsExceeded",
				"tenant %s already has %d accounts (limit %d)", a.TenantID, owned, t.Limits.MaxAccounts)
		}
	}

	r.accounts[a.ID] = a.Clone()
	r.logger.Debug("registered account %s (%s) for tenant %s", a.ID, a.Provider, a.TenantID)
	return nil
}

// UpdateAccount replaces an existing account definition. LastSyncAt is
// carried over from the stored account when the update leaves it unset.
func (r *Registry) UpdateAccount(a *CloudAccount) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.accounts[a.ID]
	if !ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	if _, ok := r.tenants[a.TenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", a.TenantID, ErrNotFound)
	}
	next := a.Clone()
	if next.LastSyncAt == nil {
		next.LastSyncAt = prev.LastSyncAt
	}
	r.accounts[a.ID] = next
	return nil
}

// GetAccount returns a copy of the account, or ErrNotFound.
func (r *Registry) GetAccount(id string) (*CloudAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// ListAccounts returns matching accounts sorted by id.
func (r *Registry) ListAccounts(f AccountFilter) []*CloudAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*CloudAccount
	for _, a := range r.accounts {
		if f.matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveAccount removes an account. Reports whether it existed.
func (r *Registry) RemoveAccount(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[id]
	if ok {
		delete(r.accounts, id)
	}
	return ok
}

// TouchLastSync stamps the account's last successful sync time.
func (r *Registry) TouchLastSync(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	at = at.UTC()
	a.LastSyncAt = &at
	return nil
}

// ReplaceAll atomically swaps the registry contents, used by the
// accounts-file hot reload. The new state is validated as a whole before
// anything is touched; on error the registry is unchanged. LastSyncAt
// survives the swap for account ids that persist.
func (r *Registry) ReplaceAll(tenants []*Tenant, accounts []*CloudAccount) error {
	nextTenants := make(map[string]*Tenant, len(tenants))
	for _, t := range tenants {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := nextTenants[t.ID]; dup {
			return fmt.Errorf("tenant %s is defined twice", t.ID)
		}
		nextTenants[t.ID] = t.Clone()
	}

	nextAccounts := make(map[string]*CloudAccount, len(accounts))
	perTenant := make(map[string]int)
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := nextAccounts[a.ID]; dup {
			return fmt.Errorf("account %s is defined twice", a.ID)
		}
		t, ok := nextTenants[a.TenantID]
		if !ok {
			return fmt.Errorf("account %s references unknown tenant %s", a.ID, a.TenantID)
		}
		perTenant[a.TenantID]++
		if t.Limits.MaxAccounts > 0 && perTenant[a.TenantID] > t.Limits.MaxAccounts {
			return faults.New(faults.CategoryLimit, "MaxAccountsExceeded",
				"tenant %s defines %d accounts (limit %d)", a.TenantID, perTenant[a.TenantID], t.Limits.MaxAccounts)
		}
		nextAccounts[a.ID] = a.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range nextAccounts {
		if a.LastSyncAt == nil {
			if prev, ok := r.accounts[id]; ok {
				a.LastSyncAt = prev.LastSyncAt
			}
		}
	}
	r.tenants = nextTenants
	r.accounts = nextAccounts
	r.logger.Info("registry reloaded: %d tenants, %d accounts", len(nextTenants), len(nextAccounts))
	return nil
}

func (r *Registry) countAccountsLocked(tenantID string) int {
	n := 0
	for _, a := range r.accounts {
		if a.TenantID == tenantID {
			n++
		}
	}
	return n
}

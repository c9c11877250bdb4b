package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsgraph/opsgraph/internal/tenant"
)

// AccountsFile is the tenants-and-accounts document. It is the unit of
// hot reload: the whole file is validated and swapped into the registry
// atomically.
type AccountsFile struct {
	Tenants  []*tenant.Tenant       `yaml:"tenants"`
	Accounts []*tenant.CloudAccount `yaml:"accounts"`
}

// LoadAccountsFile reads and validates the accounts document.
func LoadAccountsFile(path string) (*AccountsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file %s: %w", path, err)
	}

	var f AccountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid accounts file %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks each record and the cross-references between them.
// Registry.ReplaceAll re-checks on apply; failing here gives the caller
// a file-scoped error before anything is swapped.
func (f *AccountsFile) Validate() error {
	tenants := make(map[string]bool, len(f.Tenants))
	for _, t := range f.Tenants {
		if err := t.Validate(); err != nil {
			return err
		}
		if tenants[t.ID] {
			return fmt.Errorf("tenant %s is defined twice", t.ID)
		}
		tenants[t.ID] = true
	}

	accounts := make(map[string]bool, len(f.Accounts))
	for _, a := range f.Accounts {
		if err := a.Validate(); err != nil {
			return err
		}
		if accounts[a.ID] {
			return fmt.Errorf("account %s is defined twice", a.ID)
		}
		accounts[a.ID] = true
		if !tenants[a.TenantID] {
			return fmt.Errorf("account %s references unknown tenant %s", a.ID, a.TenantID)
		}
	}
	return nil
}

// Apply swaps the document into the registry.
func (f *AccountsFile) Apply(registry *tenant.Registry) error {
	return registry.ReplaceAll(f.Tenants, f.Accounts)
}

// Package tenant holds the account registry and the per-tenant storage
// manager. Tenants own accounts; accounts carry credential references,
// never credential material.
package tenant

import (
	"fmt"
	"time"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// AuthMethod names how an adapter authenticates against an account.
type AuthMethod string

const (
	// AuthProfile uses a named credentials profile (AWS).
	AuthProfile AuthMethod = "profile"
	// AuthAssumeRole assumes a role, optionally with an external id (AWS).
	AuthAssumeRole AuthMethod = "assume-role"
	// AuthServicePrincipal is client-id based auth (Azure).
	AuthServicePrincipal AuthMethod = "service-principal"
	// AuthServiceAccount points at a credentials file (GCP).
	AuthServiceAccount AuthMethod = "service-account"
	// AuthKubeconfig points at a kubeconfig path and context.
	AuthKubeconfig AuthMethod = "kubeconfig"
	// AuthDefault uses the provider SDK's ambient credential chain.
	AuthDefault AuthMethod = "default"
)

// Auth is a credential reference. Only the fields of the active method
// are populated; the zero value means the default chain.
type Auth struct {
	Method AuthMethod `json:"method" yaml:"method"`

	Profile         string `json:"profile,omitempty" yaml:"profile,omitempty"`
	RoleARN         string `json:"roleArn,omitempty" yaml:"roleArn,omitempty"`
	ExternalID      string `json:"externalId,omitempty" yaml:"externalId,omitempty"`
	ClientID        string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	TenantID        string `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	CredentialsFile string `json:"credentialsFile,omitempty" yaml:"credentialsFile,omitempty"`
	Kubeconfig      string `json:"kubeconfig,omitempty" yaml:"kubeconfig,omitempty"`
	Context         string `json:"context,omitempty" yaml:"context,omitempty"`
}

// Validate checks that the active method has its required reference.
func (a Auth) Validate() error {
	switch a.Method {
	case "", AuthDefault:
		return nil
	case AuthProfile:
		if a.Profile == "" {
			return fmt.Errorf("auth method %s requires a profile name", a.Method)
		}
	case AuthAssumeRole:
		if a.RoleARN == "" {
			return fmt.Errorf("auth method %s requires a role ARN", a.Method)
		}
	case AuthServicePrincipal:
		if a.ClientID == "" || a.TenantID == "" {
			return fmt.Errorf("auth method %s requires clientId and tenantId", a.Method)
		}
	case AuthServiceAccount:
		if a.CredentialsFile == "" {
			return fmt.Errorf("auth method %s requires a credentials file path", a.Method)
		}
	case AuthKubeconfig:
		if a.Kubeconfig == "" {
			return fmt.Errorf("auth method %s requires a kubeconfig path", a.Method)
		}
	default:
		return fmt.Errorf("unknown auth method %q", a.Method)
	}
	return nil
}

// CloudAccount is one discoverable account (or cluster) owned by a
// tenant.
type CloudAccount struct {
	ID              string            `json:"id" yaml:"id"`
	Provider        graph.Provider    `json:"provider" yaml:"provider"`
	NativeAccountID string            `json:"nativeAccountId" yaml:"nativeAccountId"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	TenantID        string            `json:"tenantId" yaml:"tenantId"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	Regions         []string          `json:"regions,omitempty" yaml:"regions,omitempty"`
	Auth            Auth              `json:"auth,omitempty" yaml:"auth,omitempty"`
	Tags            map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	LastSyncAt      *time.Time        `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
}

// Validate checks identity, ownership and the auth reference.
func (a *CloudAccount) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account: id is required")
	}
	if !a.Provider.Valid() {
		return fmt.Errorf("account %s: unknown provider %q", a.ID, a.Provider)
	}
	if a.NativeAccountID == "" {
		return fmt.Errorf("account %s: nativeAccountId is required", a.ID)
	}
	if a.TenantID == "" {
		return fmt.Errorf("account %s: tenantId is required", a.ID)
	}
	if err := a.Auth.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	return nil
}

// Clone returns a deep copy.
func (a *CloudAccount) Clone() *CloudAccount {
	out := *a
	if a.Regions != nil {
		out.Regions = append([]string(nil), a.Regions...)
	}
	if a.Tags != nil {
		out.Tags = make(map[string]string, len(a.Tags))
		for k, v := range a.Tags {
			out.Tags[k] = v
		}
	}
	if a.LastSyncAt != nil {
		t := *a.LastSyncAt
		out.LastSyncAt = &t
	}
	return &out
}

// Limits caps a tenant's footprint. Zero means unlimited.
type Limits struct {
	MaxAccounts int `json:"maxAccounts,omitempty" yaml:"maxAccounts,omitempty"`
	MaxNodes    int `json:"maxNodes,omitempty" yaml:"maxNodes,omitempty"`
}

// Tenant is an isolation boundary: its accounts reconcile into its own
// storage and queries never cross it.
type Tenant struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Active bool   `json:"active" yaml:"active"`
	Limits Limits `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Validate checks identity and limit sanity.
func (t *Tenant) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tenant: id is required")
	}
	if t.Limits.MaxAccounts < 0 || t.Limits.MaxNodes < 0 {
		return fmt.Errorf("tenant %s: limits must not be negative", t.ID)
	}
	return nil
}

// Clone returns a copy.
func (t *Tenant) Clone() *Tenant {
	out := *t
	return &out
}

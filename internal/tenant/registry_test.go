package tenant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/graph"
)

func testAccount(id, tenantID string) *CloudAccount {
	return &CloudAccount{
		ID:              id,
		Provider:        graph.ProviderAWS,
		NativeAccountID: "111111111111",
		Name:            "prod",
		TenantID:        tenantID,
		Enabled:         true,
		Regions:         []string{"us-east-1"},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.PutTenant(&Tenant{ID: "acme", Name: "Acme Corp", Active: true}))
	return r
}

func TestRegistryTenants(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := r.GetTenant("acme")
		require.NoError(t, err)
		got.Name = "mutated"

		again, err := r.GetTenant("acme")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", again.Name)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		_, err := r.GetTenant("ghost")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list is sorted", func(t *testing.T) {
		require.NoError(t, r.PutTenant(&Tenant{ID: "zeta", Active: true}))
		require.NoError(t, r.PutTenant(&Tenant{ID: "beta", Active: false}))

		var ids []string
		for _, tn := range r.ListTenants() {
			ids = append(ids, tn.ID)
		}
		assert.Equal(t, []string{"acme", "beta", "zeta"}, ids)
	})

	t.Run("remove drops owned accounts", func(t *testing.T) {
		require.NoError(t, r.RegisterAccount(testAccount("zeta-prod", "zeta")))
		assert.True(t, r.RemoveTenant("zeta"))
		assert.False(t, r.RemoveTenant("zeta"))

		_, err := r.GetAccount("zeta-prod")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		require.Error(t, r.PutTenant(&Tenant{}))
		require.Error(t, r.PutTenant(&Tenant{ID: "neg", Limits: Limits{MaxNodes: -1}}))
	})
}

func TestRegisterAccount(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.RegisterAccount(testAccount("acme-prod", "acme")))

		got, err := r.GetAccount("acme-prod")
		require.NoError(t, err)
		assert.Equal(t, graph.ProviderAWS, got.Provider)
		assert.Equal(t, "acme", got.TenantID)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.RegisterAccount(testAccount("acme-prod", "acme")))
		require.Error(t, r.RegisterAccount(testAccount("acme-prod", "acme")))
	})

	t.Run("unknown tenant rejected", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.RegisterAccount(testAccount("orphan", "ghost"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid account rejected", func(t *testing.T) {
		r := newTestRegistry(t)
		bad := testAccount("bad", "acme")
		bad.Provider = "smoke-signal"
		require.Error(t, r.RegisterAccount(bad))
	})

	t.Run("maxAccounts enforced", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.PutTenant(&Tenant{ID: "small", Active: true, Limits: Limits{MaxAccounts: 2}}))
		require.NoError(t, r.RegisterAccount(testAccount("a1", "small")))
		require.NoError(t, r.RegisterAccount(testAccount("a2", "small")))

		err := r.RegisterAccount(testAccount("a3", "small"))
		require.Error(t, err)
		f, ok := faults.As(err)
		require.True(t, ok)
		assert.Equal(t, faults.CategoryLimit, f.Category)
	})

	t.Run("returned account is a copy", func(t *testing.T) {
		r := newTestRegistry(t)
		a := testAccount("acme-prod", "acme")
		a.Tags = map[string]string{"env": "prod"}
		require.NoError(t, r.RegisterAccount(a))

		got, err := r.GetAccount("acme-prod")
		require.NoError(t, err)
		got.Tags["env"] = "mutated"

		again, err := r.GetAccount("acme-prod")
		require.NoError(t, err)
		assert.Equal(t, "prod", again.Tags["env"])
	})
}

func TestUpdateAccount(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterAccount(testAccount("acme-prod", "acme")))

	syncedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.TouchLastSync("acme-prod", syncedAt))

	update := testAccount("acme-prod", "acme")
	update.Name = "production"
	require.NoError(t, r.UpdateAccount(update))

	got, err := r.GetAccount("acme-prod")
	require.NoError(t, err)
	assert.Equal(t, "production", got.Name)
	require.NotNil(t, got.LastSyncAt, "update without a sync stamp keeps the stored one")
	assert.True(t, got.LastSyncAt.Equal(syncedAt))

	require.ErrorIs(t, r.UpdateAccount(testAccount("ghost", "acme")), ErrNotFound)
}

func TestListAccountsFilter(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.PutTenant(&Tenant{ID: "acme", Active: true}))
	require.NoError(t, r.PutTenant(&Tenant{ID: "umbrella", Active: true}))

	aws := testAccount("acme-aws", "acme")
	azure := testAccount("acme-azure", "acme")
	azure.Provider = graph.ProviderAzure
	disabled := testAccount("acme-old", "acme")
	disabled.Enabled = false
	other := testAccount("umbrella-aws", "umbrella")

	for _, a := range []*CloudAccount{aws, azure, disabled, other} {
		require.NoError(t, r.RegisterAccount(a))
	}

	ids := func(accounts []*CloudAccount) []string {
		out := make([]string, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"acme-aws", "acme-azure", "acme-old", "umbrella-aws"}, ids(r.ListAccounts(AccountFilter{})))
	assert.Equal(t, []string{"acme-aws", "acme-old", "umbrella-aws"}, ids(r.ListAccounts(AccountFilter{Provider: graph.ProviderAWS})))
	assert.Equal(t, []string{"acme-aws", "acme-azure"}, ids(r.ListAccounts(AccountFilter{TenantID: "acme", EnabledOnly: true})))
	assert.Empty(t, r.ListAccounts(AccountFilter{TenantID: "ghost"}))
}

func TestTouchLastSync(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterAccount(testAccount("acme-prod", "acme")))

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	require.NoError(t, r.TouchLastSync("acme-prod", at))

	got, err := r.GetAccount("acme-prod")
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.Equal(t, time.UTC, got.LastSyncAt.Location())
	assert.True(t, got.LastSyncAt.Equal(at))

	require.ErrorIs(t, r.TouchLastSync("ghost", at), ErrNotFound)
}

func TestReplaceAll(t *testing.T) {
	t.Run("swaps contents and keeps sync stamps", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.RegisterAccount(testAccount("acme-prod", "acme")))
		syncedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, r.TouchLastSync("acme-prod", syncedAt))

		err := r.ReplaceAll(
			[]*Tenant{{ID: "acme", Active: true}, {ID: "umbrella", Active: true}},
			[]*CloudAccount{testAccount("acme-prod", "acme"), testAccount("umbrella-aws", "umbrella")},
		)
		require.NoError(t, err)

		got, err := r.GetAccount("acme-prod")
		require.NoError(t, err)
		require.NotNil(t, got.LastSyncAt, "sync stamp survives a reload")
		assert.True(t, got.LastSyncAt.Equal(syncedAt))

		assert.Len(t, r.ListTenants(), 2)
	})

	t.Run("invalid input leaves the registry untouched", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.RegisterAccount(testAccount("acme-prod", "acme")))

		err := r.ReplaceAll(
			[]*Tenant{{ID: "umbrella", Active: true}},
			[]*CloudAccount{testAccount("orphan", "ghost")},
		)
		require.Error(t, err)

		_, err = r.GetAccount("acme-prod")
		require.NoError(t, err, "failed reload must not clear existing state")
		_, err = r.GetTenant("acme")
		require.NoError(t, err)
	})

	t.Run("duplicates rejected", func(t *testing.T) {
		r := NewRegistry()
		err := r.ReplaceAll([]*Tenant{{ID: "a", Active: true}, {ID: "a"}}, nil)
		require.Error(t, err)

		err = r.ReplaceAll(
			[]*Tenant{{ID: "a", Active: true}},
			[]*CloudAccount{testAccount("x", "a"), testAccount("x", "a")},
		)
		require.Error(t, err)
	})

	t.Run("limits enforced across the whole file", func(t *testing.T) {
		r := NewRegistry()
		err := r.ReplaceAll(
			[]*Tenant{{ID: "small", Active: true, Limits: Limits{MaxAccounts: 1}}},
			[]*CloudAccount{testAccount("a1", "small"), testAccount("a2", "small")},
		)
		require.Error(t, err)
		f, ok := faults.As(err)
		require.True(t, ok)
		assert.Equal(t, faults.CategoryLimit, f.Category)
	})
}

func TestAuthValidate(t *testing.T) {
	cases := []struct {
		name    string
		auth    Auth
		wantErr bool
	}{
		{name: "zero value is default chain", auth: Auth{}},
		{name: "explicit default", auth: Auth{Method: AuthDefault}},
		{name: "profile", auth: Auth{Method: AuthProfile, Profile: "prod"}},
		{name: "profile missing name", auth: Auth{Method: AuthProfile}, wantErr: true},
		{name: "assume-role", auth: Auth{Method: AuthAssumeRole, RoleARN: "arn:aws:iam::1:role/x"}},
		{name: "assume-role missing arn", auth: Auth{Method: AuthAssumeRole, ExternalID: "eid"}, wantErr: true},
		{name: "service-principal", auth: Auth{Method: AuthServicePrincipal, ClientID: "c", TenantID: "t"}},
		{name: "service-principal missing tenant", auth: Auth{Method: AuthServicePrincipal, ClientID: "c"}, wantErr: true},
		{name: "service-account", auth: Auth{Method: AuthServiceAccount, CredentialsFile: "/etc/creds.json"}},
		{name: "service-account missing file", auth: Auth{Method: AuthServiceAccount}, wantErr: true},
		{name: "kubeconfig", auth: Auth{Method: AuthKubeconfig, Kubeconfig: "/home/u/.kube/config", Context: "prod"}},
		{name: "kubeconfig missing path", auth: Auth{Method: AuthKubeconfig, Context: "prod"}, wantErr: true},
		{name: "unknown method", auth: Auth{Method: "carrier-pigeon"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.auth.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

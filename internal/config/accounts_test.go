package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

const accountsDoc = `
tenants:
  - id: acme
    name: Acme Corp
    active: true
    limits:
      maxAccounts: 10
accounts:
  - id: acme-prod
    provider: aws
    nativeAccountId: "111111111111"
    tenantId: acme
    enabled: true
    regions: [us-east-1, eu-west-1]
    auth:
      method: assume-role
      roleArn: arn:aws:iam::111111111111:role/discovery
  - id: acme-cluster
    provider: kubernetes
    nativeAccountId: prod-cluster
    tenantId: acme
    enabled: true
    auth:
      method: kubeconfig
      kubeconfig: /etc/opsgraph/kubeconfig
`

func TestLoadAccountsFile(t *testing.T) {
	path := writeFile(t, "accounts.yaml", accountsDoc)
	f, err := LoadAccountsFile(path)
	require.NoError(t, err)
	require.Len(t, f.Tenants, 1)
	require.Len(t, f.Accounts, 2)

	assert.Equal(t, "acme", f.Tenants[0].ID)
	assert.Equal(t, 10, f.Tenants[0].Limits.MaxAccounts)

	aws := f.Accounts[0]
	assert.Equal(t, graph.ProviderAWS, aws.Provider)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, aws.Regions)
	assert.Equal(t, tenant.AuthAssumeRole, aws.Auth.Method)
}

func TestLoadAccountsFileApply(t *testing.T) {
	path := writeFile(t, "accounts.yaml", accountsDoc)
	f, err := LoadAccountsFile(path)
	require.NoError(t, err)

	reg := tenant.NewRegistry()
	require.NoError(t, f.Apply(reg))
	accounts := reg.ListAccounts(tenant.AccountFilter{TenantID: "acme"})
	assert.Len(t, accounts, 2)
}

func TestLoadAccountsFileRejectsBadDocs(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"orphan account", `
tenants: []
accounts:
  - id: a1
    provider: aws
    nativeAccountId: "111111111111"
    tenantId: ghost
`},
		{"duplicate tenant", `
tenants:
  - {id: t1, active: true}
  - {id: t1, active: true}
`},
		{"duplicate account", `
tenants:
  - {id: t1, active: true}
accounts:
  - {id: a1, provider: aws, nativeAccountId: "1", tenantId: t1}
  - {id: a1, provider: gcp, nativeAccountId: "2", tenantId: t1}
`},
		{"bad auth variant", `
tenants:
  - {id: t1, active: true}
accounts:
  - id: a1
    provider: aws
    nativeAccountId: "1"
    tenantId: t1
    auth:
      method: assume-role
`},
		{"not yaml", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "accounts.yaml", tc.doc)
			_, err := LoadAccountsFile(path)
			require.Error(t, err)
		})
	}
}

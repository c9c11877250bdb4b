package commands

import (
	"github.com/spf13/cobra"

	"github.com/opsgraph/opsgraph/internal/tenant"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List the configured tenants and cloud accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) error {
	a, err := buildApp(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	out := struct {
		Tenants  []*tenant.Tenant       `json:"tenants"`
		Accounts []*tenant.CloudAccount `json:"accounts"`
	}{
		Tenants:  a.registry.ListTenants(),
		Accounts: a.registry.ListAccounts(tenant.AccountFilter{}),
	}
	return printJSON(out)
}

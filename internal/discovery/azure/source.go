// Package azure maps Azure subscription inventories into graph
// candidates. Azure list APIs are subscription scoped, so every Source
// method pages the whole subscription and the adapter filters by the
// account's region list client side.
package azure

import (
	"context"
	"time"

	"github.com/opsgraph/opsgraph/internal/discovery"
)

// Source is the SDK boundary: one method per resource class, each
// returning a single subscription-wide page.
type Source interface {
	VirtualMachines(ctx context.Context, token string) (discovery.Page[VirtualMachine], error)
	SQLDatabases(ctx context.Context, token string) (discovery.Page[SQLDatabase], error)
	StorageAccounts(ctx context.Context, token string) (discovery.Page[StorageAccount], error)
	FunctionApps(ctx context.Context, token string) (discovery.Page[FunctionApp], error)
	LoadBalancers(ctx context.Context, token string) (discovery.Page[LoadBalancer], error)
}

// VirtualMachine is a compute record. PowerState carries the instance
// view state, "PowerState/running" or a bare "running".
type VirtualMachine struct {
	Name                    string
	ResourceID              string
	Location                string
	PowerState              string
	Size                    string
	SubnetID                string
	NetworkSecurityGroupIDs []string
	Tags                    map[string]string
	CreatedAt               *time.Time
}

// SQLDatabase is an Azure SQL database record.
type SQLDatabase struct {
	Name          string
	ResourceID    string
	Location      string
	Status        string
	ServerName    string
	SKU           string
	KeyVaultKeyID string
	Tags          map[string]string
	CreatedAt     *time.Time
}

// StorageAccount is a storage account record.
type StorageAccount struct {
	Name          string
	ResourceID    string
	Location      string
	SKU           string
	KeyVaultKeyID string
	Tags          map[string]string
	CreatedAt     *time.Time
}

// FunctionApp is a function app record. StorageAccountName is the
// backing storage account every function app mounts.
type FunctionApp struct {
	Name               string
	ResourceID         string
	Location           string
	State              string
	Runtime            string
	StorageAccountName string
	Tags               map[string]string
}

// LoadBalancer is an Azure load balancer record.
type LoadBalancer struct {
	Name           string
	ResourceID     string
	Location       string
	SKU            string
	BackendVMNames []string
	Tags           map[string]string
	CreatedAt      *time.Time
}

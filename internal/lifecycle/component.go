// Package lifecycle starts and stops long-running components in
// dependency order.
package lifecycle

import "context"

// Component is anything the manager can start and stop. Start and Stop
// must be idempotent; Stop should respect the context deadline when
// draining in-flight work.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Name identifies the component in logs and errors. Must be
	// non-empty.
	Name() string
}

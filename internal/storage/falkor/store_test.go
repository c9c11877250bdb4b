package falkor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opsgraph/opsgraph/internal/storage"
	"github.com/opsgraph/opsgraph/internal/storage/storagetest"
)

// startFalkorDB launches a throwaway FalkorDB container shared by the
// whole test run. Skips when no container runtime is available.
func startFalkorDB(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "falkordb/falkordb:latest",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
			AutoRemove:   true,
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("cannot start FalkorDB container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%d", host, port.Int())
}

// newStore opens a store on its own graph so tests stay isolated
// within the shared container.
func newStore(t *testing.T, addr string, grace int) *Store {
	t.Helper()
	st := New(Config{
		Addr:      addr,
		GraphName: "test-" + uuid.NewString()[:8],
		Grace:     grace,
	})
	require.NoError(t, st.Initialize(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestConformance(t *testing.T) {
	addr := startFalkorDB(t)
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return newStore(t, addr, storage.DefaultDisappearanceGrace)
	})
}

func TestInitializeIdempotent(t *testing.T) {
	addr := startFalkorDB(t)
	st := New(Config{Addr: addr, GraphName: "test-" + uuid.NewString()[:8]})
	require.NoError(t, st.Initialize(context.Background()))
	require.NoError(t, st.Initialize(context.Background()))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
}

func TestInitializeRequiresGraphName(t *testing.T) {
	st := New(Config{Addr: "localhost:6379"})
	require.Error(t, st.Initialize(context.Background()))
}

func TestOperationsRequireInitialize(t *testing.T) {
	st := New(Config{Addr: "localhost:6379", GraphName: "g"})
	_, err := st.GetNode(context.Background(), "x")
	require.Error(t, err)
}

package tenant

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/storage"
	"github.com/opsgraph/opsgraph/internal/storage/bolt"
)

// fakeStore satisfies storage.Storage for lifecycle tests; only the
// methods the manager touches are implemented.
type fakeStore struct {
	storage.Storage
	inits  atomic.Int32
	closes atomic.Int32
}

func (f *fakeStore) Initialize(ctx context.Context) error {
	f.inits.Add(1)
	return nil
}

func (f *fakeStore) Close() error {
	f.closes.Add(1)
	return nil
}

func TestNewManagerValidation(t *testing.T) {
	reg := NewRegistry()
	okFactory := func(string) (storage.Storage, error) { return &fakeStore{}, nil }

	_, err := NewManager(nil, ManagerConfig{Factory: okFactory})
	require.Error(t, err)

	_, err = NewManager(reg, ManagerConfig{})
	require.Error(t, err)

	_, err = NewManager(reg, ManagerConfig{Factory: okFactory, Isolation: "banana"})
	require.Error(t, err)

	m, err := NewManager(reg, ManagerConfig{Factory: okFactory})
	require.NoError(t, err)
	assert.Equal(t, IsolationDatabase, m.Isolation(), "database isolation is the default")
}

func TestGetStorageLazy(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.PutTenant(&Tenant{ID: "paused", Active: false}))

	var made []string
	m, err := NewManager(reg, ManagerConfig{Factory: func(id string) (storage.Storage, error) {
		made = append(made, id)
		return &fakeStore{}, nil
	}})
	require.NoError(t, err)

	st1, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	st2, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, st1, st2, "repeat gets reuse the open handle")
	assert.Equal(t, []string{"acme"}, made)
	assert.Equal(t, int32(1), st1.(*fakeStore).inits.Load())

	_, err = m.GetStorage(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetStorage(ctx, "paused")
	require.ErrorIs(t, err, ErrInactive)
}

func TestSharedIsolation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.PutTenant(&Tenant{ID: "acme", Active: true}))
	require.NoError(t, reg.PutTenant(&Tenant{ID: "umbrella", Active: true}))

	var made []string
	m, err := NewManager(reg, ManagerConfig{
		Isolation: IsolationShared,
		Factory: func(id string) (storage.Storage, error) {
			made = append(made, id)
			return &fakeStore{}, nil
		},
	})
	require.NoError(t, err)

	st1, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	st2, err := m.GetStorage(ctx, "umbrella")
	require.NoError(t, err)
	assert.Same(t, st1, st2, "shared isolation hands every tenant the same handle")
	assert.Equal(t, []string{""}, made, "the shared factory is called once, without a tenant id")
}

func TestDatabaseIsolationSeparatesTenants(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.PutTenant(&Tenant{ID: "acme", Active: true}))
	require.NoError(t, reg.PutTenant(&Tenant{ID: "umbrella", Active: true}))

	var made []string
	m, err := NewManager(reg, ManagerConfig{Factory: func(id string) (storage.Storage, error) {
		made = append(made, id)
		return &fakeStore{}, nil
	}})
	require.NoError(t, err)

	st1, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	st2, err := m.GetStorage(ctx, "umbrella")
	require.NoError(t, err)
	assert.NotSame(t, st1, st2)
	assert.Equal(t, []string{"acme", "umbrella"}, made)
}

func TestCloseTenantReopens(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	calls := 0
	m, err := NewManager(reg, ManagerConfig{Factory: func(string) (storage.Storage, error) {
		calls++
		return &fakeStore{}, nil
	}})
	require.NoError(t, err)

	first, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, m.CloseTenant("acme"))
	assert.Equal(t, int32(1), first.(*fakeStore).closes.Load())

	second, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, calls)

	require.NoError(t, m.CloseTenant("never-opened"))
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.PutTenant(&Tenant{ID: "acme", Active: true}))
	require.NoError(t, reg.PutTenant(&Tenant{ID: "umbrella", Active: true}))

	m, err := NewManager(reg, ManagerConfig{Factory: func(string) (storage.Storage, error) {
		return &fakeStore{}, nil
	}})
	require.NoError(t, err)

	st1, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	st2, err := m.GetStorage(ctx, "umbrella")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, int32(1), st1.(*fakeStore).closes.Load())
	assert.Equal(t, int32(1), st2.(*fakeStore).closes.Load())

	_, err = m.GetStorage(ctx, "acme")
	require.Error(t, err)

	require.NoError(t, m.Close(), "close is idempotent")
}

func TestDeleteTenantDestroysData(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.PutTenant(&Tenant{ID: "acme", Active: true}))
	require.NoError(t, reg.RegisterAccount(testAccount("acme-prod", "acme")))

	dir := t.TempDir()
	pathFor := func(id string) string { return filepath.Join(dir, id+".db") }

	m, err := NewManager(reg, ManagerConfig{
		Factory: func(id string) (storage.Storage, error) {
			return bolt.New(pathFor(id), 0), nil
		},
		Destroy: func(id string) error {
			return os.Remove(pathFor(id))
		},
	})
	require.NoError(t, err)

	st, err := m.GetStorage(ctx, "acme")
	require.NoError(t, err)
	_, err = st.UpsertNode(ctx, &graph.Node{
		NativeID:     "i-abc",
		Provider:     graph.ProviderAWS,
		Account:      "111111111111",
		Region:       "us-east-1",
		ResourceType: graph.TypeCompute,
		Status:       graph.StatusRunning,
	})
	require.NoError(t, err)
	require.FileExists(t, pathFor("acme"))

	require.NoError(t, m.DeleteTenant("acme"))
	assert.NoFileExists(t, pathFor("acme"))

	_, err = reg.GetTenant("acme")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.GetAccount("acme-prod")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetStorage(ctx, "acme")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, m.DeleteTenant("acme"), ErrNotFound)
}

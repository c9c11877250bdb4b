package discovery

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// Registry maps providers to their adapters. Registration happens at
// startup; after that the registry is only read.
type Registry struct {
	mu       sync.RWMutex
	adapters map[graph.Provider]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[graph.Provider]Adapter)}
}

// Register adds an adapter under its provider. A provider can only be
// registered once.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter must not be nil")
	}
	p := a.Provider()
	if p == "" {
		return fmt.Errorf("adapter reports an empty provider")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("provider %q is already registered", p)
	}
	r.adapters[p] = a
	return nil
}

// Get returns the adapter for the provider.
func (r *Registry) Get(p graph.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Providers returns the registered providers sorted by name.
func (r *Registry) Providers() []graph.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]graph.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsgraph/opsgraph/internal/logging"
)

const defaultShutdownTimeout = 30 * time.Second

// Manager starts registered components in dependency order and stops
// them in reverse start order. A failed start rolls back everything
// already started.
type Manager struct {
	mu              sync.Mutex
	components      []Component
	dependencies    map[Component][]Component
	started         []Component
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// SetShutdownTimeout overrides the per-component stop deadline.
func (m *Manager) SetShutdownTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = d
}

// Register adds a component. Dependencies must already be registered;
// they start before the component and stop after it.
func (m *Manager) Register(c Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c == nil {
		return fmt.Errorf("cannot register a nil component")
	}
	if c.Name() == "" {
		return fmt.Errorf("component must have a name")
	}
	for _, existing := range m.components {
		if existing == c {
			return fmt.Errorf("component %s is already registered", c.Name())
		}
	}
	for _, dep := range dependsOn {
		registered := false
		for _, existing := range m.components {
			if existing == dep {
				registered = true
				break
			}
		}
		if !registered {
			return fmt.Errorf("component %s depends on unregistered %s", c.Name(), dep.Name())
		}
	}

	m.components = append(m.components, c)
	m.dependencies[c] = dependsOn
	m.logger.Debug("registered component %s (%d dependencies)", c.Name(), len(dependsOn))
	return nil
}

// Start brings every component up in dependency order. On failure the
// already-started components are stopped in reverse order and the
// start error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = nil
	for _, c := range m.ordered() {
		m.logger.Info("starting %s", c.Name())
		begin := time.Now()
		if err := c.Start(ctx); err != nil {
			m.logger.Error("failed to start %s: %v", c.Name(), err)
			m.rollbackLocked()
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		m.started = append(m.started, c)
		m.logger.Debug("%s started in %s", c.Name(), time.Since(begin).Round(time.Millisecond))
	}
	m.logger.Info("all components started")
	return nil
}

// Stop shuts the started components down in reverse start order. Each
// component gets its own deadline; failures are logged, never fatal.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		m.logger.Info("stopping %s", c.Name())
		stopCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := c.Stop(stopCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				m.logger.Warn("%s did not stop within %s", c.Name(), m.shutdownTimeout)
			} else {
				m.logger.Error("failed to stop %s: %v", c.Name(), err)
			}
		}
	}
	m.started = nil
	m.logger.Info("all components stopped")
	return nil
}

func (m *Manager) rollbackLocked() {
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Stop(stopCtx); err != nil {
			m.logger.Warn("rollback stop of %s failed: %v", c.Name(), err)
		}
		cancel()
	}
	m.started = nil
}

// ordered returns the components with every dependency ahead of its
// dependents. Registration already rejects unregistered dependencies,
// so the walk always terminates.
func (m *Manager) ordered() []Component {
	visited := make(map[Component]bool, len(m.components))
	var out []Component
	var visit func(c Component)
	visit = func(c Component) {
		if visited[c] {
			return
		}
		visited[c] = true
		for _, dep := range m.dependencies[c] {
			visit(dep)
		}
		out = append(out, c)
	}
	for _, c := range m.components {
		visit(c)
	}
	return out
}

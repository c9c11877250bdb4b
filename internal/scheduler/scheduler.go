// Package scheduler runs the periodic sync loops: a frequent light
// sync over the fast-moving resource classes and a slower full sync
// that also progresses disappearance state and feeds drift detection.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/opsgraph/opsgraph/internal/engine"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

// LightSyncTypes are the resource classes that change often enough to
// warrant the short interval. Everything else waits for the full sync.
var LightSyncTypes = []graph.ResourceType{
	graph.TypeCompute,
	graph.TypeDatabase,
	graph.TypeLoadBalancer,
	graph.TypeFunction,
	graph.TypeContainer,
}

const (
	defaultLightInterval = 15 * time.Minute
	defaultFullInterval  = 6 * time.Hour
	defaultBackoffBase   = time.Minute
	defaultBackoffMax    = 30 * time.Minute
)

// Config tunes the loops. Zero values take the defaults above.
type Config struct {
	LightInterval time.Duration
	FullInterval  time.Duration
	// BackoffBase and BackoffMax bound the per-tenant failure backoff:
	// base doubles per consecutive failure and resets on success.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DriftDetection runs a drift report after every successful full
	// sync.
	DriftDetection bool
}

func (c *Config) applyDefaults() {
	if c.LightInterval <= 0 {
		c.LightInterval = defaultLightInterval
	}
	if c.FullInterval <= 0 {
		c.FullInterval = defaultFullInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
}

type syncKind string

const (
	kindLight syncKind = "light"
	kindFull  syncKind = "full"
)

// tenantState tracks one (tenant, kind) loop slot.
type tenantState struct {
	running  bool
	failures int
	// notBefore gates the next attempt while the tenant backs off.
	notBefore time.Time
}

// Scheduler drives periodic syncs for every active tenant. Implements
// the lifecycle component contract.
type Scheduler struct {
	engine   *engine.Engine
	registry *tenant.Registry
	cfg      Config
	logger   *logging.Logger

	mu    sync.Mutex
	state map[string]*tenantState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over the engine and tenant registry.
func New(eng *engine.Engine, registry *tenant.Registry, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		engine:   eng,
		registry: registry,
		cfg:      cfg,
		logger:   logging.GetLogger("scheduler"),
		state:    make(map[string]*tenantState),
	}
}

// Start launches the light and full loops in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(loopCtx, kindLight, s.cfg.LightInterval)
	go s.loop(loopCtx, kindFull, s.cfg.FullInterval)
	s.logger.Info("scheduler started: light every %s, full every %s", s.cfg.LightInterval, s.cfg.FullInterval)
	return nil
}

// Stop cancels the loops and waits for in-flight syncs to settle or the
// context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements the lifecycle component contract.
func (s *Scheduler) Name() string {
	return "scheduler"
}

func (s *Scheduler) loop(ctx context.Context, kind syncKind, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The first pass runs at startup rather than a full interval later.
	s.tick(ctx, kind)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, kind)
		}
	}
}

// tick fires one sync attempt per eligible tenant. Tenants whose prior
// same-kind run is still active are skipped, not queued.
func (s *Scheduler) tick(ctx context.Context, kind syncKind) {
	for _, t := range s.registry.ListTenants() {
		if !t.Active {
			continue
		}
		if !s.tryAcquire(t.ID, kind) {
			continue
		}
		s.wg.Add(1)
		go func(tenantID string) {
			defer s.wg.Done()
			s.runSync(ctx, tenantID, kind)
		}(t.ID)
	}
}

// tryAcquire marks the (tenant, kind) slot running unless it already
// is or the tenant is backing off.
func (s *Scheduler) tryAcquire(tenantID string, kind syncKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[tenantID+"/"+string(kind)]
	if st == nil {
		st = &tenantState{}
		s.state[tenantID+"/"+string(kind)] = st
	}
	if st.running {
		s.logger.Debug("tenant %s: %s sync still running, skipping tick", tenantID, kind)
		return false
	}
	if time.Now().Before(st.notBefore) {
		s.logger.Debug("tenant %s: %s sync backing off until %s", tenantID, kind, st.notBefore.Format(time.RFC3339))
		return false
	}
	st.running = true
	return true
}

func (s *Scheduler) runSync(ctx context.Context, tenantID string, kind syncKind) {
	scope := engine.Scope{TenantID: tenantID}
	if kind == kindLight {
		scope.ResourceTypes = LightSyncTypes
	}

	results, err := s.engine.Sync(ctx, scope)
	failed := err != nil
	for _, r := range results {
		if r.Failed() {
			failed = true
		}
	}

	s.settle(tenantID, kind, failed)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("tenant %s: %s sync failed: %v", tenantID, kind, err)
		}
		return
	}
	if failed {
		s.logger.Warn("tenant %s: %s sync completed with failures", tenantID, kind)
	}

	if kind == kindFull && !failed && s.cfg.DriftDetection {
		report, err := s.engine.DetectDrift(ctx, tenantID, "")
		if err != nil {
			s.logger.Warn("tenant %s: drift detection failed: %v", tenantID, err)
			return
		}
		if len(report.NewNodes)+len(report.DriftedNodes)+len(report.DisappearedNodes) > 0 {
			s.logger.Info("tenant %s drift: %d new, %d changed, %d disappeared",
				tenantID, len(report.NewNodes), len(report.DriftedNodes), len(report.DisappearedNodes))
		}
	}
}

// settle releases the slot and updates the backoff window.
func (s *Scheduler) settle(tenantID string, kind syncKind, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[tenantID+"/"+string(kind)]
	st.running = false
	if !failed {
		st.failures = 0
		st.notBefore = time.Time{}
		return
	}
	st.failures++
	st.notBefore = time.Now().Add(backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, st.failures))
}

// backoffDelay is base doubled per consecutive failure, capped at max.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Package engine drives discovery: it resolves a sync scope to
// (tenant, account, adapter) triples, fans discovery out per account,
// reconciles the results into tenant storage and runs the inference
// passes. It also exposes the compound read operations that need more
// than one storage call (blast radius, cost, drift, timeline).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/metrics"
	"github.com/opsgraph/opsgraph/internal/nativeid"
	"github.com/opsgraph/opsgraph/internal/storage"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

const (
	defaultAccountConcurrency = 4
	defaultResolveCacheSize   = 4096
)

// Config tunes the engine. The zero value is usable.
type Config struct {
	// AccountConcurrency caps how many accounts of one tenant sync in
	// parallel. Reconciliation into storage is serialized per tenant
	// regardless.
	AccountConcurrency int
	// ResolveCacheSize bounds the nativeId -> graph id lookup cache.
	ResolveCacheSize int
	// DisableEnrichment turns the attribute-evidence inference pass off.
	DisableEnrichment bool
	// DisableCrossAccount turns the cross-account inference pass off.
	DisableCrossAccount bool
	// Metrics receives sync counters when non-nil.
	Metrics *metrics.Metrics
}

// Engine owns the sync pipeline and the compound graph operations.
type Engine struct {
	tenants  *tenant.Manager
	adapters *discovery.Registry
	metrics  *metrics.Metrics

	concurrency  int
	enrich       bool
	crossAccount bool

	logger *logging.Logger
	tracer trace.Tracer

	// resolve caches tenant-scoped nativeId -> graph id lookups.
	resolve *lru.Cache[string, string]

	mu sync.Mutex
	// reconMu serializes reconciliation per tenant so parallel account
	// syncs never interleave writes into one store.
	reconMu map[string]*sync.Mutex
	// fullSyncs keeps the recent full-sync cohorts per tenant for drift
	// detection.
	fullSyncs map[string][]syncCohort
}

// New creates an engine over the tenant manager and adapter registry.
func New(tenants *tenant.Manager, adapters *discovery.Registry, cfg Config) (*Engine, error) {
	if cfg.AccountConcurrency <= 0 {
		cfg.AccountConcurrency = defaultAccountConcurrency
	}
	if cfg.ResolveCacheSize <= 0 {
		cfg.ResolveCacheSize = defaultResolveCacheSize
	}
	cache, err := lru.New[string, string](cfg.ResolveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolve cache: %w", err)
	}
	return &Engine{
		tenants:      tenants,
		adapters:     adapters,
		metrics:      cfg.Metrics,
		concurrency:  cfg.AccountConcurrency,
		enrich:       !cfg.DisableEnrichment,
		crossAccount: !cfg.DisableCrossAccount,
		logger:       logging.GetLogger("engine"),
		tracer:       otel.Tracer("opsgraph/engine"),
		resolve:      cache,
		reconMu:      make(map[string]*sync.Mutex),
		fullSyncs:    make(map[string][]syncCohort),
	}, nil
}

// Scope bounds one sync run. Zero-valued fields leave the dimension
// unconstrained: the zero Scope is a full sync of every active tenant.
type Scope struct {
	// TenantID restricts the run to one tenant.
	TenantID string
	// AccountIDs restricts to accounts matched by registry id or native
	// account id.
	AccountIDs []string
	// Providers restricts to accounts of these providers.
	Providers []graph.Provider
	// ResourceTypes restricts discovery to these classes. Light syncs
	// set this; a run with no restriction is a full sync and progresses
	// disappearance state.
	ResourceTypes []graph.ResourceType
}

// IsFull reports whether the scope covers every resource class, which
// is what permits marking unobserved nodes missing.
func (s Scope) IsFull() bool {
	return len(s.ResourceTypes) == 0
}

func (s Scope) wantsAccount(a *tenant.CloudAccount) bool {
	if len(s.Providers) > 0 {
		found := false
		for _, p := range s.Providers {
			if p == a.Provider {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.AccountIDs) > 0 {
		for _, id := range s.AccountIDs {
			if id == a.ID || id == a.NativeAccountID {
				return true
			}
		}
		return false
	}
	return true
}

// SyncError is one classified failure inside an otherwise completed
// sync.
type SyncError struct {
	Scope    string          `json:"scope"`
	Category faults.Category `json:"category"`
	Message  string          `json:"message"`
}

// SyncResult reports one (tenant, account) sync.
type SyncResult struct {
	TenantID  string         `json:"tenantId"`
	AccountID string         `json:"accountId"`
	Provider  graph.Provider `json:"provider"`
	SyncID    string         `json:"syncId"`

	NodesDiscovered int `json:"nodesDiscovered"`
	NodesCreated    int `json:"nodesCreated"`
	NodesUpdated    int `json:"nodesUpdated"`
	EdgesDiscovered int `json:"edgesDiscovered"`
	EdgesCreated    int `json:"edgesCreated"`

	Duration time.Duration `json:"duration"`
	Errors   []SyncError   `json:"errors,omitempty"`
}

// Failed reports whether the sync produced no usable result at all, as
// opposed to completing with per-scope errors.
func (r *SyncResult) Failed() bool {
	for _, e := range r.Errors {
		if e.Scope == scopeAdapter || e.Scope == "reconcile" {
			return true
		}
	}
	return false
}

const scopeAdapter = "adapter"

// NewSyncID mints a sync identifier carrying both a unique token and
// the wall time the run started.
func NewSyncID(start time.Time) string {
	return uuid.NewString() + "@" + start.UTC().Format(time.RFC3339)
}

// Sync runs discovery and reconciliation for everything the scope
// covers and returns one result per (tenant, account). Per-account
// failures land in the results; the returned error is reserved for
// conditions that stop the run (unknown tenant, storage failure,
// cancellation).
func (e *Engine) Sync(ctx context.Context, scope Scope) ([]SyncResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.sync",
		trace.WithAttributes(
			attribute.String("tenant", scope.TenantID),
			attribute.Bool("full", scope.IsFull()),
		))
	defer span.End()

	tenants, err := e.scopedTenants(scope)
	if err != nil {
		return nil, err
	}

	var results []SyncResult
	for _, t := range tenants {
		res, err := e.syncTenant(ctx, t, scope)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) scopedTenants(scope Scope) ([]*tenant.Tenant, error) {
	reg := e.tenants.Registry()
	if scope.TenantID != "" {
		t, err := reg.GetTenant(scope.TenantID)
		if err != nil {
			return nil, err
		}
		if !t.Active {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, tenant.ErrInactive)
		}
		return []*tenant.Tenant{t}, nil
	}
	var out []*tenant.Tenant
	for _, t := range reg.ListTenants() {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (e *Engine) syncTenant(ctx context.Context, t *tenant.Tenant, scope Scope) ([]SyncResult, error) {
	st, err := e.tenants.GetStorage(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	all := e.tenants.Registry().ListAccounts(tenant.AccountFilter{TenantID: t.ID, EnabledOnly: true})
	var accounts []*tenant.CloudAccount
	for _, a := range all {
		if scope.wantsAccount(a) {
			accounts = append(accounts, a)
		}
	}
	if len(accounts) == 0 {
		e.logger.Debug("tenant %s: no accounts in scope", t.ID)
		return nil, nil
	}

	results := make([]SyncResult, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			results[i] = e.syncAccount(gctx, t, st, acct, scope)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}

	if e.crossAccount && len(accounts) > 1 {
		if err := e.inferCrossAccount(ctx, t.ID, st, accounts); err != nil {
			e.logger.Warn("tenant %s: cross-account inference failed: %v", t.ID, err)
		}
	}

	if scope.IsFull() {
		e.recordFullSync(t.ID, results)
	}
	e.reportGraphGauges(ctx, t.ID, st)
	return results, nil
}

func (e *Engine) syncAccount(ctx context.Context, t *tenant.Tenant, st storage.Storage, acct *tenant.CloudAccount, scope Scope) SyncResult {
	start := time.Now()
	res := SyncResult{
		TenantID:  t.ID,
		AccountID: acct.ID,
		Provider:  acct.Provider,
		SyncID:    NewSyncID(start),
	}

	kind := "light"
	if scope.IsFull() {
		kind = "full"
	}

	ctx, span := e.tracer.Start(ctx, "engine.sync.account",
		trace.WithAttributes(
			attribute.String("tenant", t.ID),
			attribute.String("account", acct.ID),
			attribute.String("provider", string(acct.Provider)),
		))
	defer span.End()

	adapter, ok := e.adapters.Get(acct.Provider)
	if !ok {
		res.Errors = append(res.Errors, SyncError{
			Scope:    scopeAdapter,
			Category: faults.CategoryValidation,
			Message:  fmt.Sprintf("no adapter registered for provider %q", acct.Provider),
		})
		res.Duration = time.Since(start)
		e.reportSync(&res, kind, "failed")
		return res
	}

	discovered, err := adapter.Discover(ctx, discovery.Account{
		CloudAccount:  *acct.Clone(),
		ResourceTypes: scope.ResourceTypes,
	})
	if err != nil {
		f := faults.Classify(err)
		res.Errors = append(res.Errors, SyncError{
			Scope:    scopeAdapter,
			Category: f.Category,
			Message:  f.Message,
		})
		res.Duration = time.Since(start)
		e.logger.Warn("sync %s/%s failed: %v", t.ID, acct.ID, err)
		e.reportSync(&res, kind, "failed")
		return res
	}

	for _, se := range discovered.Errors {
		res.Errors = append(res.Errors, SyncError{Scope: se.Scope, Category: se.Category, Message: se.Message})
	}
	res.NodesDiscovered = len(discovered.Nodes)
	res.EdgesDiscovered = len(discovered.Edges)

	mu := e.tenantReconcileMutex(t.ID)
	mu.Lock()
	err = e.reconcile(ctx, t, st, acct, scope, discovered, &res)
	mu.Unlock()
	if err != nil {
		f := faults.Classify(err)
		res.Errors = append(res.Errors, SyncError{Scope: "reconcile", Category: f.Category, Message: f.Message})
		res.Duration = time.Since(start)
		e.reportSync(&res, kind, "failed")
		return res
	}

	res.Duration = time.Since(start)
	if err := e.tenants.Registry().TouchLastSync(acct.ID, start); err != nil {
		e.logger.Debug("touch last sync for %s: %v", acct.ID, err)
	}
	e.logger.Info("synced %s/%s: %d nodes (%d new, %d changed), %d edges, %d errors",
		t.ID, acct.ID, res.NodesDiscovered, res.NodesCreated, res.NodesUpdated,
		res.EdgesDiscovered, len(res.Errors))
	e.reportSync(&res, kind, "ok")
	return res
}

// reconcile applies one discovery batch to storage. Runs under the
// tenant's reconcile mutex.
func (e *Engine) reconcile(ctx context.Context, t *tenant.Tenant, st storage.Storage, acct *tenant.CloudAccount, scope Scope, discovered *discovery.Result, res *SyncResult) error {
	maxNodes := t.Limits.MaxNodes
	liveNodes := -1
	if maxNodes > 0 {
		stats, err := st.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}
		liveNodes = stats.TotalNodes
	}

	// Adapter output order is preserved so change history reads in the
	// order the provider reported.
	batch := make(map[string]string, len(discovered.Nodes))
	for _, in := range discovered.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := nodeFromInput(acct, in, res.SyncID)
		batch[in.NativeID] = node.ComputeID()

		if maxNodes > 0 {
			existing, err := st.GetNode(ctx, node.ComputeID())
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to check node %s: %w", node.ComputeID(), err)
			}
			isNew := existing == nil || existing.Deleted
			if isNew && liveNodes >= maxNodes {
				f := faults.New(faults.CategoryLimit, "max-nodes",
					"tenant %s at node limit %d; dropping %s", t.ID, maxNodes, in.NativeID)
				res.Errors = append(res.Errors, SyncError{
					Scope:    "node/" + in.NativeID,
					Category: f.Category,
					Message:  f.Message,
				})
				continue
			}
		}

		ur, err := st.UpsertNode(ctx, node)
		if err != nil {
			f := faults.Classify(err)
			res.Errors = append(res.Errors, SyncError{
				Scope:    "node/" + in.NativeID,
				Category: f.Category,
				Message:  f.Message,
			})
			delete(batch, in.NativeID)
			continue
		}
		if ur.Created || ur.Reappeared {
			res.NodesCreated++
			liveNodes++
		}
		if ur.Updated {
			res.NodesUpdated++
		}
		e.cacheResolution(t.ID, in.NativeID, node.ComputeID())
	}

	for _, in := range discovered.Edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		srcID := e.resolveEndpoint(ctx, st, t.ID, batch, in.SourceID, in.SourceNativeID)
		tgtID := e.resolveEndpoint(ctx, st, t.ID, batch, in.TargetID, in.TargetNativeID)
		if srcID == "" || tgtID == "" {
			e.logger.Debug("edge %s->%s: unresolved endpoint, skipping",
				in.SourceNativeID, in.TargetNativeID)
			continue
		}
		edge := &graph.Edge{
			SourceID:      srcID,
			TargetID:      tgtID,
			Type:          in.Type,
			Confidence:    in.Confidence,
			DiscoveredVia: in.DiscoveredVia,
			Metadata:      in.Metadata,
		}
		if edge.Confidence == 0 {
			edge.Confidence = 1
		}
		if edge.DiscoveredVia == "" {
			edge.DiscoveredVia = graph.DiscoveredAPIField
		}
		er, err := st.UpsertEdge(ctx, edge)
		if err != nil {
			f := faults.Classify(err)
			res.Errors = append(res.Errors, SyncError{
				Scope:    "edge/" + edge.ComputeID(),
				Category: f.Category,
				Message:  f.Message,
			})
			continue
		}
		if er.Created {
			res.EdgesCreated++
		}
	}

	if scope.IsFull() {
		if _, err := st.MarkMissing(ctx, res.SyncID, storage.SyncScope{
			Provider: acct.Provider,
			Account:  acct.NativeAccountID,
			Regions:  acct.Regions,
		}); err != nil {
			return fmt.Errorf("failed to mark missing nodes: %w", err)
		}
	}

	if e.enrich {
		e.enrichBatch(ctx, st, t.ID, acct, batch, res)
	}
	return nil
}

func nodeFromInput(acct *tenant.CloudAccount, in discovery.NodeInput, syncID string) *graph.Node {
	region := in.Region
	if region == "" {
		region = graph.RegionGlobal
	}
	status := in.Status
	if status == "" {
		status = graph.StatusUnknown
	}
	return &graph.Node{
		NativeID:     in.NativeID,
		Name:         in.Name,
		Provider:     acct.Provider,
		Account:      acct.NativeAccountID,
		Region:       region,
		ResourceType: in.ResourceType,
		Status:       status,
		Tags:         in.Tags,
		Metadata:     in.Metadata,
		CostMonthly:  in.CostMonthly,
		Owner:        in.Owner,
		CreatedAt:    in.CreatedAt,
		LastSyncID:   syncID,
	}
}

func (e *Engine) tenantReconcileMutex(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.reconMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		e.reconMu[tenantID] = mu
	}
	return mu
}

// resolveEndpoint turns an edge input endpoint into a graph id:
// explicit ids pass through, native ids resolve against the current
// batch first, then against storage.
func (e *Engine) resolveEndpoint(ctx context.Context, st storage.Storage, tenantID string, batch map[string]string, explicitID, nativeID string) string {
	if explicitID != "" {
		return explicitID
	}
	if nativeID == "" {
		return ""
	}
	if id, ok := batch[nativeID]; ok {
		return id
	}
	return e.resolveNative(ctx, st, tenantID, nativeID)
}

func (e *Engine) cacheResolution(tenantID, nativeID, id string) {
	e.resolve.Add(tenantID+"\x00"+nativeID, id)
}

// resolveNative finds the node a native identifier refers to. Full ARNs
// fall back to their trailing resource id, since adapters store short
// ids for resources other services reference by ARN.
func (e *Engine) resolveNative(ctx context.Context, st storage.Storage, tenantID, nativeID string) string {
	key := tenantID + "\x00" + nativeID
	if id, ok := e.resolve.Get(key); ok {
		return id
	}

	id := e.lookupNative(ctx, st, nativeID)
	if id == "" {
		if p := nativeid.Parse(nativeID); p.ResourceID != "" && p.ResourceID != nativeID {
			id = e.lookupNative(ctx, st, p.ResourceID)
		}
	}
	if id != "" {
		e.resolve.Add(key, id)
	}
	return id
}

func (e *Engine) lookupNative(ctx context.Context, st storage.Storage, nativeID string) string {
	nodes, err := st.QueryNodes(ctx, &graph.NodeFilter{NativeID: nativeID, Limit: 1})
	if err != nil {
		e.logger.Debug("native id lookup %q: %v", nativeID, err)
		return ""
	}
	if len(nodes) == 0 {
		return ""
	}
	return nodes[0].ID
}

func (e *Engine) reportSync(res *SyncResult, kind, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SyncsTotal.WithLabelValues(res.TenantID, kind, outcome).Inc()
	e.metrics.SyncDuration.WithLabelValues(res.TenantID, string(res.Provider)).Observe(res.Duration.Seconds())
	e.metrics.NodesDiscovered.WithLabelValues(res.TenantID, string(res.Provider)).Add(float64(res.NodesDiscovered))
	e.metrics.NodesCreated.WithLabelValues(res.TenantID, string(res.Provider)).Add(float64(res.NodesCreated))
	e.metrics.NodesUpdated.WithLabelValues(res.TenantID, string(res.Provider)).Add(float64(res.NodesUpdated))
	e.metrics.EdgesDiscovered.WithLabelValues(res.TenantID, string(res.Provider)).Add(float64(res.EdgesDiscovered))
	for _, se := range res.Errors {
		e.metrics.SyncErrorsTotal.WithLabelValues(res.TenantID, string(se.Category)).Inc()
	}
}

func (e *Engine) reportGraphGauges(ctx context.Context, tenantID string, st storage.Storage) {
	if e.metrics == nil {
		return
	}
	stats, err := st.GetStats(ctx)
	if err != nil {
		return
	}
	e.metrics.GraphNodes.WithLabelValues(tenantID).Set(float64(stats.TotalNodes))
	e.metrics.GraphCostMonthly.WithLabelValues(tenantID).Set(stats.TotalCostMonthly)
}

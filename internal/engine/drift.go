package engine

import (
	"context"
	"sort"
	"time"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// syncCohort is the set of per-account sync ids one full sync produced
// for a tenant. Drift detection compares consecutive cohorts.
type syncCohort struct {
	At time.Time
	// Providers maps each sync id of the cohort to the account's
	// provider, so reports can be scoped.
	Providers map[string]graph.Provider
}

func (c syncCohort) contains(syncID string, provider graph.Provider) bool {
	p, ok := c.Providers[syncID]
	if !ok {
		return false
	}
	return provider == "" || p == provider
}

// driftHistoryDepth is how many full-sync cohorts are kept per tenant.
// Drift only ever compares the last two.
const driftHistoryDepth = 2

func (e *Engine) recordFullSync(tenantID string, results []SyncResult) {
	cohort := syncCohort{At: time.Now(), Providers: make(map[string]graph.Provider, len(results))}
	for _, r := range results {
		if r.Failed() {
			continue
		}
		cohort.Providers[r.SyncID] = r.Provider
	}
	if len(cohort.Providers) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	hist := append(e.fullSyncs[tenantID], cohort)
	if len(hist) > driftHistoryDepth {
		hist = hist[len(hist)-driftHistoryDepth:]
	}
	e.fullSyncs[tenantID] = hist
}

// DriftedNode pairs a node with the attribute changes the latest full
// sync recorded for it.
type DriftedNode struct {
	Node    *graph.Node          `json:"node"`
	Changes []graph.ChangeRecord `json:"changes"`
}

// DriftReport is what changed between the last two full syncs.
type DriftReport struct {
	ScannedAt        time.Time     `json:"scannedAt"`
	DriftedNodes     []DriftedNode `json:"driftedNodes"`
	DisappearedNodes []*graph.Node `json:"disappearedNodes"`
	NewNodes         []*graph.Node `json:"newNodes"`
}

// DetectDrift compares the last two full-sync cohorts of a tenant:
// nodes created by the latest cohort are new, nodes with attribute
// changes drifted, nodes the latest cohort failed to re-observe (or
// deleted outright) disappeared. Provider narrows the report when
// non-empty. With fewer than two cohorts on record there is nothing to
// compare and the report is empty.
func (e *Engine) DetectDrift(ctx context.Context, tenantID string, provider graph.Provider) (*DriftReport, error) {
	report := &DriftReport{ScannedAt: time.Now()}

	e.mu.Lock()
	hist := e.fullSyncs[tenantID]
	e.mu.Unlock()
	if len(hist) < 2 {
		return report, nil
	}
	last := hist[len(hist)-1]

	st, err := e.tenants.GetStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	since := last.At.Add(-time.Second)
	changes, err := st.QueryChanges(ctx, &graph.ChangeFilter{Since: &since})
	if err != nil {
		return nil, err
	}

	created := make(map[string]bool)
	deleted := make(map[string]bool)
	drifted := make(map[string][]graph.ChangeRecord)
	for _, c := range changes {
		if !last.contains(c.Source, provider) {
			continue
		}
		switch c.ChangeType {
		case graph.ChangeCreated, graph.ChangeReappeared:
			created[c.NodeID] = true
		case graph.ChangeDeleted:
			deleted[c.NodeID] = true
		case graph.ChangeUpdated:
			drifted[c.NodeID] = append(drifted[c.NodeID], c)
		}
	}

	for id := range created {
		n, err := st.GetNode(ctx, id)
		if err != nil {
			continue
		}
		report.NewNodes = append(report.NewNodes, n)
	}

	for id, recs := range drifted {
		if created[id] {
			continue
		}
		n, err := st.GetNode(ctx, id)
		if err != nil {
			continue
		}
		// QueryChanges returns newest first; flip to detection order.
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].DetectedAt.Before(recs[j].DetectedAt) })
		report.DriftedNodes = append(report.DriftedNodes, DriftedNode{Node: n, Changes: recs})
	}

	// Disappearance shows up two ways: a node the cohort deleted
	// outright, or a live node the cohort marked missing that is still
	// inside its grace window.
	for id := range deleted {
		n, err := st.GetNode(ctx, id)
		if err != nil {
			continue
		}
		report.DisappearedNodes = append(report.DisappearedNodes, n)
	}
	live, err := st.QueryNodes(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, n := range live {
		if n.MissingCount > 0 && last.contains(n.LastMissingSyncID, provider) && !deleted[n.ID] {
			report.DisappearedNodes = append(report.DisappearedNodes, n)
		}
	}

	sort.Slice(report.NewNodes, func(i, j int) bool { return report.NewNodes[i].ID < report.NewNodes[j].ID })
	sort.Slice(report.DisappearedNodes, func(i, j int) bool { return report.DisappearedNodes[i].ID < report.DisappearedNodes[j].ID })
	sort.Slice(report.DriftedNodes, func(i, j int) bool { return report.DriftedNodes[i].Node.ID < report.DriftedNodes[j].Node.ID })
	return report, nil
}

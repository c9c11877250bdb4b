package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/storage"
	"github.com/opsgraph/opsgraph/internal/tenant"
)

// metadataKeyEvidence marks inferred edges with the attribute that
// produced them.
const metadataKeyEvidence = "evidence"

// evidenceRule maps one metadata attribute to the relationship it
// implies. Reversed rules point the edge from the referenced resource
// to the observed node (a queue triggers the function that names it).
type evidenceRule struct {
	key        string
	rel        graph.RelationshipType
	confidence float64
	reversed   bool
}

var evidenceRules = []evidenceRule{
	{key: "kmsKeyArn", rel: graph.RelEncryptsWith, confidence: 0.8},
	{key: "kmsKeyId", rel: graph.RelEncryptsWith, confidence: 0.8},
	{key: "subnetId", rel: graph.RelRunsIn, confidence: 0.75},
	{key: "securityGroupIds", rel: graph.RelSecuredBy, confidence: 0.8},
	{key: "roleArn", rel: graph.RelUses, confidence: 0.7},
	{key: "dnsTarget", rel: graph.RelRoutesTo, confidence: 0.7},
	{key: "replicaSourceArn", rel: graph.RelReplicatesTo, confidence: 0.85, reversed: true},
	{key: "queueArn", rel: graph.RelTriggers, confidence: 0.7, reversed: true},
}

// enrichBatch derives edges from attribute evidence on the nodes of one
// reconciled batch. References resolving outside the node's own account
// are left to the cross-account pass. Runs under the tenant's
// reconcile mutex.
func (e *Engine) enrichBatch(ctx context.Context, st storage.Storage, tenantID string, acct *tenant.CloudAccount, batch map[string]string, res *SyncResult) {
	for nativeID, nodeID := range batch {
		node, err := st.GetNode(ctx, nodeID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				e.logger.Debug("enrich %s: %v", nativeID, err)
			}
			continue
		}
		for _, rule := range evidenceRules {
			for _, ref := range stringValues(node.Metadata[rule.key]) {
				target := e.resolveNative(ctx, st, tenantID, ref)
				if target == "" || target == nodeID {
					continue
				}
				if accountOf(target) != node.Account {
					continue
				}
				src, dst := nodeID, target
				if rule.reversed {
					src, dst = target, nodeID
				}
				if err := e.addInferredEdge(ctx, st, src, dst, rule.rel, rule.confidence, rule.key, res); err != nil {
					e.logger.Debug("enrich %s via %s: %v", nativeID, rule.key, err)
				}
			}
		}
	}
}

// addInferredEdge upserts an inference edge unless the triple already
// exists. Adapter-observed edges always win over inference: an existing
// edge is never overwritten with lower confidence.
func (e *Engine) addInferredEdge(ctx context.Context, st storage.Storage, srcID, dstID string, rel graph.RelationshipType, confidence float64, evidence string, res *SyncResult) error {
	id := graph.EdgeID(srcID, rel, dstID)
	if _, err := st.GetEdge(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	er, err := st.UpsertEdge(ctx, &graph.Edge{
		SourceID:      srcID,
		TargetID:      dstID,
		Type:          rel,
		Confidence:    confidence,
		DiscoveredVia: graph.DiscoveredInference,
		Metadata:      map[string]any{metadataKeyEvidence: evidence},
	})
	if err != nil {
		return err
	}
	if res != nil {
		res.EdgesDiscovered++
		if er.Created {
			res.EdgesCreated++
		}
	}
	return nil
}

// crossAccountConfidence is deliberately below api-field certainty:
// the evidence is an identifier mentioned in another account's
// metadata, not an observed attachment.
const crossAccountConfidence = 0.85

// inferCrossAccount searches one tenant's graph for relationships that
// span its accounts: IAM trust, VPC peering, shared services and data
// replication. Runs once per sync after all accounts reconciled.
func (e *Engine) inferCrossAccount(ctx context.Context, tenantID string, st storage.Storage, accounts []*tenant.CloudAccount) error {
	others := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		others[a.NativeAccountID] = true
	}

	nodes, err := st.QueryNodes(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	identitiesByAccount := make(map[string][]*graph.Node)
	for _, n := range nodes {
		if n.ResourceType == graph.TypeIdentity {
			identitiesByAccount[n.Account] = append(identitiesByAccount[n.Account], n)
		}
	}

	mu := e.tenantReconcileMutex(tenantID)
	mu.Lock()
	defer mu.Unlock()

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.inferIAMTrust(ctx, st, n, others, identitiesByAccount)
		e.inferResolvedCrossAccount(ctx, st, tenantID, n)
	}
	return nil
}

// inferIAMTrust links an identity node to the identities of every
// foreign account its trust evidence names.
func (e *Engine) inferIAMTrust(ctx context.Context, st storage.Storage, n *graph.Node, accounts map[string]bool, identities map[string][]*graph.Node) {
	if n.ResourceType != graph.TypeIdentity {
		return
	}

	trusted := make(map[string]bool)
	if doc, ok := n.Metadata["trustPolicy"].(string); ok {
		for acct := range accounts {
			if acct != n.Account && strings.Contains(doc, acct) {
				trusted[acct] = true
			}
		}
	}
	for _, v := range stringValues(n.Metadata["trustedAccountIds"]) {
		if accounts[v] && v != n.Account {
			trusted[v] = true
		}
	}

	for acct := range trusted {
		for _, target := range identities[acct] {
			if err := e.addInferredEdge(ctx, st, n.ID, target.ID, graph.RelIAMTrust, crossAccountConfidence, "trustPolicy", nil); err != nil {
				e.logger.Debug("iam-trust %s -> %s: %v", n.ID, target.ID, err)
			}
		}
	}
}

// crossAccountRules mirror the enrichment table for references that
// resolve into a different account of the same tenant.
var crossAccountRules = []evidenceRule{
	{key: "peerVpcId", rel: graph.RelVPCPeering, confidence: crossAccountConfidence},
	{key: "peerVpcIds", rel: graph.RelVPCPeering, confidence: crossAccountConfidence},
	{key: "sharedServiceArn", rel: graph.RelSharedService, confidence: crossAccountConfidence},
	{key: "replicaSourceArn", rel: graph.RelDataReplication, confidence: crossAccountConfidence, reversed: true},
}

func (e *Engine) inferResolvedCrossAccount(ctx context.Context, st storage.Storage, tenantID string, n *graph.Node) {
	for _, rule := range crossAccountRules {
		for _, ref := range stringValues(n.Metadata[rule.key]) {
			target := e.resolveNative(ctx, st, tenantID, ref)
			if target == "" || target == n.ID {
				continue
			}
			if accountOf(target) == n.Account {
				continue
			}
			src, dst := n.ID, target
			if rule.reversed {
				src, dst = target, n.ID
			}
			if err := e.addInferredEdge(ctx, st, src, dst, rule.rel, rule.confidence, rule.key, nil); err != nil {
				e.logger.Debug("cross-account %s via %s: %v", n.ID, rule.key, err)
			}
		}
	}
}

// accountOf extracts the account segment of a graph node id. The first
// four segments of an id never contain a separator; only the trailing
// native id may.
func accountOf(nodeID string) string {
	parts := strings.SplitN(nodeID, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// stringValues normalizes a metadata value to the strings it carries:
// a plain string, a string slice, or a decoded JSON array.
func stringValues(v any) []string {
	switch tv := v.(type) {
	case nil:
		return nil
	case string:
		if tv == "" {
			return nil
		}
		return []string{tv}
	case []string:
		return tv
	case []any:
		var out []string
		for _, item := range tv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

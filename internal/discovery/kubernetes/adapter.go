// Package kubernetes maps cluster inventories into graph candidates.
// Resources are listed through the dynamic client so the adapter needs
// no typed scheme; native ids take the form "kind/namespace/name".
// Clusters have no provider regions, so every node lands in the global
// region and the namespace rides along in metadata.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/graph"
	"github.com/opsgraph/opsgraph/internal/logging"
	"github.com/opsgraph/opsgraph/internal/retry"
)

var (
	gvrDeployments = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	gvrPods        = schema.GroupVersionResource{Version: "v1", Resource: "pods"}
	gvrServices    = schema.GroupVersionResource{Version: "v1", Resource: "services"}
	gvrClaims      = schema.GroupVersionResource{Version: "v1", Resource: "persistentvolumeclaims"}
)

const defaultPageSize = 200

// Config wires an Adapter.
type Config struct {
	Client   dynamic.Interface
	Retry    retry.Policy // zero value gets the default policy
	MaxPages int          // <= 0 gets discovery.DefaultMaxPages
	PageSize int64        // <= 0 gets defaultPageSize
}

// Adapter discovers Kubernetes clusters. One registered account maps to
// one cluster; the dynamic client is expected to be scoped to it.
type Adapter struct {
	client   dynamic.Interface
	policy   retry.Policy
	maxPages int
	pageSize int64
	logger   *logging.Logger
}

// New creates an adapter over the given dynamic client.
func New(cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("kubernetes adapter requires a client")
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &Adapter{
		client:   cfg.Client,
		policy:   cfg.Retry,
		maxPages: cfg.MaxPages,
		pageSize: cfg.PageSize,
		logger:   logging.GetLogger("discovery.kubernetes"),
	}, nil
}

func (a *Adapter) Provider() graph.Provider {
	return graph.ProviderKubernetes
}

// selectorOwner is a workload or service whose label selector binds it
// to pods discovered in the same pass.
type selectorOwner struct {
	nativeID  string
	namespace string
	selector  map[string]string
	rel       graph.RelationshipType
}

// podRef carries what the edge pass needs from each pod.
type podRef struct {
	nativeID  string
	namespace string
	labels    map[string]string
	claims    []string
}

// Discover lists the cluster's workload classes. A failed class becomes
// a ScopeError; only cancellation aborts the walk. Selector matches and
// volume claims turn into edges after all classes are in.
func (a *Adapter) Discover(ctx context.Context, account discovery.Account) (*discovery.Result, error) {
	col := discovery.NewCollector(string(graph.ProviderKubernetes))

	var owners []selectorOwner
	var pods []podRef

	if account.WantsType(graph.TypeCompute) {
		if err := a.discoverDeployments(ctx, col, &owners); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeContainer) {
		if err := a.discoverPods(ctx, col, &pods); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeLoadBalancer) {
		if err := a.discoverServices(ctx, col, &owners); err != nil {
			return col.Result(), err
		}
	}
	if account.WantsType(graph.TypeStorage) {
		if err := a.discoverClaims(ctx, col); err != nil {
			return col.Result(), err
		}
	}

	a.bindPods(col, owners, pods)

	res := col.Result()
	a.logger.Debug("cluster %s: %d nodes, %d edges, %d scope errors",
		account.ID, len(res.Nodes), len(res.Edges), len(res.Errors))
	return res, nil
}

// list pages one resource across all namespaces via Limit/Continue.
func (a *Adapter) list(ctx context.Context, op string, gvr schema.GroupVersionResource) ([]unstructured.Unstructured, error) {
	return discovery.FetchAll(ctx, op, a.policy, a.maxPages,
		func(ctx context.Context, token string) (discovery.Page[unstructured.Unstructured], error) {
			list, err := a.client.Resource(gvr).List(ctx, metav1.ListOptions{Limit: a.pageSize, Continue: token})
			if err != nil {
				return discovery.Page[unstructured.Unstructured]{}, err
			}
			return discovery.Page[unstructured.Unstructured]{Items: list.Items, Next: list.GetContinue()}, nil
		})
}

// classErr records a class failure and keeps discovery going, unless
// the context is done.
func classErr(ctx context.Context, col *discovery.Collector, scope string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	col.Fail(scope, err)
	return nil
}

func (a *Adapter) discoverDeployments(ctx context.Context, col *discovery.Collector, owners *[]selectorOwner) error {
	items, err := a.list(ctx, "k8s.deployments", gvrDeployments)
	if err != nil {
		return classErr(ctx, col, "apps:deployments", err)
	}

	for _, it := range items {
		nativeID := nativeID("deployment", it.GetNamespace(), it.GetName())
		desired, _, _ := unstructured.NestedInt64(it.Object, "spec", "replicas")
		ready, _, _ := unstructured.NestedInt64(it.Object, "status", "readyReplicas")
		selector, _, _ := unstructured.NestedStringMap(it.Object, "spec", "selector", "matchLabels")

		meta := map[string]any{"namespace": it.GetNamespace()}
		meta["replicas"] = desired
		meta["readyReplicas"] = ready

		col.AddNode(discovery.NodeInput{
			NativeID:     nativeID,
			Name:         it.GetName(),
			ResourceType: graph.TypeCompute,
			Region:       graph.RegionGlobal,
			Status:       deploymentStatus(ready, desired),
			Tags:         it.GetLabels(),
			Metadata:     meta,
			Owner:        ownerFromLabels(it.GetLabels()),
			CreatedAt:    createdAt(&it),
		})

		if len(selector) > 0 {
			*owners = append(*owners, selectorOwner{
				nativeID:  nativeID,
				namespace: it.GetNamespace(),
				selector:  selector,
				rel:       graph.RelContains,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverPods(ctx context.Context, col *discovery.Collector, pods *[]podRef) error {
	items, err := a.list(ctx, "k8s.pods", gvrPods)
	if err != nil {
		return classErr(ctx, col, "core:pods", err)
	}

	for _, it := range items {
		id := nativeID("pod", it.GetNamespace(), it.GetName())
		phase, _, _ := unstructured.NestedString(it.Object, "status", "phase")
		nodeName, _, _ := unstructured.NestedString(it.Object, "spec", "nodeName")

		meta := map[string]any{"namespace": it.GetNamespace()}
		if phase != "" {
			meta["phase"] = phase
		}
		if nodeName != "" {
			meta["nodeName"] = nodeName
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     id,
			Name:         it.GetName(),
			ResourceType: graph.TypeContainer,
			Region:       graph.RegionGlobal,
			Status:       podStatus(phase),
			Tags:         it.GetLabels(),
			Metadata:     meta,
			Owner:        ownerFromLabels(it.GetLabels()),
			CreatedAt:    createdAt(&it),
		})

		*pods = append(*pods, podRef{
			nativeID:  id,
			namespace: it.GetNamespace(),
			labels:    it.GetLabels(),
			claims:    claimNames(&it),
		})
	}
	return nil
}

func (a *Adapter) discoverServices(ctx context.Context, col *discovery.Collector, owners *[]selectorOwner) error {
	items, err := a.list(ctx, "k8s.services", gvrServices)
	if err != nil {
		return classErr(ctx, col, "core:services", err)
	}

	for _, it := range items {
		id := nativeID("service", it.GetNamespace(), it.GetName())
		svcType, _, _ := unstructured.NestedString(it.Object, "spec", "type")
		clusterIP, _, _ := unstructured.NestedString(it.Object, "spec", "clusterIP")
		selector, _, _ := unstructured.NestedStringMap(it.Object, "spec", "selector")

		meta := map[string]any{"namespace": it.GetNamespace()}
		if svcType != "" {
			meta["serviceType"] = svcType
		}
		if clusterIP != "" && clusterIP != "None" {
			meta["clusterIp"] = clusterIP
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     id,
			Name:         it.GetName(),
			ResourceType: graph.TypeLoadBalancer,
			Region:       graph.RegionGlobal,
			Status:       graph.StatusRunning,
			Tags:         it.GetLabels(),
			Metadata:     meta,
			Owner:        ownerFromLabels(it.GetLabels()),
			CreatedAt:    createdAt(&it),
		})

		if len(selector) > 0 {
			*owners = append(*owners, selectorOwner{
				nativeID:  id,
				namespace: it.GetNamespace(),
				selector:  selector,
				rel:       graph.RelRoutesTo,
			})
		}
	}
	return nil
}

func (a *Adapter) discoverClaims(ctx context.Context, col *discovery.Collector) error {
	items, err := a.list(ctx, "k8s.pvcs", gvrClaims)
	if err != nil {
		return classErr(ctx, col, "core:persistentvolumeclaims", err)
	}

	for _, it := range items {
		phase, _, _ := unstructured.NestedString(it.Object, "status", "phase")
		storageClass, _, _ := unstructured.NestedString(it.Object, "spec", "storageClassName")
		capacity, _, _ := unstructured.NestedString(it.Object, "status", "capacity", "storage")

		meta := map[string]any{"namespace": it.GetNamespace()}
		if storageClass != "" {
			meta["storageClass"] = storageClass
		}
		if capacity != "" {
			meta["capacity"] = capacity
		}

		col.AddNode(discovery.NodeInput{
			NativeID:     nativeID("pvc", it.GetNamespace(), it.GetName()),
			Name:         it.GetName(),
			ResourceType: graph.TypeStorage,
			Region:       graph.RegionGlobal,
			Status:       claimStatus(phase),
			Tags:         it.GetLabels(),
			Metadata:     meta,
			Owner:        ownerFromLabels(it.GetLabels()),
			CreatedAt:    createdAt(&it),
		})
	}
	return nil
}

// bindPods turns selector matches and volume claims into edges. Only
// same-namespace pods are considered, matching how the API binds them.
func (a *Adapter) bindPods(col *discovery.Collector, owners []selectorOwner, pods []podRef) {
	for _, pod := range pods {
		for _, owner := range owners {
			if owner.namespace != pod.namespace || !labelsMatch(owner.selector, pod.labels) {
				continue
			}
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: owner.nativeID,
				TargetNativeID: pod.nativeID,
				Type:           owner.rel,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
		for _, claim := range pod.claims {
			col.AddEdge(discovery.EdgeInput{
				SourceNativeID: pod.nativeID,
				TargetNativeID: nativeID("pvc", pod.namespace, claim),
				Type:           graph.RelUses,
				Confidence:     1,
				DiscoveredVia:  graph.DiscoveredAPIField,
			})
		}
	}
}

// createdAt returns the creation timestamp, or nil when the object has
// none set.
func createdAt(obj *unstructured.Unstructured) *time.Time {
	ts := obj.GetCreationTimestamp()
	if ts.IsZero() {
		return nil
	}
	return &ts.Time
}

func nativeID(kind, namespace, name string) string {
	return strings.Join([]string{kind, namespace, name}, "/")
}

// claimNames extracts the PVC names a pod mounts.
func claimNames(pod *unstructured.Unstructured) []string {
	volumes, _, _ := unstructured.NestedSlice(pod.Object, "spec", "volumes")
	var names []string
	for _, v := range volumes {
		vol, ok := v.(map[string]any)
		if !ok {
			continue
		}
		claim, ok := vol["persistentVolumeClaim"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := claim["claimName"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// labelsMatch reports whether every selector pair appears in the labels.
func labelsMatch(selector, labels map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func deploymentStatus(ready, desired int64) graph.Status {
	switch {
	case desired == 0:
		return graph.StatusStopped
	case ready == 0:
		return graph.StatusError
	default:
		return graph.StatusRunning
	}
}

func podStatus(phase string) graph.Status {
	switch phase {
	case "Running", "Succeeded":
		return graph.StatusRunning
	case "Failed":
		return graph.StatusError
	case "Pending":
		return graph.StatusUnknown
	default:
		return graph.StatusUnknown
	}
}

func claimStatus(phase string) graph.Status {
	switch phase {
	case "Bound":
		return graph.StatusRunning
	case "Pending":
		return graph.StatusUnknown
	case "Lost":
		return graph.StatusError
	default:
		return graph.StatusUnknown
	}
}

func ownerFromLabels(labels map[string]string) string {
	for _, key := range []string{"owner", "team", "app.kubernetes.io/managed-by"} {
		if v := labels[key]; v != "" {
			return v
		}
	}
	return ""
}

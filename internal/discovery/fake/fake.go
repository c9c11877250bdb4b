// Package fake provides a scriptable discovery adapter for tests and
// the demo dataset.
package fake

import (
	"context"
	"sync"

	"github.com/opsgraph/opsgraph/internal/discovery"
	"github.com/opsgraph/opsgraph/internal/graph"
)

// Call records one Discover invocation.
type Call struct {
	AccountID     string
	ResourceTypes []graph.ResourceType
}

// Adapter returns scripted results per account id. It can impersonate
// any provider, so engine tests can register it as aws or azure.
type Adapter struct {
	provider graph.Provider

	mu      sync.Mutex
	results map[string]*discovery.Result
	errs    map[string]error
	calls   []Call
}

// New creates an adapter for the given provider. An empty provider
// defaults to custom.
func New(provider graph.Provider) *Adapter {
	if provider == "" {
		provider = graph.ProviderCustom
	}
	return &Adapter{
		provider: provider,
		results:  make(map[string]*discovery.Result),
		errs:     make(map[string]error),
	}
}

func (a *Adapter) Provider() graph.Provider {
	return a.provider
}

// SetResult scripts the result for an account.
func (a *Adapter) SetResult(accountID string, res *discovery.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[accountID] = res
}

// SetError makes Discover fail for an account.
func (a *Adapter) SetError(accountID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs[accountID] = err
}

// Calls returns the recorded Discover invocations.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Discover returns the scripted result, applying the account's resource
// type restriction the way a real adapter would.
func (a *Adapter) Discover(ctx context.Context, account discovery.Account) (*discovery.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{
		AccountID:     account.ID,
		ResourceTypes: append([]graph.ResourceType(nil), account.ResourceTypes...),
	})

	if err := a.errs[account.ID]; err != nil {
		return nil, err
	}
	res := a.results[account.ID]
	if res == nil {
		return &discovery.Result{}, nil
	}
	return restrict(res, account), nil
}

// restrict filters a scripted result down to the requested resource
// types. Edges survive only when both endpoints are still addressable.
func restrict(res *discovery.Result, account discovery.Account) *discovery.Result {
	out := &discovery.Result{
		Errors: append([]discovery.ScopeError(nil), res.Errors...),
	}

	kept := make(map[string]bool, len(res.Nodes))
	for _, n := range res.Nodes {
		if !account.WantsType(n.ResourceType) {
			continue
		}
		kept[n.NativeID] = true
		out.Nodes = append(out.Nodes, n)
	}

	for _, e := range res.Edges {
		srcOK := e.SourceID != "" || kept[e.SourceNativeID]
		tgtOK := e.TargetID != "" || kept[e.TargetNativeID]
		if srcOK && tgtOK {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}

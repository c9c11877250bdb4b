package discovery

import (
	"context"

	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/retry"
)

// DefaultMaxPages caps pagination per resource class. A listing that
// exceeds it is almost certainly a paging token bug on the provider
// side, and the cap turns an endless loop into a limit fault.
const DefaultMaxPages = 100

// Page is one page of provider records. An empty Next token ends the
// listing.
type Page[T any] struct {
	Items []T
	Next  string
}

// FetchFunc returns the page at the given continuation token.
type FetchFunc[T any] func(ctx context.Context, token string) (Page[T], error)

// FetchAll drains a paged listing. Every page fetch goes through the
// retry combinator; cancellation is honored between pages; maxPages <= 0
// means DefaultMaxPages.
func FetchAll[T any](ctx context.Context, op string, policy retry.Policy, maxPages int, fetch FetchFunc[T]) ([]T, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var out []T
	token := ""
	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		var p Page[T]
		err := retry.Do(ctx, op, policy, func() error {
			var ferr error
			p, ferr = fetch(ctx, token)
			return ferr
		})
		if err != nil {
			return out, err
		}

		out = append(out, p.Items...)
		if p.Next == "" {
			return out, nil
		}
		token = p.Next
	}
	return out, faults.New(faults.CategoryLimit, "PageCapExceeded",
		"%s did not finish within %d pages", op, maxPages)
}

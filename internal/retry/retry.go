// Package retry applies the platform backoff policy to provider and
// storage calls. Only faults classified as transient (throttle, network,
// service) are retried; everything else fails fast with the classified
// error so callers can branch on category.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/opsgraph/opsgraph/internal/faults"
	"github.com/opsgraph/opsgraph/internal/logging"
)

// Policy controls attempt count and backoff shape. Zero values fall back
// to the defaults.
type Policy struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// DefaultPolicy returns the stock policy: 5 attempts, 100ms base delay
// doubling per attempt, capped at 30s, with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  5,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Jitter:    0.2,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Attempts == 0 {
		p.Attempts = def.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter <= 0 {
		p.Jitter = def.Jitter
	}
	return p
}

// Do runs fn under the policy. Errors are classified before the retry
// decision, so raw provider errors work as inputs. A provider-suggested
// Retry-After overrides the computed backoff when it is longer. Context
// cancellation aborts the wait between attempts.
func Do(ctx context.Context, op string, p Policy, fn func() error) error {
	logger := logging.GetLogger("retry")
	p = p.withDefaults()

	maxJitter := time.Duration(p.Jitter * float64(p.BaseDelay))
	if maxJitter <= 0 {
		maxJitter = time.Nanosecond
	}
	backoff := retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)

	return retry.Do(
		func() error {
			if err := fn(); err != nil {
				return faults.Classify(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.BaseDelay),
		retry.MaxDelay(p.MaxDelay),
		retry.MaxJitter(maxJitter),
		retry.LastErrorOnly(true),
		retry.RetryIf(faults.IsRetryable),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			d := backoff(n, err, config)
			if hint, ok := faults.RetryAfter(err); ok && hint > d {
				d = hint
			}
			return d
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.WarnWithFields("retrying "+op,
				logging.Field("attempt", n+1),
				logging.Field("max_attempts", p.Attempts),
				logging.Field("category", faults.CategoryOf(err)),
				logging.Field("error", err.Error()),
			)
		}),
	)
}

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/opsgraph/internal/faults"
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		Jitter:    0.2,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "list-instances", fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoFailsFastOnPermissionFault(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "list-buckets", fastPolicy(5), func() error {
		calls++
		return &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permission faults must not be retried")

	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.CategoryPermission, f.Category)
	assert.False(t, f.Retryable)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "list-queues", fastPolicy(4), func() error {
		calls++
		return &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "try later"}
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)

	f, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.CategoryService, f.Category)
}

func TestDoBackoffGrowsFromBase(t *testing.T) {
	p := Policy{
		Attempts:  3,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    0.2,
	}

	var stamps []time.Time
	_ = Do(context.Background(), "probe", p, func() error {
		stamps = append(stamps, time.Now())
		return &smithy.GenericAPIError{Code: "RequestLimitExceeded"}
	})

	require.Len(t, stamps, 3)
	// First gap is at least the base delay, second at least double.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
}

func TestDoCapsDelay(t *testing.T) {
	p := Policy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
		Jitter:    0.2,
	}

	var stamps []time.Time
	_ = Do(context.Background(), "probe", p, func() error {
		stamps = append(stamps, time.Now())
		return &smithy.GenericAPIError{Code: "Throttling"}
	})

	require.Len(t, stamps, 3)
	// Uncapped the first gap would be at least 50ms; the cap holds it to 10ms.
	assert.Less(t, stamps[1].Sub(stamps[0]), 45*time.Millisecond)
	assert.Less(t, stamps[2].Sub(stamps[1]), 45*time.Millisecond)
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	hinted := &faults.Fault{
		Category:   faults.CategoryThrottle,
		Code:       "TooManyRequests",
		Message:    "slow down",
		Retryable:  true,
		RetryAfter: 30 * time.Millisecond,
	}

	var stamps []time.Time
	_ = Do(context.Background(), "probe", fastPolicy(2), func() error {
		stamps = append(stamps, time.Now())
		return hinted
	})

	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 25*time.Millisecond,
		"server-suggested delay should override the shorter backoff")
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{
		Attempts:  5,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    0.2,
	}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, "probe", p, func() error {
		calls++
		return &smithy.GenericAPIError{Code: "Throttling"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation during backoff should stop further attempts")
}

func TestDoReturnsNilImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "noop", Policy{}, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, uint(5), p.Attempts)
	assert.Equal(t, 100*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.InDelta(t, 0.2, p.Jitter, 1e-9)
}

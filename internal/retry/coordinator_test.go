package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/faults"
)

func newTestCoordinator(maxAttempts int) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(faults.NewClassifier(), 100*time.Millisecond, maxAttempts, zap.NewNop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestRunRetriesWithLinearBackoff(t *testing.T) {
	c, slept := newTestCoordinator(3)
	calls := 0
	var reported []int

	value, out := Run(context.Background(), c, faults.Context{Operation: "verify"}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("network request failed")
		}
		return "ok", nil
	}, func(attempt int, verr *faults.VerificationError) {
		reported = append(reported, attempt)
		require.Equal(t, faults.KindNetworkError, verr.Kind)
	})

	require.Equal(t, "ok", value)
	require.Nil(t, out.Err)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, []int{1, 2}, reported)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestRunNeverExceedsMaxAttempts(t *testing.T) {
	for _, budget := range []int{1, 2, 3, 5} {
		c, _ := newTestCoordinator(budget)
		calls := 0
		_, out := Run(context.Background(), c, faults.Context{}, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("server exploded")
		}, nil)

		require.Equal(t, budget, calls)
		require.Equal(t, budget, out.Attempts)
		require.True(t, out.ShouldShowFallback)
		require.Equal(t, faults.KindServerError, out.Err.Kind)
	}
}

func TestRunStopsOnNonRetryable(t *testing.T) {
	c, slept := newTestCoordinator(3)
	calls := 0
	_, out := Run(context.Background(), c, faults.Context{}, func(ctx context.Context) (int, error) {
		calls++
		return 0, faults.HardwareFault{Detail: "gone"}
	}, func(int, *faults.VerificationError) {
		t.Fatal("onAttempt must not run for non-retryable faults")
	})

	require.Equal(t, 1, calls)
	require.Empty(t, *slept)
	require.False(t, out.ShouldShowFallback)
	require.Equal(t, faults.KindHardwareError, out.Err.Kind)
}

func TestRunHonoursCancellation(t *testing.T) {
	c, _ := newTestCoordinator(3)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, out := Run(ctx, c, faults.Context{}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("network down")
	}, nil)

	require.Equal(t, 1, calls)
	require.NotNil(t, out.Err)
}

func TestDecide(t *testing.T) {
	c, _ := newTestCoordinator(3)

	d := c.Decide(errors.New("timed out"), 2, faults.Context{})
	require.True(t, d.Retry)
	require.Equal(t, 200*time.Millisecond, d.Delay)

	d = c.Decide(errors.New("timed out"), 3, faults.Context{})
	require.False(t, d.Retry)
	require.True(t, d.ShowFallback)

	d = c.Decide(faults.PermissionFault{Resource: "camera"}, 1, faults.Context{})
	require.False(t, d.Retry)
	require.False(t, d.ShowFallback)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

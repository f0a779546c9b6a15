package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

func TestComputeBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{
		MaxAttempts:      4,
		RetryInterval:    "100ms",
		RetryExponential: 2,
	}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestComputeBackoff_NoExponentialIsConstant(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 3, RetryInterval: "250ms"}

	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestComputeBackoff_DegenerateInputs(t *testing.T) {
	assert.Zero(t, ComputeBackoff(nil, 1))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{}, 1))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{RetryInterval: "not-a-duration"}, 1))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{RetryInterval: "1s"}, 0))
}

func TestWaitForBackoff_ZeroDelayReturnsImmediately(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoff_ZeroDelayStillObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}

func TestWaitForBackoff_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"executor", schema.NewError(schema.ErrCodeExecutor, "script blew up"), true},
		{"store", schema.NewError(schema.ErrCodeStore, "db locked"), true},
		{"invalid action", schema.NewError(schema.ErrCodeInvalidAction, "bad kind"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"resolution", schema.NewError(schema.ErrCodeResolution, "unknown step"), false},
		{"cancelled", schema.NewError(schema.ErrCodeCancelled, "stopped"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryable(tc.err))
		})
	}
}

func TestEffectiveRetryPolicy(t *testing.T) {
	custom := &schema.RetryPolicy{MaxAttempts: 7, RetryInterval: "5ms"}
	c := &EngineConstants{RetryPolicy: custom}
	assert.Same(t, custom, c.EffectiveRetryPolicy())

	defaulted := (&EngineConstants{}).EffectiveRetryPolicy()
	require.NotNil(t, defaulted)
	assert.Equal(t, 4, defaulted.MaxAttempts)
	assert.Equal(t, "1s", defaulted.RetryInterval)
	assert.Equal(t, float64(2), defaulted.RetryExponential)
}

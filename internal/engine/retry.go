package engine

import (
	"context"
	"errors"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// retryable classifies whether an error is worth re-attempting under the
// action's retry flag. Cancellation and configuration errors are not:
// re-running an invalid action or a cancelled run cannot succeed.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeInvalidAction, schema.ErrCodeValidation,
			schema.ErrCodeResolution, schema.ErrCodeCancelled:
			return false
		}
	}

	return true
}

// ComputeBackoff calculates the delay before retry number n (1-based):
// RetryInterval * RetryExponential^(n-1). A missing or unparseable
// interval yields zero delay.
func ComputeBackoff(policy *schema.RetryPolicy, retryNumber int) time.Duration {
	if policy == nil || policy.RetryInterval == "" || retryNumber < 1 {
		return 0
	}

	base, err := time.ParseDuration(policy.RetryInterval)
	if err != nil {
		return 0
	}

	factor := policy.RetryExponential
	if factor <= 0 {
		factor = 1
	}

	delay := float64(base)
	for i := 1; i < retryNumber; i++ {
		delay *= factor
	}
	return time.Duration(delay)
}

// WaitForBackoff sleeps for the given delay or returns early when the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

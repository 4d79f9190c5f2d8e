// ABOUTME: Exponential-backoff retry wrapper for provider calls.
// ABOUTME: Grounded on teacher llm/retry.go: same RetryPolicy shape and full-jitter calculation, retryability now keyed on merr.ProviderErrorCategory.
package llm

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// RetryPolicy configures retry behavior for provider calls.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy mirrors teacher llm/retry.go's defaults: 2 retries, 1s
// base, 60s cap, 2x backoff, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func (p RetryPolicy) calculateDelay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}
	delay := time.Duration(delayFloat)
	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}

// shouldRetry only retries network, rate_limit, and server provider errors;
// auth, context_length, and validation failures are never transient.
func (p RetryPolicy) shouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	var e *merr.Error
	if !merr.AsError(err, &e) || e.Kind != merr.KindProviderError {
		return false
	}
	switch e.Provider {
	case merr.ProviderNetwork, merr.ProviderRateLimit, merr.ProviderServer:
		return true
	default:
		return false
	}
}

// retry executes fn, retrying on transient provider errors with exponential
// backoff and full jitter. ctx cancellation aborts the wait immediately.
func retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !policy.shouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := policy.calculateDelay(attempt)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}

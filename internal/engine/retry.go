package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/relaypoint/draftpipe/internal/gateway"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// DefaultRetryPolicy applies when neither the step nor the workflow settings
// declare one, so a transient gateway blip never fails a step outright.
var DefaultRetryPolicy = &schema.RetryPolicy{
	Max:     2,
	Delay:   "200ms",
	Backoff: "exponential",
}

// IsRetryableError classifies whether a gateway call error should be retried.
// Retryable: transient gateway failures, network errors, per-call timeouts.
// Non-retryable: context cancellation (caller shutting down), validation
// errors, typed PipelineErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Per-call deadline is retryable; a cancelled context means the
	// execution itself is being torn down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}

	if gateway.IsTransient(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for providers that return bare errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"rate limit",
		"overloaded",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

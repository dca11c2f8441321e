package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// IsRetryableError classifies whether a node failure should be retried.
// Capability and infrastructure failures retry; configuration, routing and
// cancellation errors never do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A deadline is the node's own timeout, not the run shutting down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors retry; the policy bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (1-based, the
// attempt that just failed). Supports none, constant, linear and
// exponential backoff with an optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.InitialDelay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay < 0 { // overflow
				delay = 1<<62 - 1
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt)
	default: // constant or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the given delay, returning early with the
// context error if the run is cancelled while waiting.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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

// maxAttemptsOf resolves the attempt bound of a policy; a nil policy or an
// unset max_attempts means a single attempt.
func maxAttemptsOf(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts
}

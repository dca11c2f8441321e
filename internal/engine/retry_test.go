package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/floworc/floworc/pkg/schema"
)

func TestIsRetryableError_Classification(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))

	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeConfig, "bad config")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNoRoute, "no edge matched")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStep, "agent flaked")))

	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("HTTP 503 Service Unavailable")))

	// Unknown errors retry; the policy bounds the attempts.
	assert.True(t, IsRetryableError(errors.New("something odd")))
}

func TestComputeBackoff_Strategies(t *testing.T) {
	constant := &schema.RetryPolicy{MaxAttempts: 3, Backoff: "constant", InitialDelay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(constant, 1))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(constant, 3))

	linear := &schema.RetryPolicy{MaxAttempts: 3, Backoff: "linear", InitialDelay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(linear, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(linear, 3))

	exponential := &schema.RetryPolicy{MaxAttempts: 5, Backoff: "exponential", InitialDelay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(exponential, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(exponential, 2))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(exponential, 4))
}

func TestComputeBackoff_NoneAndNil(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 2))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Backoff: "none", InitialDelay: "1s"}, 2))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Backoff: "constant"}, 1))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "exponential", InitialDelay: "1s", MaxDelay: "3s"}
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 3*time.Second, ComputeBackoff(policy, 5))
}

func TestWaitForBackoff_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaxAttemptsOf(t *testing.T) {
	assert.Equal(t, 1, maxAttemptsOf(nil))
	assert.Equal(t, 1, maxAttemptsOf(&schema.RetryPolicy{}))
	assert.Equal(t, 4, maxAttemptsOf(&schema.RetryPolicy{MaxAttempts: 4}))
}

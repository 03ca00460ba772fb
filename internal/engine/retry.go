package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// IsRetryableError classifies whether a failed step attempt may be retried
// step-locally. Step timeouts and cancellations are fatal for the attempt;
// a capability's StepExecutionError decides through its Retryable flag.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *schema.StepExecutionError
	if errors.As(err, &se) {
		return se.Retryable
	}

	var tfErr *schema.TaskflowError
	if errors.As(err, &tfErr) {
		return tfErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
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
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unclassified capability errors are treated as transient; the step's
	// retry count bounds the attempts.
	return true
}

// ComputeBackoff returns the delay before policy-level retry number attempt
// (1-based): min(base * 2^(attempt-1), cap). A zero cap means
// schema.DefaultMaxRetryDelay.
func ComputeBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	if maxDelay <= 0 {
		maxDelay = schema.DefaultMaxRetryDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// PolicyBackoff computes the retry delay for a workflow error policy.
func PolicyBackoff(policy schema.ErrorHandlingPolicy, attempt int) time.Duration {
	base, err := schema.ParseDuration(policy.RetryDelay)
	if err != nil {
		return 0
	}
	maxDelay, err := schema.ParseDuration(policy.MaxRetryDelay)
	if err != nil {
		maxDelay = 0
	}
	return ComputeBackoff(base, maxDelay, attempt)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
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

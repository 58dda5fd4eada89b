package llm

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy is exponential backoff clamped to [MinBackoff, MaxBackoff].
// Attempt n (1-based) waits Multiplier * 2^(n-1) seconds before the next try.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
}

// OpenAIRetry is the policy for OpenAI-style providers: a single attempt.
func OpenAIRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, MinBackoff: 2 * time.Second, MaxBackoff: 5 * time.Second, Multiplier: 1}
}

// AnthropicRetry is the policy for Anthropic-style providers: three attempts.
func AnthropicRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, MinBackoff: 2 * time.Second, MaxBackoff: 6 * time.Second, Multiplier: 1}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(mult * math.Pow(2, float64(attempt-1)) * float64(time.Second))
	if d < p.MinBackoff {
		d = p.MinBackoff
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Retryable reports whether err is worth another attempt. Context errors and
// non-temporary HTTP statuses are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

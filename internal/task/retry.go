package task

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Minute
	DefaultRetryMaxDelay  = 24 * time.Hour
)

// Backoff computes the delay before attempt number attempts (1-based) may run again.
type Backoff func(attempts int) time.Duration

// Exponential returns base * 2^attempts, capped at maxDelay.
func Exponential(base, maxDelay time.Duration) Backoff {
	return func(attempts int) time.Duration {
		if base <= 0 {
			return 0
		}
		d := base
		for i := 0; i < attempts; i++ {
			if d >= maxDelay/2 {
				return maxDelay
			}
			d *= 2
		}
		return min(d, maxDelay)
	}
}

// Linear returns base * attempts, capped at maxDelay.
func Linear(base, maxDelay time.Duration) Backoff {
	return func(attempts int) time.Duration {
		if base <= 0 || attempts <= 0 {
			return 0
		}
		if time.Duration(attempts) > maxDelay/base {
			return maxDelay
		}
		return min(base*time.Duration(attempts), maxDelay)
	}
}

// Constant always returns d.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// RetryPolicy decides what a handler failure does to a task.
type RetryPolicy struct {
	MaxRetries int
	Backoff    Backoff
	// MaxDelay caps delays requested through RetryAfter. Zero means no cap.
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Backoff:    Exponential(DefaultRetryBaseDelay, DefaultRetryMaxDelay),
		MaxDelay:   DefaultRetryMaxDelay,
	}
}

// Decision is the result of applying a RetryPolicy to a failed attempt.
type Decision struct {
	Attempts int
	Terminal bool
	Delay    time.Duration
}

// Decide is called with the attempt count before the failure is recorded.
func (p RetryPolicy) Decide(prevAttempts int, cause error) Decision {
	limit := p.MaxRetries
	if limit <= 0 {
		limit = DefaultMaxRetries
	}
	d := Decision{Attempts: prevAttempts + 1}
	if d.Attempts >= limit {
		d.Terminal = true
		return d
	}
	if after, ok := RetryAfterHint(cause); ok {
		d.Delay = after
	} else if p.Backoff != nil {
		d.Delay = p.Backoff(d.Attempts)
	}
	if p.MaxDelay > 0 && d.Delay > p.MaxDelay {
		d.Delay = p.MaxDelay
	}
	if d.Delay < 0 {
		d.Delay = 0
	}
	return d
}

// RetryAfter asks for the failed task to become eligible again after d
// instead of the policy's backoff. The retry ceiling still applies.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	return retryAfterError{err: err, after: d}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint extracts the delay from a RetryAfter error chain.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

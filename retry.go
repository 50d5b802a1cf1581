package gantry

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for FlowBuilder.WithRetry and DefaultRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithBackoff sets the base delay before the first retry. Subsequent
// retries double the delay.
//
// Example:
//
//	Retry(4).WithBackoff(100*time.Millisecond).WithMaxBackoff(2*time.Second)
func (r RetryBuilder) WithBackoff(base time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = base
	return RetryBuilder{policy: p}
}

// WithMaxBackoff caps the doubling delay. Zero means no cap.
func (r RetryBuilder) WithMaxBackoff(max time.Duration) RetryBuilder {
	p := r.policy
	p.MaxBackoff = max
	return RetryBuilder{policy: p}
}

// WithJitter adds a uniform random delay in [0, jitter) to every
// backoff, de-synchronizing retry storms across concurrent runs.
func (r RetryBuilder) WithJitter(jitter time.Duration) RetryBuilder {
	p := r.policy
	p.Jitter = jitter
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Backoff = 0
	p.MaxBackoff = 0
	p.Jitter = 0
	return RetryBuilder{policy: p}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

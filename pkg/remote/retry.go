package remote

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a request is attempted.
type RetryPolicy struct {
	// MaxAttempts is the total number of requests, including the first.
	MaxAttempts int

	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// LinearBackoff waits step*attempt between attempts.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// DefaultRetryPolicy is three attempts with a one second linear step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: LinearBackoff(time.Second)}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = LinearBackoff(time.Second)
	}
	return p
}

// policyBackOff adapts a RetryPolicy to backoff.BackOff.
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	return b.policy.Backoff(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

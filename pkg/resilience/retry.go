// Package resilience holds small retry helpers for startup-time dials.
package resilience

import "time"

// RetryPolicy retries a transient failure a fixed number of times with a
// constant backoff. It is meant for one-shot startup work (broker dial);
// steady-state paths handle their own failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or the retries are spent, returning the last
// error.
func (r RetryPolicy) Do(fn func() error) error {
	attempts := r.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < attempts {
			time.Sleep(r.Backoff)
		}
	}
	return err
}

// Package retry provides bounded retries with jittered exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn under the policy, sleeping a jittered backoff between attempts.
// Non-transient errors are returned immediately.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if backoff > 1 {
			sleep += time.Duration(rand.Int63n(int64(backoff / 2)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			if backoff *= 2; backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}
	return err
}

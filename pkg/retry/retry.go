// Package retry implements the shared exponential backoff policy used by
// the feed connector and the order execution adapter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// JitterFunc perturbs a computed backoff delay.
type JitterFunc func(time.Duration) time.Duration

// Policy defines how to retry an operation.
type Policy struct {
	// MaxAttempts bounds the total number of tries. Zero or negative
	// means retry indefinitely (the feed connector's reconnect loop).
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	// Jitter defaults to adding random(0, 50% of delay).
	Jitter JitterFunc
}

// DefaultPolicy is a sensible default for order submission.
var DefaultPolicy = Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	Multiplier:     2.0,
	MaxBackoff:     10 * time.Second,
}

// ReconnectPolicy retries indefinitely, for connection maintenance.
var ReconnectPolicy = Policy{
	MaxAttempts:    0,
	InitialBackoff: 500 * time.Millisecond,
	Multiplier:     2.0,
	MaxBackoff:     8 * time.Second,
}

// IsTransientFunc reports whether an error should be retried.
type IsTransientFunc func(error) bool

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Delay returns the jittered backoff for a zero-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= mult
		if time.Duration(d) >= p.MaxBackoff {
			d = float64(p.MaxBackoff)
			break
		}
	}
	delay := time.Duration(d)
	if delay > p.MaxBackoff && p.MaxBackoff > 0 {
		delay = p.MaxBackoff
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	return jitter(delay)
}

// Do executes fn with retries according to the policy. Non-transient
// errors return immediately; exhausting MaxAttempts returns the last
// error. Context cancellation aborts the wait.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if isTransient != nil && !isTransient(err) {
			return err
		}

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts-1 {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
}

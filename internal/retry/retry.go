// Package retry is the single backoff policy used across the engine.
// Transport reconnects and outbox delivery both go through it so failure
// behavior stays consistent and testable in one place.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy parameterizes exponential backoff with jitter.
type Policy struct {
	Base        time.Duration // first delay
	Cap         time.Duration // maximum delay between attempts
	MaxAttempts uint64        // total attempts including the first; 0 means retry forever
	Jitter      float64       // randomization factor; 1.0 = full jitter
}

// Reconnect is the transport session reconnect policy.
func Reconnect() Policy {
	return Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 1.0}
}

// Send is the outbox delivery policy.
func Send() Policy {
	return Policy{Base: 500 * time.Millisecond, Cap: 15 * time.Second, MaxAttempts: 5, Jitter: 1.0}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Cap
	eb.RandomizationFactor = p.Jitter
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

// Permanent marks err as non-retryable; Do stops immediately and returns it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

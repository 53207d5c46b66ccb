// Package retry is the single retry-policy abstraction shared by the
// outbound queue, the inbound queue, the ledger's recovery wait and the
// connection factory's dial loop. Each consumer picks a preset (or builds its
// own Policy) instead of keeping ad-hoc counters.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes how many times an operation may be retried and how long to
// wait before each retry.
//
// The delay for retry n (1-indexed) is taken from Schedule when present: the
// n-th entry, or the last entry once n runs past the end. Without a Schedule
// it is exponential: Base * 2^(n-1), capped at Max. Jitter adds a random
// value in [-Jitter, +Jitter] and the result is never negative.
type Policy struct {
	// MaxAttempts is the number of retries allowed. Zero or less means
	// unlimited.
	MaxAttempts int
	Schedule    []time.Duration
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
}

// Presets used across the module.
var (
	// OutboundPolicy defers a message whose connection is down: 5s, 10s, 20s,
	// then dropped.
	OutboundPolicy = Policy{
		MaxAttempts: 3,
		Schedule:    []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
	}

	// InboundPolicy rotates a message behind busy workers for roughly ten
	// minutes at the inbound pacing interval.
	InboundPolicy = Policy{
		MaxAttempts: 100,
		Schedule:    []time.Duration{6 * time.Second},
	}

	// RecoveryPolicy waits for a device connection during restart recovery.
	RecoveryPolicy = Policy{
		MaxAttempts: 10,
		Schedule:    []time.Duration{5 * time.Second},
	}

	// DialPolicy is the background dial loop of the connection factory.
	DialPolicy = Policy{
		MaxAttempts: 5,
		Base:        time.Second,
		Max:         10 * time.Second,
		Jitter:      500 * time.Millisecond,
	}
)

// Exhausted reports whether retry number attempt (1-indexed) exceeds the
// policy. With MaxAttempts=3, attempts 1..3 are allowed and 4 is exhausted.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns the wait before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch {
	case len(p.Schedule) > 0:
		idx := attempt - 1
		if idx >= len(p.Schedule) {
			idx = len(p.Schedule) - 1
		}
		d = p.Schedule[idx]
	default:
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				break
			}
		}
		if p.Max > 0 && d > p.Max {
			d = p.Max
		}
	}

	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
		if d < 0 {
			d = 0
		}
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx is done.
// onRetry, when non-nil, runs after each failed attempt that will be retried.
//
// The first call is not a retry, so fn runs at most MaxAttempts+1 times.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		next := attempt + 1
		if p.Exhausted(next) {
			return lastErr
		}
		if onRetry != nil {
			onRetry(next, lastErr)
		}

		timer := time.NewTimer(p.Delay(next))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", next, ctx.Err())
		}
	}
}

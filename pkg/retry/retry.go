// Package retry runs operations under a bounded attempt policy with a
// pluggable backoff function and timer.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffFunc returns the wait before the attempt after the given one.
// attempt starts at 1.
type BackoffFunc func(attempt int, base time.Duration) time.Duration

// Linear waits attempt × base: 1s, 2s, 3s for a one second base.
func Linear(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

// Constant always waits base.
func Constant(_ int, base time.Duration) time.Duration {
	return base
}

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     BackoffFunc
	// Timer drives the waits. Nil uses a real timer; tests inject one that
	// fires immediately.
	Timer backoff.Timer
}

// Default is three attempts with a linear one second step.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Backoff: Linear}
}

// NotifyFunc is called after a failed attempt that will be retried.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the context ends
// or MaxAttempts is reached. It returns the last error from op.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, notify NotifyFunc) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	steps := &stepBackOff{policy: p}
	b := backoff.WithContext(backoff.WithMaxRetries(steps, uint64(maxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotifyWithTimer(func() error {
		attempt++
		return op(attempt)
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	}, p.Timer)
}

// stepBackOff adapts a BackoffFunc to backoff.BackOff.
type stepBackOff struct {
	policy Policy
	n      int
}

func (s *stepBackOff) NextBackOff() time.Duration {
	s.n++
	fn := s.policy.Backoff
	if fn == nil {
		fn = Linear
	}
	return fn(s.n, s.policy.BaseDelay)
}

func (s *stepBackOff) Reset() { s.n = 0 }

// Package retry re-runs an operation after transient failures, following a
// fixed backoff schedule. It exists for outbound chat delivery, where the
// API throws occasional 5xx responses that resolve within seconds.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy is a backoff schedule. The number of attempts is one more than the
// number of delays: each delay sits between two attempts.
type Policy struct {
	Delays []time.Duration
}

// Default allows three attempts with short pauses, enough to ride out a
// brief chat API hiccup without stalling a task notification for long.
var Default = Policy{Delays: []time.Duration{1 * time.Second, 5 * time.Second}}

// Schedule builds a policy from explicit delays. No delays means a single
// attempt.
func Schedule(delays ...time.Duration) Policy {
	return Policy{Delays: delays}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying: the policy stops and
// returns the wrapped error as-is.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Do runs fn under the policy. It returns nil on the first success, the
// unwrapped error when fn reports a permanent failure, and the last error
// once the schedule is exhausted or the context ends.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	_, err := DoVal(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoVal is Do for operations that produce a value.
func DoVal[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
		if attempt >= len(p.Delays) {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, err
		case <-time.After(p.Delays[attempt]):
		}
	}
}

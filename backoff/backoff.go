// Package backoff computes retry delays for the buses.
//
// A Policy maps a 1-based attempt number to the delay to wait before that
// attempt runs. Exponential doubles the delay for every attempt:
//
//	p := backoff.Exponential{Initial: 500 * time.Millisecond}
//	p.Delay(1) // 500ms
//	p.Delay(2) // 1s
//	p.Delay(3) // 2s
package backoff

import (
	"context"
	"math"
	"time"
)

// DefaultInitial is the initial delay used when a policy is built with a zero value.
const DefaultInitial = 500 * time.Millisecond

// Policy returns the delay for a given attempt number.
// Attempt numbers start at 1. Implementations must be safe for concurrent use.
type Policy interface {
	Delay(attempt int) time.Duration
}

// PolicyFunc adapts a function to a Policy.
type PolicyFunc func(attempt int) time.Duration

// Delay calls f(attempt).
func (f PolicyFunc) Delay(attempt int) time.Duration {
	return f(attempt)
}

// Exponential is a Policy whose delay is Initial * 2^(attempt-1).
// Attempts below 1 are treated as 1. Max caps the delay when positive.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential policy with the given initial delay.
// A non-positive initial delay falls back to DefaultInitial.
func NewExponential(initial time.Duration) Exponential {
	if initial <= 0 {
		initial = DefaultInitial
	}
	return Exponential{Initial: initial}
}

// Delay returns the delay before the given attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(math.MaxInt64)
	if d < math.MaxInt64 {
		delay = time.Duration(math.Floor(d))
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// Constant is a Policy that always returns the same delay.
type Constant time.Duration

// Delay returns the constant delay.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the context ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Compile-time checks
var _ Policy = Exponential{}
var _ Policy = Constant(0)
var _ Policy = PolicyFunc(nil)

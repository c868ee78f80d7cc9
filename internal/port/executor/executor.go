// Package executor defines the execution port: the single abstraction
// boundary between the scheduling core and whatever actually runs a prompt
// against an agent session.
package executor

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrBusy marks transient unavailability: the target session exists but
// cannot take work right now. The task queue retries busy failures with a
// fixed backoff up to a bound.
var ErrBusy = errors.New("agent is busy")

// ErrTimeout marks a dispatch that exceeded its deadline. It is a distinct
// rejection kind from plain execution failure so callers can choose retry
// vs. escalate. The underlying external operation may still be running.
var ErrTimeout = errors.New("execution timed out")

// Executor runs input against a target agent and returns its output. The
// core never inspects how execution actually happens.
type Executor interface {
	Execute(ctx context.Context, target, input string, timeout time.Duration) (string, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, target, input string, timeout time.Duration) (string, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, target, input string, timeout time.Duration) (string, error) {
	return f(ctx, target, input, timeout)
}

// IsBusy reports whether err indicates the target was merely busy. Remote
// workers surface busyness as text, so a message probe backs the sentinel
// check.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "busy")
}

// IsTimeout reports whether err is a deadline rejection.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

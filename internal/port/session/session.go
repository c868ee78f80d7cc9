// Package session defines the port for long-lived agent session handles.
package session

import (
	"context"
	"time"
)

// Handle is one reusable execution session. Implementations wrap whatever
// transport reaches the real worker process.
type Handle interface {
	// ID returns the unique identifier of this session.
	ID() string

	// Ready reports whether the session can accept work. The pool consults
	// this independently of its own busy bookkeeping, so a crashed session
	// is detected even before the pool is told to release it.
	Ready(ctx context.Context) bool

	// Send dispatches a prompt and returns the session's output.
	Send(ctx context.Context, prompt string, timeout time.Duration) (string, error)

	// Close terminates the session and releases its resources.
	Close(ctx context.Context) error
}

// Factory creates a new session handle for an agent key.
type Factory func(ctx context.Context) (Handle, error)

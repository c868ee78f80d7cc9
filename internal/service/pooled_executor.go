package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skein-dev/skein/internal/port/executor"
	"github.com/skein-dev/skein/internal/port/session"
)

// SessionOpener creates a fresh session handle for a target agent. It is
// invoked by the pool only when no idle handle can be reused.
type SessionOpener func(ctx context.Context, target string) (session.Handle, error)

// PooledExecutor runs prompts through pooled session handles: acquire, send,
// release. Pool saturation surfaces as a busy-class error so the task queue
// treats it as retryable backpressure rather than a terminal failure.
type PooledExecutor struct {
	pool *ProcessPoolService
	open SessionOpener
}

// NewPooledExecutor creates a PooledExecutor.
func NewPooledExecutor(pool *ProcessPoolService, open SessionOpener) *PooledExecutor {
	return &PooledExecutor{pool: pool, open: open}
}

// Execute acquires a session for target, sends input, and releases the
// session whatever the outcome.
func (e *PooledExecutor) Execute(ctx context.Context, target, input string, timeout time.Duration) (string, error) {
	p, _, err := e.pool.Acquire(ctx, target, target, func(ctx context.Context) (session.Handle, error) {
		return e.open(ctx, target)
	})
	if err != nil {
		if errors.Is(err, ErrPoolSaturated) {
			return "", fmt.Errorf("%w: %w", executor.ErrBusy, err)
		}
		return "", err
	}
	defer e.pool.Release(target, p)

	out, err := p.Handle.Send(ctx, input, timeout)
	if err != nil {
		return "", fmt.Errorf("send to agent %s: %w", target, err)
	}
	return out, nil
}

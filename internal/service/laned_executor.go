package service

import (
	"context"
	"time"

	"github.com/skein-dev/skein/internal/port/executor"
)

// LanedExecutor admits every dispatch through the lane manager before
// handing it to the inner executor: serialized per target session, bounded
// globally across all targets.
type LanedExecutor struct {
	lanes *LaneService
	inner executor.Executor
}

// NewLanedExecutor creates a LanedExecutor.
func NewLanedExecutor(lanes *LaneService, inner executor.Executor) *LanedExecutor {
	return &LanedExecutor{lanes: lanes, inner: inner}
}

// Execute enqueues the dispatch with two-stage session admission and blocks
// until it has run or been rejected.
func (e *LanedExecutor) Execute(ctx context.Context, target, input string, timeout time.Duration) (string, error) {
	var out string
	err := e.lanes.EnqueueWithSession(ctx, target, func(ctx context.Context) error {
		var err error
		out, err = e.inner.Execute(ctx, target, input, timeout)
		return err
	})
	return out, err
}

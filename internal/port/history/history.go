// Package history defines the port for archiving completed work. Only
// terminal records are persisted; in-flight queue state never leaves memory.
package history

import (
	"context"

	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/domain/workflow"
)

// Store archives terminal background tasks and workflow executions.
type Store interface {
	ArchiveTask(ctx context.Context, t *bgtask.Task) error
	ListTasks(ctx context.Context, limit int) ([]bgtask.Task, error)

	ArchiveExecution(ctx context.Context, e *workflow.Execution) error
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, limit int) ([]workflow.Execution, error)
}

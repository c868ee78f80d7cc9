package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/domain/workflow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// HistoryStore implements the history port on a pgx connection pool.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// ArchiveTask persists one terminal background task. Archiving is
// idempotent: re-archiving the same task id overwrites the row.
func (s *HistoryStore) ArchiveTask(ctx context.Context, t *bgtask.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_history (id, description, prompt, agent_id, requester_id, status, queued_at, started_at, completed_at, result, error, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count`,
		t.ID, t.Description, t.Prompt, t.AgentID, t.RequesterID, string(t.Status),
		t.QueuedAt, t.StartedAt, t.CompletedAt, t.Result, t.Error, t.RetryCount)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns the most recently completed tasks, newest first.
func (s *HistoryStore) ListTasks(ctx context.Context, limit int) ([]bgtask.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, description, prompt, agent_id, requester_id, status, queued_at, started_at, completed_at, result, error, retry_count
		FROM task_history
		ORDER BY completed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	var out []bgtask.Task
	for rows.Next() {
		var t bgtask.Task
		var status string
		if err := rows.Scan(&t.ID, &t.Description, &t.Prompt, &t.AgentID, &t.RequesterID, &status,
			&t.QueuedAt, &t.StartedAt, &t.CompletedAt, &t.Result, &t.Error, &t.RetryCount); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		t.Status = bgtask.Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveExecution persists one finished workflow execution with its step
// results as JSONB.
func (s *HistoryStore) ArchiveExecution(ctx context.Context, e *workflow.Execution) error {
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_history (id, plan_name, status, started_at, completed_at, results)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			results = EXCLUDED.results`,
		e.ID, e.PlanName, string(e.Status), e.StartedAt, e.CompletedAt, results)
	if err != nil {
		return fmt.Errorf("archive execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution fetches one archived execution by id.
func (s *HistoryStore) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, plan_name, status, started_at, completed_at, results
		FROM execution_history
		WHERE id = $1`, id)

	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListExecutions returns the most recently finished executions, newest first.
func (s *HistoryStore) ListExecutions(ctx context.Context, limit int) ([]workflow.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, plan_name, status, started_at, completed_at, results
		FROM execution_history
		ORDER BY completed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution history: %w", err)
	}
	defer rows.Close()

	var out []workflow.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*workflow.Execution, error) {
	var e workflow.Execution
	var status string
	var results []byte
	if err := row.Scan(&e.ID, &e.PlanName, &status, &e.StartedAt, &e.CompletedAt, &results); err != nil {
		return nil, err
	}
	e.Status = workflow.ExecutionStatus(status)
	if err := json.Unmarshal(results, &e.Results); err != nil {
		return nil, fmt.Errorf("decode step results: %w", err)
	}
	return &e, nil
}

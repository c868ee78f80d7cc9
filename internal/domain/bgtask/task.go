// Package bgtask defines the background task entity queued against agent
// sessions.
package bgtask

import "time"

// Status represents the current state of a background task. Transitions are
// monotonic (pending → running → completed/failed) except the busy-retry
// path, which reverts running → pending a bounded number of times.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a queued unit of work for an agent session.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt"`
	AgentID     string    `json:"agent_id"`
	RequesterID string    `json:"requester_id,omitempty"`
	Status      Status    `json:"status"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count"`
}

// Spec holds the fields needed to submit a new task.
type Spec struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	AgentID     string `json:"agent_id"`
	RequesterID string `json:"requester_id,omitempty"`
}

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"

	EventStepStarted       = "step.started"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
	EventWorkflowCompleted = "workflow.completed"

	EventLaneSlow = "lane.slow"
)

// TaskEvent is broadcast when a background task changes state.
type TaskEvent struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

// StepEvent is broadcast as workflow steps start and resolve.
type StepEvent struct {
	ExecutionID string `json:"execution_id"`
	PlanName    string `json:"plan_name"`
	StepID      string `json:"step_id"`
	Target      string `json:"target"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Level       int    `json:"level"`
}

// WorkflowEvent is broadcast when a whole execution resolves.
type WorkflowEvent struct {
	ExecutionID string `json:"execution_id"`
	PlanName    string `json:"plan_name"`
	Status      string `json:"status"`
	Steps       int    `json:"steps"`
	DurationMS  int64  `json:"duration_ms"`
}

// LaneSlowEvent is broadcast when an entry waited past the warn threshold.
type LaneSlowEvent struct {
	Lane      string `json:"lane"`
	WaitedMS  int64  `json:"waited_ms"`
	Remaining int    `json:"remaining"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/skein-dev/skein/internal/domain/bgtask"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.submitTaskTool(),
		s.getTaskStatusTool(),
		s.listTasksTool(),
		s.cancelTaskTool(),
		s.runWorkflowTool(),
		s.queueStatsTool(),
	)
}

func (s *Server) submitTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_task",
		mcplib.WithDescription("Submit a background task to an agent session. Returns the queued task including its ID."),
		mcplib.WithString("agent_id",
			mcplib.Required(),
			mcplib.Description("The agent session to run the task on"),
		),
		mcplib.WithString("prompt",
			mcplib.Required(),
			mcplib.Description("The prompt to send to the agent"),
		),
		mcplib.WithString("description",
			mcplib.Description("Short human-readable description of the task"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSubmitTask,
	}
}

func (s *Server) getTaskStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task_status",
		mcplib.WithDescription("Get the current status and result of a background task by ID"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetTaskStatus,
	}
}

func (s *Server) listTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_tasks",
		mcplib.WithDescription("List all tracked background tasks: pending, running, and recent history"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListTasks,
	}
}

func (s *Server) cancelTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_task",
		mcplib.WithDescription("Cancel a pending or running background task by ID"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to cancel"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleCancelTask,
	}
}

func (s *Server) runWorkflowTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("run_workflow",
		mcplib.WithDescription("Parse a workflow plan out of free-form text and execute it. Blocks until the run finishes and returns the synthesized result."),
		mcplib.WithString("plan_text",
			mcplib.Required(),
			mcplib.Description("Text containing a workflow plan JSON object, typically inside a fenced code block"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRunWorkflow,
	}
}

func (s *Server) queueStatsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("queue_stats",
		mcplib.WithDescription("Get occupancy snapshots for the task queue, lanes, and session pools"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleQueueStats,
	}
}

func (s *Server) handleSubmitTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task queue not configured"), nil
	}
	args := req.GetArguments()
	agentID, ok := args["agent_id"].(string)
	if !ok || agentID == "" {
		return mcplib.NewToolResultError("agent_id is required"), nil
	}
	prompt, ok := args["prompt"].(string)
	if !ok || prompt == "" {
		return mcplib.NewToolResultError("prompt is required"), nil
	}
	description, _ := args["description"].(string)

	task, err := s.deps.Tasks.Submit(ctx, bgtask.Spec{
		AgentID:     agentID,
		Prompt:      prompt,
		Description: description,
		RequesterID: "mcp",
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to submit task", err), nil
	}
	data, err := json.Marshal(task)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal task", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetTaskStatus(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task queue not configured"), nil
	}
	args := req.GetArguments()
	taskID, ok := args["task_id"].(string)
	if !ok || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	task, ok := s.deps.Tasks.GetTask(taskID)
	if !ok {
		return mcplib.NewToolResultError(fmt.Sprintf("task %s not found", taskID)), nil
	}
	data, err := json.Marshal(task)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal task", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListTasks(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task queue not configured"), nil
	}
	tasks := s.deps.Tasks.ListTasks()
	data, err := json.Marshal(tasks)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal tasks", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleCancelTask(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task queue not configured"), nil
	}
	args := req.GetArguments()
	taskID, ok := args["task_id"].(string)
	if !ok || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	if !s.deps.Tasks.Cancel(taskID) {
		return mcplib.NewToolResultError(fmt.Sprintf("task %s not found or already finished", taskID)), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("task %s cancelled", taskID)), nil
}

func (s *Server) handleRunWorkflow(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Workflows == nil {
		return mcplib.NewToolResultError("workflow engine not configured"), nil
	}
	args := req.GetArguments()
	planText, ok := args["plan_text"].(string)
	if !ok || planText == "" {
		return mcplib.NewToolResultError("plan_text is required"), nil
	}

	plan := s.deps.Workflows.ParsePlan(ctx, planText)
	if plan == nil {
		return mcplib.NewToolResultError("no workflow plan found in the given text"), nil
	}

	summary, execution, err := s.deps.Workflows.Execute(ctx, plan)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("workflow %q did not complete", plan.Name), err,
		), nil
	}

	data, err := json.Marshal(map[string]any{
		"summary":   summary,
		"execution": execution,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal execution", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleQueueStats(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	stats := map[string]any{}
	if s.deps.Tasks != nil {
		stats["queue"] = s.deps.Tasks.Stats()
	}
	if s.deps.Lanes != nil {
		stats["lanes"] = s.deps.Lanes.Stats()
	}
	if s.deps.Pools != nil {
		stats["pools"] = s.deps.Pools.Stats()
	}
	if len(stats) == 0 {
		return mcplib.NewToolResultError("no stats sources configured"), nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal stats", err), nil
	}
	return toolResultJSON(string(data)), nil
}

package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/skein-dev/skein/internal/adapter/ws"
	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/domain/workflow"
	"github.com/skein-dev/skein/internal/port/history"
	"github.com/skein-dev/skein/internal/service"
)

const defaultHistoryLimit = 50

// Handlers holds the HTTP handler dependencies. History is optional; the
// archive endpoints return 404 when no store is configured.
type Handlers struct {
	Tasks     *service.TaskQueueService
	Workflows *service.WorkflowService
	Lanes     *service.LaneService
	Pool      *service.ProcessPoolService
	History   history.Store
	Hub       *ws.Hub
}

// ---------------------------------------------------------------------------
// Background tasks
// ---------------------------------------------------------------------------

// SubmitTask handles POST /api/v1/tasks.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[bgtask.Spec](w, r)
	if !ok {
		return
	}
	if !requireField(w, spec.AgentID, "agent_id") || !requireField(w, spec.Prompt, "prompt") {
		return
	}

	task, err := h.Tasks.Submit(r.Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "task queue is full")
		case errors.Is(err, service.ErrQueueDestroyed):
			writeError(w, http.StatusServiceUnavailable, "task queue is shutting down")
		default:
			writeInternalError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Tasks.ListTasks())
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	task, ok := h.Tasks.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.Tasks.Cancel(id) {
		writeError(w, http.StatusNotFound, "task not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListTaskHistory handles GET /api/v1/tasks/archive.
func (h *Handlers) ListTaskHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "task archive is not configured")
		return
	}
	tasks, err := h.History.ListTasks(r.Context(), queryLimit(r))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []bgtask.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

type parseWorkflowRequest struct {
	Text string `json:"text"`
}

type parseWorkflowResponse struct {
	Plan   *workflow.Plan `json:"plan"`
	Levels int            `json:"levels"`
	Steps  int            `json:"steps"`
}

// ParseWorkflow handles POST /api/v1/workflows/parse. It extracts and
// validates a plan without executing it.
func (h *Handlers) ParseWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[parseWorkflowRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Text, "text") {
		return
	}

	plan := h.Workflows.ParsePlan(r.Context(), req.Text)
	if plan == nil {
		writeError(w, http.StatusUnprocessableEntity, "no workflow plan found in text")
		return
	}
	if err := h.Workflows.Validate(plan); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	levels, err := workflow.Levels(plan)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, parseWorkflowResponse{
		Plan:   plan,
		Levels: len(levels),
		Steps:  len(plan.Steps),
	})
}

type runWorkflowRequest struct {
	Text string         `json:"text,omitempty"`
	Plan *workflow.Plan `json:"plan,omitempty"`
}

type runWorkflowResponse struct {
	Summary   string              `json:"summary"`
	Execution *workflow.Execution `json:"execution"`
}

// RunWorkflow handles POST /api/v1/workflows/run. The plan comes either
// pre-built in the request or parsed out of free-form text. The call blocks
// until the run resolves; the execution record carries the outcome.
func (h *Handlers) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[runWorkflowRequest](w, r)
	if !ok {
		return
	}

	plan := req.Plan
	if plan == nil {
		if !requireField(w, req.Text, "text") {
			return
		}
		plan = h.Workflows.ParsePlan(r.Context(), req.Text)
		if plan == nil {
			writeError(w, http.StatusUnprocessableEntity, "no workflow plan found in text")
			return
		}
	}

	summary, execution, err := h.Workflows.Execute(r.Context(), plan)
	if err != nil && execution == nil {
		// Rejected before any step ran.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runWorkflowResponse{
		Summary:   summary,
		Execution: execution,
	})
}

// ListExecutions handles GET /api/v1/executions.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "execution archive is not configured")
		return
	}
	executions, err := h.History.ListExecutions(r.Context(), queryLimit(r))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if executions == nil {
		executions = []workflow.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "execution archive is not configured")
		return
	}
	execution, err := h.History.GetExecution(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// ---------------------------------------------------------------------------
// Lanes and pools
// ---------------------------------------------------------------------------

// LaneStats handles GET /api/v1/lanes.
func (h *Handlers) LaneStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Lanes.Stats())
}

type laneLimitRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// SetLaneLimit handles PUT /api/v1/lanes/{name}/limit.
func (h *Handlers) SetLaneLimit(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	req, ok := readJSON[laneLimitRequest](w, r)
	if !ok {
		return
	}
	if req.MaxConcurrent < 1 {
		writeError(w, http.StatusBadRequest, "max_concurrent must be >= 1")
		return
	}
	h.Lanes.SetMaxConcurrent(name, req.MaxConcurrent)
	writeJSON(w, http.StatusOK, map[string]any{"lane": name, "max_concurrent": req.MaxConcurrent})
}

// ClearLane handles POST /api/v1/lanes/{name}/clear.
func (h *Handlers) ClearLane(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	cleared := h.Lanes.ClearLane(name)
	writeJSON(w, http.StatusOK, map[string]any{"lane": name, "cleared": cleared})
}

// PoolStats handles GET /api/v1/pools.
func (h *Handlers) PoolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Stats())
}

// StopAgentPool handles POST /api/v1/pools/{agent}/stop.
func (h *Handlers) StopAgentPool(w http.ResponseWriter, r *http.Request) {
	agent := urlParam(r, "agent")
	h.Pool.StopAgent(r.Context(), agent)
	writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "status": "stopped"})
}

// ---------------------------------------------------------------------------
// Stats and health
// ---------------------------------------------------------------------------

type statsResponse struct {
	Queue service.QueueStat  `json:"queue"`
	Lanes []service.LaneStat `json:"lanes"`
	Pools []service.PoolStat `json:"pools"`
	Conns int                `json:"ws_connections"`
}

// Stats handles GET /api/v1/stats.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Queue: h.Tasks.Stats(),
		Lanes: h.Lanes.Stats(),
		Pools: h.Pool.Stats(),
		Conns: h.Hub.ConnectionCount(),
	})
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryLimit parses the limit query parameter with a bounded default.
func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultHistoryLimit
}

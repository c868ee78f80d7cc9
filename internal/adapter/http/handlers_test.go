package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	skhttp "github.com/skein-dev/skein/internal/adapter/http"
	"github.com/skein-dev/skein/internal/adapter/ws"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/domain/workflow"
	"github.com/skein-dev/skein/internal/port/executor"
	"github.com/skein-dev/skein/internal/service"
)

// newTestServer builds a full handler stack over an echoing executor.
func newTestServer(t *testing.T, exec executor.Executor) *httptest.Server {
	t.Helper()

	if exec == nil {
		exec = executor.Func(func(_ context.Context, target, input string, _ time.Duration) (string, error) {
			return fmt.Sprintf("%s says: %s", target, input), nil
		})
	}

	hub := ws.NewHub()
	queueCfg := config.TaskQueue{
		MaxConcurrentPerAgent: 1,
		MaxTotalConcurrent:    4,
		StaleTimeout:          30 * time.Minute,
		MaxQueueSize:          8,
		MaxHistory:            50,
		BusyRetryLimit:        1,
		BusyRetryDelay:        5 * time.Millisecond,
		DefaultTimeout:        time.Minute,
	}
	wfCfg := config.Workflow{
		MaxEphemeralAgents: 10,
		MaxDuration:        time.Minute,
		MaxConcurrentSteps: 3,
		StepTimeout:        time.Minute,
	}

	tasks := service.NewTaskQueueService(queueCfg, exec, hub, nil)
	t.Cleanup(tasks.Destroy)

	h := &skhttp.Handlers{
		Tasks:     tasks,
		Workflows: service.NewWorkflowService(wfCfg, exec, hub, nil),
		Lanes:     service.NewLaneService(config.Lanes{DefaultMaxConcurrent: 2, WarnAfter: time.Minute}),
		Pool:      service.NewProcessPoolService(config.Pool{DefaultPoolSize: 2}),
		Hub:       hub,
	}

	r := chi.NewRouter()
	skhttp.MountRoutes(r, h)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data)) //nolint:gosec // G107: test URL
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/v1/tasks", bgtask.Spec{
		AgentID: "agent-a",
		Prompt:  "summarize the backlog",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	task := decodeBody[bgtask.Task](t, resp)
	if task.ID == "" {
		t.Fatal("expected a task id")
	}

	// The echoing executor finishes almost immediately; poll for terminal state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		getResp, err := http.Get(srv.URL + "/api/v1/tasks/" + task.ID)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		if getResp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", getResp.StatusCode)
		}
		got := decodeBody[bgtask.Task](t, getResp)
		if got.Status.Terminal() {
			if got.Status != bgtask.StatusCompleted {
				t.Fatalf("expected completed, got %q (%s)", got.Status, got.Error)
			}
			if !strings.Contains(got.Result, "agent-a says") {
				t.Fatalf("unexpected result %q", got.Result)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not finish, status %q", task.ID, got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/v1/tasks", bgtask.Spec{Prompt: "no agent"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/tasks", bgtask.Spec{AgentID: "agent-a"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitTaskQueueFull(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	exec := executor.Func(func(ctx context.Context, _, _ string, _ time.Duration) (string, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return "done", nil
	})
	srv := newTestServer(t, exec)

	// One running (per-agent cap 1) plus 8 pending fills the queue.
	for i := 0; i < 9; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/tasks", bgtask.Spec{AgentID: "agent-a", Prompt: "work"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d: expected 202, got %d", i, resp.StatusCode)
		}
	}

	resp := postJSON(t, srv.URL+"/api/v1/tasks", bgtask.Spec{AgentID: "agent-a", Prompt: "one too many"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/v1/tasks/no-such-id/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestParseWorkflow(t *testing.T) {
	srv := newTestServer(t, nil)

	text := "Here is the plan:\n```json\n" +
		`{"name":"release-prep","steps":[` +
		`{"id":"gather","agent":{"id":"agent-a"},"prompt":"gather notes"},` +
		`{"id":"draft","agent":{"id":"agent-b"},"prompt":"draft from {{gather.result}}","depends_on":["gather"]}]}` +
		"\n```\n"

	resp := postJSON(t, srv.URL+"/api/v1/workflows/parse", map[string]string{"text": text})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody[struct {
		Plan   *workflow.Plan `json:"plan"`
		Levels int            `json:"levels"`
		Steps  int            `json:"steps"`
	}](t, resp)
	if body.Plan == nil || body.Plan.Name != "release-prep" {
		t.Fatalf("unexpected plan: %+v", body.Plan)
	}
	if body.Levels != 2 || body.Steps != 2 {
		t.Fatalf("expected 2 levels / 2 steps, got %d / %d", body.Levels, body.Steps)
	}
}

func TestParseWorkflowNoPlan(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/v1/workflows/parse", map[string]string{"text": "just prose, no plan here"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestParseWorkflowCyclic(t *testing.T) {
	srv := newTestServer(t, nil)

	text := "```json\n" +
		`{"name":"loop","steps":[` +
		`{"id":"a","agent":{"id":"x"},"prompt":"a","depends_on":["b"]},` +
		`{"id":"b","agent":{"id":"x"},"prompt":"b","depends_on":["a"]}]}` +
		"\n```"

	resp := postJSON(t, srv.URL+"/api/v1/workflows/parse", map[string]string{"text": text})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestRunWorkflowInlinePlan(t *testing.T) {
	srv := newTestServer(t, nil)

	plan := &workflow.Plan{
		Name: "two-step",
		Steps: []workflow.Step{
			{ID: "first", Agent: workflow.AgentSpec{ID: "agent-a"}, Prompt: "start"},
			{ID: "second", Agent: workflow.AgentSpec{ID: "agent-b"}, Prompt: "continue from {{first.result}}", DependsOn: []string{"first"}},
		},
	}

	resp := postJSON(t, srv.URL+"/api/v1/workflows/run", map[string]any{"plan": plan})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody[struct {
		Summary   string              `json:"summary"`
		Execution *workflow.Execution `json:"execution"`
	}](t, resp)
	if body.Execution == nil || body.Execution.Status != workflow.ExecutionCompleted {
		t.Fatalf("unexpected execution: %+v", body.Execution)
	}
	if len(body.Execution.Results) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(body.Execution.Results))
	}
	if !strings.Contains(body.Summary, "agent-b says") {
		t.Fatalf("unexpected summary %q", body.Summary)
	}
}

func TestRunWorkflowInvalidPlan(t *testing.T) {
	srv := newTestServer(t, nil)

	plan := &workflow.Plan{Name: "empty"}
	resp := postJSON(t, srv.URL+"/api/v1/workflows/run", map[string]any{"plan": plan})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestLaneEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	// Limit must be positive.
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/lanes/background/limit",
		strings.NewReader(`{"max_concurrent":0}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT limit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/api/v1/lanes/background/limit",
		strings.NewReader(`{"max_concurrent":5}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT limit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	statsResp, err := http.Get(srv.URL + "/api/v1/lanes")
	if err != nil {
		t.Fatalf("GET lanes: %v", err)
	}
	stats := decodeBody[[]service.LaneStat](t, statsResp)
	var found bool
	for _, s := range stats {
		if s.Name == "background" && s.MaxConcurrent == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected background lane with limit 5, got %+v", stats)
	}

	clearResp := postJSON(t, srv.URL+"/api/v1/lanes/background/clear", nil)
	if clearResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", clearResp.StatusCode)
	}
	cleared := decodeBody[map[string]any](t, clearResp)
	if cleared["cleared"].(float64) != 0 {
		t.Fatalf("expected 0 cleared on idle lane, got %v", cleared["cleared"])
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	for _, key := range []string{"queue", "lanes", "pools", "ws_connections"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("stats missing %q: %v", key, body)
		}
	}
}

func TestArchiveEndpointsWithoutStore(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/api/v1/tasks/archive", "/api/v1/executions", "/api/v1/executions/some-id"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

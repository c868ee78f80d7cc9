package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skein-dev/skein/internal/adapter/ws"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/port/executor"
)

// scriptedExec is an executor whose behavior is driven by the test. Every
// dispatch is announced on started; if gate is non-nil the dispatch blocks
// until the gate closes.
type scriptedExec struct {
	mu      sync.Mutex
	calls   []string
	started chan string
	gate    chan struct{}
	fn      func(target, input string) (string, error)
}

func newScriptedExec(fn func(target, input string) (string, error)) *scriptedExec {
	return &scriptedExec{
		started: make(chan string, 64),
		fn:      fn,
	}
}

func (e *scriptedExec) Execute(_ context.Context, target, input string, _ time.Duration) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, target)
	gate := e.gate
	e.mu.Unlock()

	e.started <- target
	if gate != nil {
		<-gate
	}
	if e.fn != nil {
		return e.fn(target, input)
	}
	return "done", nil
}

func (e *scriptedExec) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// recordedEvent is one broadcast captured by recordingHub.
type recordedEvent struct {
	Type    string
	Payload any
}

type recordingHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	h.events = append(h.events, recordedEvent{Type: eventType, Payload: payload})
	h.mu.Unlock()
}

func (h *recordingHub) byType(eventType string) []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []recordedEvent
	for _, e := range h.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testQueueConfig() config.TaskQueue {
	return config.TaskQueue{
		MaxConcurrentPerAgent: 1,
		MaxTotalConcurrent:    4,
		StaleTimeout:          30 * time.Minute,
		MaxQueueSize:          50,
		MaxHistory:            100,
		BusyRetryLimit:        3,
		BusyRetryDelay:        5 * time.Millisecond,
		DefaultTimeout:        time.Minute,
	}
}

func waitForStatus(t *testing.T, q *TaskQueueService, id string, want bgtask.Status) *bgtask.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := q.GetTask(id); ok && task.Status == want {
			return task
		}
		time.Sleep(time.Millisecond)
	}
	task, _ := q.GetTask(id)
	t.Fatalf("task %s never reached %s (now %+v)", id, want, task)
	return nil
}

func waitForQueueStat(t *testing.T, q *TaskQueueService, ok func(QueueStat) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok(q.Stats()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached expected state: %+v", q.Stats())
}

func TestSubmitRunsTask(t *testing.T) {
	exec := newScriptedExec(func(target, input string) (string, error) {
		return "output for " + input, nil
	})
	hub := &recordingHub{}
	q := NewTaskQueueService(testQueueConfig(), exec, hub, nil)
	defer q.Destroy()

	task, err := q.Submit(context.Background(), bgtask.Spec{
		Description: "review the diff",
		Prompt:      "please review",
		AgentID:     "coder",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := waitForStatus(t, q, task.ID, bgtask.StatusCompleted)
	if done.Result != "output for please review" {
		t.Fatalf("unexpected result %q", done.Result)
	}
	if len(hub.byType(ws.EventTaskStarted)) != 1 || len(hub.byType(ws.EventTaskCompleted)) != 1 {
		t.Fatalf("expected started+completed events, got %+v", hub.events)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxQueueSize = 2

	exec := newScriptedExec(nil)
	exec.gate = make(chan struct{})
	defer close(exec.gate)

	q := NewTaskQueueService(cfg, exec, &recordingHub{}, nil)

	// First task starts running and saturates the agent; the next two sit
	// in the pending queue.
	for i := 0; i < 3; i++ {
		if _, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"}); err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
	}
	<-exec.started
	waitForQueueStat(t, q, func(st QueueStat) bool { return st.Pending == 2 && st.Running == 1 })

	if _, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPerAgentCapAndAdmissionOrder(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxConcurrentPerAgent = 2
	cfg.MaxTotalConcurrent = 5

	exec := newScriptedExec(nil)
	exec.gate = make(chan struct{}, 5)

	q := NewTaskQueueService(cfg, exec, &recordingHub{}, nil)
	defer q.Destroy()

	ids := make([]string, 5)
	for i := range ids {
		task, err := q.Submit(context.Background(), bgtask.Spec{
			Prompt:  fmt.Sprintf("task %d", i),
			AgentID: "coder",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids[i] = task.ID
	}

	// Exactly 2 start immediately, 3 remain pending.
	<-exec.started
	<-exec.started
	waitForQueueStat(t, q, func(st QueueStat) bool { return st.Pending == 3 && st.Running == 2 })
	select {
	case target := <-exec.started:
		t.Fatalf("third dispatch for %s before capacity freed", target)
	case <-time.After(50 * time.Millisecond):
	}

	// Completing one admits exactly the next task in submission order.
	exec.gate <- struct{}{}
	<-exec.started
	waitForStatus(t, q, ids[2], bgtask.StatusRunning)
	waitForQueueStat(t, q, func(st QueueStat) bool { return st.Pending == 2 && st.Running == 2 })
	if task, _ := q.GetTask(ids[3]); task.Status != bgtask.StatusPending {
		t.Fatalf("task 3 admitted out of order: %s", task.Status)
	}

	for i := 0; i < 4; i++ {
		exec.gate <- struct{}{}
	}
}

func TestHeadOfLineBlocking(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxConcurrentPerAgent = 1

	exec := newScriptedExec(nil)
	exec.gate = make(chan struct{})

	q := NewTaskQueueService(cfg, exec, &recordingHub{}, nil)
	defer func() { close(exec.gate); q.Destroy() }()

	busyTask, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "a1", AgentID: "alpha"})
	<-exec.started
	waitForStatus(t, q, busyTask.ID, bgtask.StatusRunning)

	// alpha is saturated; a second alpha task heads the queue.
	if _, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "a2", AgentID: "alpha"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	betaTask, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "b1", AgentID: "beta"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// beta is idle, but the saturated head blocks the whole queue.
	select {
	case target := <-exec.started:
		t.Fatalf("dispatched %s past a blocked head", target)
	case <-time.After(50 * time.Millisecond):
	}
	if task, _ := q.GetTask(betaTask.ID); task.Status != bgtask.StatusPending {
		t.Fatalf("beta task should still be pending, is %s", task.Status)
	}
}

func TestBusyRetryFrontRequeue(t *testing.T) {
	cfg := testQueueConfig()
	cfg.BusyRetryLimit = 2

	exec := newScriptedExec(func(target, input string) (string, error) {
		if input == "busy work" {
			return "", fmt.Errorf("dispatch: %w", executor.ErrBusy)
		}
		return "ok", nil
	})
	hub := &recordingHub{}
	q := NewTaskQueueService(cfg, exec, hub, nil)
	defer q.Destroy()

	busyTask, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "busy work", AgentID: "coder"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	laterTask, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "normal work", AgentID: "other"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Initial attempt plus two retries, then terminal failure.
	failed := waitForStatus(t, q, busyTask.ID, bgtask.StatusFailed)
	if failed.RetryCount != 2 {
		t.Fatalf("expected retryCount 2, got %d", failed.RetryCount)
	}
	waitForStatus(t, q, laterTask.ID, bgtask.StatusCompleted)

	busyAttempts := 0
	exec.mu.Lock()
	for _, target := range exec.calls {
		if target == "coder" {
			busyAttempts++
		}
	}
	exec.mu.Unlock()
	if busyAttempts != 3 {
		t.Fatalf("expected 3 attempts for busy task, got %d", busyAttempts)
	}
	if len(hub.byType(ws.EventTaskFailed)) != 1 {
		t.Fatal("expected exactly one task.failed event")
	}
}

func TestCancelPendingTask(t *testing.T) {
	exec := newScriptedExec(nil)
	exec.gate = make(chan struct{})

	hub := &recordingHub{}
	q := NewTaskQueueService(testQueueConfig(), exec, hub, nil)
	defer func() { close(exec.gate); q.Destroy() }()

	running, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"})
	<-exec.started
	pending, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"})

	if !q.Cancel(pending.ID) {
		t.Fatal("expected cancel of pending task to succeed")
	}
	got, _ := q.GetTask(pending.ID)
	if got.Status != bgtask.StatusFailed || got.Error != cancelledReason {
		t.Fatalf("unexpected cancelled task state: %+v", got)
	}

	// Cancelling a terminal task is a no-op.
	if q.Cancel(pending.ID) {
		t.Fatal("expected second cancel to return false")
	}
	if q.Cancel("no-such-task") {
		t.Fatal("expected cancel of unknown id to return false")
	}
	_ = running
}

func TestCancelRunningTaskDiscardsResult(t *testing.T) {
	exec := newScriptedExec(nil)
	exec.gate = make(chan struct{})

	q := NewTaskQueueService(testQueueConfig(), exec, &recordingHub{}, nil)
	defer q.Destroy()

	task, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"})
	<-exec.started

	if !q.Cancel(task.ID) {
		t.Fatal("expected cancel of running task to succeed")
	}

	// The dispatched execution finishes later; its result must not
	// resurrect the task.
	close(exec.gate)
	time.Sleep(20 * time.Millisecond)
	got, _ := q.GetTask(task.ID)
	if got.Status != bgtask.StatusFailed || got.Result != "" {
		t.Fatalf("cancelled task mutated by late result: %+v", got)
	}
}

func TestCleanupStale(t *testing.T) {
	exec := newScriptedExec(nil)
	exec.gate = make(chan struct{})

	hub := &recordingHub{}
	q := NewTaskQueueService(testQueueConfig(), exec, hub, nil)
	defer func() { close(exec.gate); q.Destroy() }()

	base := time.Now()
	q.now = func() time.Time { return base }

	task, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"})
	<-exec.started
	waitForStatus(t, q, task.ID, bgtask.StatusRunning)

	if n := q.CleanupStale(); n != 0 {
		t.Fatalf("expected nothing stale yet, got %d", n)
	}

	q.now = func() time.Time { return base.Add(time.Hour) }
	if n := q.CleanupStale(); n != 1 {
		t.Fatalf("expected 1 stale task, got %d", n)
	}
	got, _ := q.GetTask(task.ID)
	if got.Status != bgtask.StatusFailed || got.Error != staleReason {
		t.Fatalf("unexpected stale task state: %+v", got)
	}
}

func TestDestroyCancelsOutstanding(t *testing.T) {
	hub := &recordingHub{}
	cfg := testQueueConfig()
	cfg.MaxConcurrentPerAgent = 1

	blocker := newScriptedExec(nil)
	blocker.gate = make(chan struct{})
	q := NewTaskQueueService(cfg, blocker, hub, nil)

	running, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "p1", AgentID: "coder"})
	<-blocker.started
	pending, _ := q.Submit(context.Background(), bgtask.Spec{Prompt: "p2", AgentID: "coder"})

	close(blocker.gate)
	q.Destroy()

	for _, id := range []string{running.ID, pending.ID} {
		got, ok := q.GetTask(id)
		if !ok {
			t.Fatalf("task %s missing after destroy", id)
		}
		if got.Status != bgtask.StatusFailed || got.Error != cancelledReason {
			t.Fatalf("task %s not cancelled: %+v", id, got)
		}
	}
	if st := q.Stats(); st.Pending != 0 || st.Running != 0 {
		t.Fatalf("expected empty queue after destroy, got %+v", st)
	}
	if len(hub.byType(ws.EventTaskFailed)) != 2 {
		t.Fatal("expected task.failed for each outstanding task")
	}

	if _, err := q.Submit(context.Background(), bgtask.Spec{Prompt: "p", AgentID: "coder"}); !errors.Is(err, ErrQueueDestroyed) {
		t.Fatalf("expected ErrQueueDestroyed, got %v", err)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxHistory = 2
	cfg.MaxConcurrentPerAgent = 4

	exec := newScriptedExec(nil)
	q := NewTaskQueueService(cfg, exec, &recordingHub{}, nil)
	defer q.Destroy()

	ids := make([]string, 3)
	for i := range ids {
		task, err := q.Submit(context.Background(), bgtask.Spec{
			Prompt:  fmt.Sprintf("p%d", i),
			AgentID: fmt.Sprintf("agent-%d", i),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids[i] = task.ID
		waitForStatus(t, q, task.ID, bgtask.StatusCompleted)
	}

	// Oldest terminal task is evicted from the lookup map too.
	if _, ok := q.GetTask(ids[0]); ok {
		t.Fatal("expected oldest history entry evicted")
	}
	for _, id := range ids[1:] {
		if _, ok := q.GetTask(id); !ok {
			t.Fatalf("expected task %s retained", id)
		}
	}
	if st := q.Stats(); st.HistorySize != 2 {
		t.Fatalf("expected history size 2, got %d", st.HistorySize)
	}
}

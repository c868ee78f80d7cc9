package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/adapter/otel"
	"github.com/skein-dev/skein/internal/adapter/ws"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/domain/bgtask"
	"github.com/skein-dev/skein/internal/port/broadcast"
	"github.com/skein-dev/skein/internal/port/executor"
	"github.com/skein-dev/skein/internal/port/history"
)

// ErrQueueFull is returned by Submit when the pending queue is at capacity.
// Explicit backpressure, never a silent drop.
var ErrQueueFull = errors.New("task queue full")

// ErrQueueDestroyed is returned by Submit after Destroy.
var ErrQueueDestroyed = errors.New("task queue destroyed")

const (
	cancelledReason = "Cancelled"
	staleReason     = "Task exceeded maximum running duration"
)

// TaskQueueService is an in-memory background task queue sitting above
// pooled agent sessions. It enforces a global concurrency cap and a
// per-agent cap with intentional head-of-line blocking: a saturated agent
// at the front of the queue blocks admission of everything behind it, so
// FIFO submission order is preserved over reordering for throughput.
type TaskQueueService struct {
	mu      sync.Mutex
	cfg     config.TaskQueue
	exec    executor.Executor
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	store   history.Store // optional terminal-task archive

	queue     []*bgtask.Task          // pending, FIFO
	running   map[string]*bgtask.Task // id → running task
	tasks     map[string]*bgtask.Task // id → every tracked task, history included
	history   []string                // terminal task ids, oldest first
	destroyed bool

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time // for testing
	wg     sync.WaitGroup
}

// NewTaskQueueService creates a TaskQueueService. metrics may be nil.
func NewTaskQueueService(cfg config.TaskQueue, exec executor.Executor, hub broadcast.Broadcaster, metrics *otel.Metrics) *TaskQueueService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskQueueService{
		cfg:     cfg,
		exec:    exec,
		hub:     hub,
		metrics: metrics,
		running: make(map[string]*bgtask.Task),
		tasks:   make(map[string]*bgtask.Task),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// SetHistoryStore attaches an archive for terminal tasks. Must be called
// before work is submitted.
func (s *TaskQueueService) SetHistoryStore(store history.Store) {
	s.store = store
}

// Submit creates a pending task and schedules a drain pass. Returns
// ErrQueueFull when the pending queue is at its configured cap.
func (s *TaskQueueService) Submit(ctx context.Context, spec bgtask.Spec) (*bgtask.Task, error) {
	if spec.AgentID == "" {
		return nil, errors.New("task spec: agent id required")
	}
	if spec.Prompt == "" {
		return nil, errors.New("task spec: prompt required")
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrQueueDestroyed
	}
	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (%d pending)", ErrQueueFull, s.cfg.MaxQueueSize)
	}

	t := &bgtask.Task{
		ID:          uuid.NewString(),
		Description: spec.Description,
		Prompt:      spec.Prompt,
		AgentID:     spec.AgentID,
		RequesterID: spec.RequesterID,
		Status:      bgtask.StatusPending,
		QueuedAt:    s.now(),
	}
	s.tasks[t.ID] = t
	s.queue = append(s.queue, t)
	s.drainLocked()
	snapshot := *t
	s.mu.Unlock()

	slog.Info("task submitted", "task_id", t.ID, "agent", t.AgentID, "description", t.Description)
	return &snapshot, nil
}

// GetTask returns a snapshot of a tracked task.
func (s *TaskQueueService) GetTask(id string) (*bgtask.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	snapshot := *t
	return &snapshot, true
}

// ListTasks returns snapshots of every tracked task: pending, running, and
// retained history.
func (s *TaskQueueService) ListTasks() []bgtask.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bgtask.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// Cancel removes the task from wherever it is tracked and fails it with a
// cancellation reason. Returns false if the task is unknown or already
// terminal. A dispatched execution is not interrupted; its eventual result
// is disregarded.
func (s *TaskQueueService) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	s.removeFromQueueLocked(id)
	delete(s.running, id)
	s.failLocked(t, cancelledReason)
	s.drainLocked()
	s.mu.Unlock()

	slog.Info("task cancelled", "task_id", id)
	return true
}

// CleanupStale force-fails every running task whose running duration
// exceeds the stale threshold. The execution's true outcome is unknown at
// this point; if it ever returns, the result is disregarded. Returns the
// number of tasks failed.
func (s *TaskQueueService) CleanupStale() int {
	s.mu.Lock()
	cutoff := s.now().Add(-s.cfg.StaleTimeout)

	var stale []*bgtask.Task
	for _, t := range s.running {
		if !t.StartedAt.After(cutoff) {
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		delete(s.running, t.ID)
		s.failLocked(t, staleReason)
		slog.Warn("stale task failed", "task_id", t.ID, "agent", t.AgentID, "started_at", t.StartedAt)
	}
	if len(stale) > 0 {
		s.drainLocked()
	}
	s.mu.Unlock()

	return len(stale)
}

// Destroy cancels every outstanding pending and running task, clears all
// state, and rejects future submissions. Dispatched executions are left to
// finish on their own; their results are disregarded.
func (s *TaskQueueService) Destroy() {
	s.mu.Lock()
	s.destroyed = true

	var outstanding []*bgtask.Task
	outstanding = append(outstanding, s.queue...)
	for _, t := range s.running {
		outstanding = append(outstanding, t)
	}
	s.queue = nil
	s.running = make(map[string]*bgtask.Task)
	for _, t := range outstanding {
		s.failLocked(t, cancelledReason)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if len(outstanding) > 0 {
		slog.Info("task queue destroyed", "cancelled", len(outstanding))
	}
}

// QueueStat is a point-in-time snapshot of the queue.
type QueueStat struct {
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	HistorySize int `json:"history_size"`
}

// Stats returns a snapshot of queue occupancy.
func (s *TaskQueueService) Stats() QueueStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStat{
		Pending:     len(s.queue),
		Running:     len(s.running),
		HistorySize: len(s.history),
	}
}

// drainLocked admits pending tasks while capacity remains. Caller holds
// s.mu. The head is peeked, not popped: when the head's agent is saturated
// the whole pass stops, so later tasks for idle agents wait their turn.
func (s *TaskQueueService) drainLocked() {
	for len(s.running) < s.cfg.MaxTotalConcurrent && len(s.queue) > 0 {
		head := s.queue[0]

		// Cancelled out of band while pending: discard.
		if head.Status != bgtask.StatusPending {
			s.queue = s.queue[1:]
			continue
		}

		if s.runningForAgentLocked(head.AgentID) >= s.cfg.MaxConcurrentPerAgent {
			return
		}

		s.queue = s.queue[1:]
		head.Status = bgtask.StatusRunning
		head.StartedAt = s.now()
		s.running[head.ID] = head

		s.hub.BroadcastEvent(s.ctx, ws.EventTaskStarted, ws.TaskEvent{
			TaskID:      head.ID,
			AgentID:     head.AgentID,
			Description: head.Description,
			Status:      string(bgtask.StatusRunning),
			RetryCount:  head.RetryCount,
		})
		s.metrics.TaskStarted(s.ctx)
		slog.Info("task started", "task_id", head.ID, "agent", head.AgentID, "retry", head.RetryCount)

		s.wg.Add(1)
		go s.run(head.ID, head.AgentID, head.Prompt)
	}
}

// run executes one dispatched task and applies the outcome.
func (s *TaskQueueService) run(id, agentID, prompt string) {
	defer s.wg.Done()

	ctx, span := otel.StartTaskSpan(s.ctx, id, agentID)
	result, err := s.exec.Execute(ctx, agentID, prompt, s.cfg.DefaultTimeout)
	span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, tracked := s.running[id]
	if !tracked {
		// Cancelled or reaped while dispatched; the outcome no longer counts.
		slog.Debug("result for untracked task discarded", "task_id", id)
		return
	}
	delete(s.running, id)

	if err == nil {
		t.Status = bgtask.StatusCompleted
		t.CompletedAt = s.now()
		t.Result = result
		s.retireLocked(t)

		duration := t.CompletedAt.Sub(t.StartedAt)
		s.hub.BroadcastEvent(s.ctx, ws.EventTaskCompleted, ws.TaskEvent{
			TaskID:      t.ID,
			AgentID:     t.AgentID,
			Description: t.Description,
			Status:      string(bgtask.StatusCompleted),
			DurationMS:  duration.Milliseconds(),
		})
		s.metrics.TaskCompleted(s.ctx, duration)
		slog.Info("task completed", "task_id", t.ID, "agent", t.AgentID, "duration", duration)

		s.drainLocked()
		return
	}

	if executor.IsBusy(err) && t.RetryCount < s.cfg.BusyRetryLimit {
		// Front re-queue: a retried task keeps its place ahead of younger
		// submissions.
		t.RetryCount++
		t.Status = bgtask.StatusPending
		s.queue = append([]*bgtask.Task{t}, s.queue...)
		s.metrics.TaskRetried(s.ctx)
		slog.Info("task busy, retrying", "task_id", t.ID, "agent", t.AgentID, "retry", t.RetryCount, "delay", s.cfg.BusyRetryDelay)

		time.AfterFunc(s.cfg.BusyRetryDelay, func() {
			s.mu.Lock()
			if !s.destroyed {
				s.drainLocked()
			}
			s.mu.Unlock()
		})
		return
	}

	s.failLocked(t, err.Error())
	slog.Warn("task failed", "task_id", t.ID, "agent", t.AgentID, "error", err, "retries", t.RetryCount)
	s.drainLocked()
}

// failLocked marks a task terminally failed and retires it. Caller holds
// s.mu and has already removed the task from the queue or running set.
func (s *TaskQueueService) failLocked(t *bgtask.Task, reason string) {
	t.Status = bgtask.StatusFailed
	t.CompletedAt = s.now()
	t.Error = reason
	s.retireLocked(t)

	s.hub.BroadcastEvent(s.ctx, ws.EventTaskFailed, ws.TaskEvent{
		TaskID:      t.ID,
		AgentID:     t.AgentID,
		Description: t.Description,
		Status:      string(bgtask.StatusFailed),
		Error:       reason,
		RetryCount:  t.RetryCount,
	})
	s.metrics.TaskFailed(s.ctx)
}

// retireLocked moves a terminal task into the bounded history ring,
// evicting the oldest entry (lookup record included) once over capacity.
// Caller holds s.mu.
func (s *TaskQueueService) retireLocked(t *bgtask.Task) {
	s.history = append(s.history, t.ID)
	for len(s.history) > s.cfg.MaxHistory {
		oldest := s.history[0]
		s.history = s.history[1:]
		delete(s.tasks, oldest)
	}

	if s.store != nil {
		snapshot := *t
		go func() {
			if err := s.store.ArchiveTask(s.ctx, &snapshot); err != nil {
				slog.Warn("task archive failed", "task_id", snapshot.ID, "error", err)
			}
		}()
	}
}

// removeFromQueueLocked drops a pending task from the FIFO. Caller holds s.mu.
func (s *TaskQueueService) removeFromQueueLocked(id string) {
	for i, t := range s.queue {
		if t.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// runningForAgentLocked counts running tasks targeting an agent. Caller
// holds s.mu.
func (s *TaskQueueService) runningForAgentLocked(agentID string) int {
	n := 0
	for _, t := range s.running {
		if t.AgentID == agentID {
			n++
		}
	}
	return n
}

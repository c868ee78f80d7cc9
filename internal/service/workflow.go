package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/skein-dev/skein/internal/adapter/otel"
	"github.com/skein-dev/skein/internal/adapter/ws"
	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/domain/workflow"
	"github.com/skein-dev/skein/internal/port/broadcast"
	"github.com/skein-dev/skein/internal/port/cache"
	"github.com/skein-dev/skein/internal/port/executor"
	"github.com/skein-dev/skein/internal/port/history"
)

const defaultPlanCacheTTL = 10 * time.Minute

// WorkflowService validates and executes declarative step plans. Steps run
// level by level: a level's steps share no dependency relation and run
// concurrently under a bounded worker budget, and level N+1 never starts
// before level N resolves.
type WorkflowService struct {
	cfg     config.Workflow
	exec    executor.Executor
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	cache    cache.Cache   // optional parsed-plan cache
	cacheTTL time.Duration
	store    history.Store // optional execution archive
	now      func() time.Time
}

// NewWorkflowService creates a WorkflowService. metrics may be nil.
func NewWorkflowService(cfg config.Workflow, exec executor.Executor, hub broadcast.Broadcaster, metrics *otel.Metrics) *WorkflowService {
	return &WorkflowService{
		cfg:     cfg,
		exec:    exec,
		hub:     hub,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetPlanCache attaches a cache for parsed plans. Parsing is pure, and the
// same transcript is often re-scanned, so hits are safe to reuse. A ttl of
// zero falls back to the default.
func (s *WorkflowService) SetPlanCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.cacheTTL = ttl
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultPlanCacheTTL
	}
}

// SetHistoryStore attaches an archive for finished executions.
func (s *WorkflowService) SetHistoryStore(store history.Store) {
	s.store = store
}

// ParsePlan scans free-form text for an embedded plan. Returns nil when no
// plan is found; absence is the common case, not an error.
func (s *WorkflowService) ParsePlan(ctx context.Context, text string) *workflow.Plan {
	key := planCacheKey(text)
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var p workflow.Plan
			if err := json.Unmarshal(data, &p); err == nil {
				return &p
			}
		}
	}

	p := workflow.Parse(text)
	if p == nil {
		return nil
	}

	if s.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
				slog.Debug("plan cache set failed", "error", err)
			}
		}
	}
	return p
}

// Validate checks a plan for structural correctness under the configured
// step ceiling.
func (s *WorkflowService) Validate(p *workflow.Plan) error {
	return workflow.Validate(p, s.cfg.MaxEphemeralAgents)
}

// Execute runs a validated plan and returns the synthesized output together
// with the execution record. Validation is always re-checked first; a plan
// that fails it is never executed.
func (s *WorkflowService) Execute(ctx context.Context, p *workflow.Plan) (string, *workflow.Execution, error) {
	if err := s.Validate(p); err != nil {
		return "", nil, fmt.Errorf("validate plan: %w", err)
	}

	levels, err := workflow.Levels(p)
	if err != nil {
		return "", nil, fmt.Errorf("level plan: %w", err)
	}

	exec := &workflow.Execution{
		ID:        uuid.NewString(),
		PlanName:  p.Name,
		StartedAt: s.now(),
		Status:    workflow.ExecutionRunning,
	}
	slog.Info("workflow started", "execution_id", exec.ID, "plan", p.Name, "steps", len(p.Steps), "levels", len(levels))

	// The global deadline is cooperative: it is a timestamp consulted at
	// level boundaries only, never a context deadline. Steps run under the
	// caller's ctx, so in-flight work always finishes even after the
	// deadline passes.
	var deadline time.Time
	if s.cfg.MaxDuration > 0 {
		deadline = exec.StartedAt.Add(s.cfg.MaxDuration)
	}

	results := make(map[string]*workflow.StepResult, len(p.Steps))
	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrentSteps))
	halted := false

	for levelIdx, level := range levels {
		if ctx.Err() != nil || (!deadline.IsZero() && s.now().After(deadline)) {
			exec.Status = workflow.ExecutionCancelled
			slog.Warn("workflow cancelled at level boundary", "execution_id", exec.ID, "level", levelIdx)
			break
		}
		if halted {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, step := range level {
			// The worker budget caps in-flight steps independently of the
			// level's width. Acquire never observes the deadline: once a
			// level is admitted, all its steps run.
			_ = sem.Acquire(context.Background(), 1)

			wg.Add(1)
			go func(step *workflow.Step) {
				defer wg.Done()
				defer sem.Release(1)

				mu.Lock()
				prompt := workflow.Interpolate(step.Prompt, results)
				mu.Unlock()

				r := s.runStep(ctx, exec, step, prompt, levelIdx)

				mu.Lock()
				results[step.ID] = r
				mu.Unlock()
			}(step)
		}
		wg.Wait()

		for _, step := range level {
			r := results[step.ID]
			if r.Status != workflow.StepSuccess && !step.Optional {
				exec.Status = workflow.ExecutionFailed
				halted = true
				slog.Warn("required step failed, halting workflow", "execution_id", exec.ID, "step", step.ID, "status", r.Status)
			}
		}
	}

	// Steps never dispatched are recorded as skipped, in plan order.
	for i := range p.Steps {
		step := &p.Steps[i]
		if _, ok := results[step.ID]; !ok {
			results[step.ID] = &workflow.StepResult{
				StepID: step.ID,
				Status: workflow.StepSkipped,
			}
		}
	}
	for i := range p.Steps {
		exec.Results = append(exec.Results, *results[p.Steps[i].ID])
	}

	if exec.Status == workflow.ExecutionRunning {
		exec.Status = workflow.ExecutionCompleted
	}
	exec.CompletedAt = s.now()
	duration := exec.CompletedAt.Sub(exec.StartedAt)

	output := s.synthesize(p, results)

	s.hub.BroadcastEvent(ctx, ws.EventWorkflowCompleted, ws.WorkflowEvent{
		ExecutionID: exec.ID,
		PlanName:    p.Name,
		Status:      string(exec.Status),
		Steps:       len(p.Steps),
		DurationMS:  duration.Milliseconds(),
	})
	s.metrics.WorkflowCompleted(ctx, duration)
	slog.Info("workflow finished", "execution_id", exec.ID, "plan", p.Name, "status", exec.Status, "duration", duration)

	if s.store != nil {
		if err := s.store.ArchiveExecution(ctx, exec); err != nil {
			slog.Warn("execution archive failed", "execution_id", exec.ID, "error", err)
		}
	}

	if exec.Status == workflow.ExecutionFailed {
		return output, exec, errors.New("workflow failed: required step did not succeed")
	}
	if exec.Status == workflow.ExecutionCancelled {
		if err := ctx.Err(); err != nil {
			return output, exec, fmt.Errorf("workflow cancelled: %w", err)
		}
		return output, exec, fmt.Errorf("workflow cancelled: exceeded max duration %s", s.cfg.MaxDuration)
	}
	return output, exec, nil
}

// runStep dispatches one step through the executor and returns its result.
func (s *WorkflowService) runStep(ctx context.Context, exec *workflow.Execution, step *workflow.Step, prompt string, level int) *workflow.StepResult {
	target := step.Agent.Target()

	s.hub.BroadcastEvent(ctx, ws.EventStepStarted, ws.StepEvent{
		ExecutionID: exec.ID,
		PlanName:    exec.PlanName,
		StepID:      step.ID,
		Target:      target,
		Level:       level,
	})
	slog.Info("step started", "execution_id", exec.ID, "step", step.ID, "target", target, "level", level)

	stepCtx, span := otel.StartStepSpan(ctx, exec.ID, step.ID, level)
	start := s.now()
	out, err := s.exec.Execute(stepCtx, target, prompt, step.Timeout(s.cfg.StepTimeout))
	duration := s.now().Sub(start)
	span.End()

	r := &workflow.StepResult{
		StepID:   step.ID,
		Duration: duration,
		Status:   workflow.StepSuccess,
		Result:   out,
	}
	if err != nil {
		r.Result = ""
		r.Error = err.Error()
		r.Status = workflow.StepFailed
		if executor.IsTimeout(err) {
			r.Status = workflow.StepTimeout
		}

		s.hub.BroadcastEvent(ctx, ws.EventStepFailed, ws.StepEvent{
			ExecutionID: exec.ID,
			PlanName:    exec.PlanName,
			StepID:      step.ID,
			Target:      target,
			Status:      string(r.Status),
			Error:       r.Error,
			DurationMS:  duration.Milliseconds(),
			Level:       level,
		})
		s.metrics.StepFailed(ctx)
		slog.Warn("step failed", "execution_id", exec.ID, "step", step.ID, "status", r.Status, "error", err)
		return r
	}

	s.hub.BroadcastEvent(ctx, ws.EventStepCompleted, ws.StepEvent{
		ExecutionID: exec.ID,
		PlanName:    exec.PlanName,
		StepID:      step.ID,
		Target:      target,
		Status:      string(r.Status),
		DurationMS:  duration.Milliseconds(),
		Level:       level,
	})
	s.metrics.StepCompleted(ctx)
	slog.Info("step completed", "execution_id", exec.ID, "step", step.ID, "duration", duration)
	return r
}

// synthesize produces the final output: the plan's synthesis template with
// every step result interpolated, or a default labeled concatenation in
// plan order.
func (s *WorkflowService) synthesize(p *workflow.Plan, results map[string]*workflow.StepResult) string {
	if p.Synthesis != "" {
		return workflow.Interpolate(p.Synthesis, results)
	}

	var out []byte
	for i := range p.Steps {
		step := &p.Steps[i]
		r := results[step.ID]
		out = append(out, fmt.Sprintf("### %s\n", step.ID)...)
		switch {
		case r == nil || r.Status == workflow.StepSkipped:
			out = append(out, "[Step skipped]\n\n"...)
		case r.Status == workflow.StepSuccess:
			out = append(out, r.Result...)
			out = append(out, "\n\n"...)
		default:
			out = append(out, fmt.Sprintf("[Step failed: %s]\n\n", r.Error)...)
		}
	}
	return string(out)
}

func planCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "plan:" + hex.EncodeToString(sum[:])
}

// Package workflow defines declarative multi-step execution plans — DAGs of
// prompts addressed to agent sessions — and the validation and leveling logic
// that turns a plan into a partial execution order.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNameRequired   = errors.New("plan name is required")
	ErrNoSteps        = errors.New("plan must have at least one step")
	ErrDuplicateStep  = errors.New("duplicate step id")
	ErrUnknownDep     = errors.New("step depends on unknown step")
	ErrSelfDep        = errors.New("step depends on itself")
	ErrTooManySteps   = errors.New("plan exceeds the step ceiling")
	ErrDependencyLoop = errors.New("step dependencies contain a cycle")
)

// AgentSpec identifies the agent a step targets: either an existing agent by
// ID or a named preset an ephemeral session is created from.
type AgentSpec struct {
	ID     string `json:"id,omitempty"`
	Preset string `json:"preset,omitempty"`
}

// Target returns the executor-facing target string.
func (a AgentSpec) Target() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Preset
}

// Valid reports whether the spec names a target at all.
func (a AgentSpec) Valid() bool {
	return a.ID != "" || a.Preset != ""
}

// Step is one unit of work in a plan. Prompt may reference the output of a
// dependency with {{step_id.result}} placeholders.
type Step struct {
	ID        string    `json:"id"`
	Agent     AgentSpec `json:"agent"`
	Prompt    string    `json:"prompt"`
	DependsOn []string  `json:"depends_on,omitempty"`
	TimeoutMS int       `json:"timeout_ms,omitempty"`
	Optional  bool      `json:"optional,omitempty"`
}

// Timeout returns the step timeout, or fallback when the plan does not set one.
func (s *Step) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return fallback
}

// Plan is an immutable declarative step graph. It is never mutated during
// execution; all per-run state lives in Execution.
type Plan struct {
	Name      string `json:"name"`
	Steps     []Step `json:"steps"`
	Synthesis string `json:"synthesis,omitempty"`
}

// StepStatus is the terminal state of one step execution.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepTimeout StepStatus = "timeout"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one step.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Result   string        `json:"result,omitempty"`
	Duration time.Duration `json:"duration"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
}

// ExecutionStatus is the state of a whole plan run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is the record of one invocation of a plan. Results are ordered
// by plan step order.
type Execution struct {
	ID          string          `json:"id"`
	PlanName    string          `json:"plan_name"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Results     []StepResult    `json:"results"`
}

// Validate checks the plan for structural correctness: non-empty name and
// steps, unique step ids, known non-self dependencies, a step count within
// maxSteps, and an acyclic dependency graph. Plan text originates from
// untrusted free-form output, so failures come back as descriptive errors,
// never panics.
func Validate(p *Plan, maxSteps int) error {
	if p == nil {
		return ErrNoSteps
	}
	if p.Name == "" {
		return ErrNameRequired
	}
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		return fmt.Errorf("%d steps, max %d: %w", len(p.Steps), maxSteps, ErrTooManySteps)
	}

	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("step %q: %w", s.ID, ErrDuplicateStep)
		}
		index[s.ID] = i
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("step %q: %w", s.ID, ErrSelfDep)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("step %q depends on %q: %w", s.ID, dep, ErrUnknownDep)
			}
		}
	}

	if _, err := topoSort(p, index); err != nil {
		return err
	}
	return nil
}

// topoSort orders steps with Kahn's algorithm. Failing to order every step
// signals a cycle.
func topoSort(p *Plan, index map[string]int) ([]int, error) {
	n := len(p.Steps)
	inDegree := make([]int, n)
	adj := make([][]int, n)

	for i, s := range p.Steps {
		for _, dep := range s.DependsOn {
			d := index[dep]
			adj[d] = append(adj[d], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != n {
		return nil, ErrDependencyLoop
	}
	return order, nil
}

// Levels groups steps into parallel execution levels: a step's level is
// 1 + the max level of its dependencies, or 0 with none. Steps sharing a
// level have no dependency relation and may run concurrently; level N+1
// never starts before level N resolves. Within a level, plan order is kept.
func Levels(p *Plan) ([][]*Step, error) {
	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		index[s.ID] = i
	}

	order, err := topoSort(p, index)
	if err != nil {
		return nil, err
	}

	level := make([]int, len(p.Steps))
	maxLevel := 0
	for _, i := range order {
		for _, dep := range p.Steps[i].DependsOn {
			if l := level[index[dep]] + 1; l > level[i] {
				level[i] = l
			}
		}
		if level[i] > maxLevel {
			maxLevel = level[i]
		}
	}

	grouped := make([][]*Step, maxLevel+1)
	for i := range p.Steps {
		grouped[level[i]] = append(grouped[level[i]], &p.Steps[i])
	}
	return grouped, nil
}

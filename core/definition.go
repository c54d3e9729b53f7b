package core

import (
	"fmt"
	"time"
)

// GuardOp enumerates the comparison operators usable in a step guard.
type GuardOp string

const (
	// GuardEquals passes when the context value equals the literal.
	GuardEquals GuardOp = "eq"
	// GuardNotEquals passes when the context value differs from the literal.
	GuardNotEquals GuardOp = "ne"
	// GuardExists passes when the context key is present, regardless of value.
	GuardExists GuardOp = "exists"
)

// Guard is a transition condition evaluated against the instance context
// before a step becomes runnable. All guards of a step must pass.
type Guard struct {
	Key   string  `json:"key" yaml:"key"`
	Op    GuardOp `json:"op" yaml:"op"`
	Value string  `json:"value,omitempty" yaml:"value,omitempty"`
}

// Evaluate applies the guard to a context snapshot. Values are compared via
// their default string formatting so definitions can guard on outputs of any
// scalar type.
func (g Guard) Evaluate(ctx map[string]any) bool {
	v, ok := ctx[g.Key]
	switch g.Op {
	case GuardExists:
		return ok
	case GuardEquals:
		return ok && fmt.Sprintf("%v", v) == g.Value
	case GuardNotEquals:
		return !ok || fmt.Sprintf("%v", v) != g.Value
	default:
		return false
	}
}

// Step is one node in a workflow definition. A step is bound to a required
// capability rather than a concrete agent type; the dispatcher matches on
// capability membership at runtime.
type Step struct {
	ID         string `json:"id" yaml:"id"`
	Capability string `json:"capability" yaml:"capability"`
	// DependsOn lists predecessor step ids that must complete before this
	// step becomes runnable.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Guards are evaluated against the instance context once dependencies
	// are satisfied.
	Guards []Guard `json:"guards,omitempty" yaml:"guards,omitempty"`
	// Parallel marks the step eligible for concurrent dispatch alongside
	// other runnable parallel steps.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	// Optional steps do not block instance completion when skipped by a
	// FailureSkip policy.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// Timeout bounds a single task attempt. Zero inherits the definition
	// default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Retry overrides the definition's default retry policy when
	// MaxAttempts is non-zero.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// InputSchema / OutputSchema are opaque schema references for the
	// payloads exchanged with agents. They are carried, not interpreted.
	InputSchema  string `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	// Priority orders tasks competing for the same capability. Higher wins.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// WorkflowDefinition is an immutable workflow template. Definitions are never
// mutated after registration; new behavior ships as a new version and old
// versions remain resolvable for running instances.
type WorkflowDefinition struct {
	ID      string `json:"id" yaml:"id"`
	Version int    `json:"version" yaml:"version"`
	Steps   []Step `json:"steps" yaml:"steps"`
	// Timeout bounds the whole instance. Zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// DefaultRetry applies to steps without their own policy.
	DefaultRetry RetryPolicy `json:"default_retry" yaml:"default_retry"`
	// OnError selects the failure action once a step exhausts its retries.
	OnError ErrorPolicy `json:"on_error" yaml:"on_error"`
	// DefaultStepTimeout applies to steps without their own timeout.
	DefaultStepTimeout time.Duration `json:"default_step_timeout,omitempty" yaml:"default_step_timeout,omitempty"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// RetryFor returns the effective retry policy for a step.
func (d *WorkflowDefinition) RetryFor(s Step) RetryPolicy {
	if s.Retry != nil && s.Retry.MaxAttempts > 0 {
		return *s.Retry
	}
	return d.DefaultRetry
}

// TimeoutFor returns the effective per-attempt timeout for a step.
func (d *WorkflowDefinition) TimeoutFor(s Step) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return d.DefaultStepTimeout
}

// Validate checks structural soundness: non-empty id, unique step ids,
// resolvable dependencies and compensation step, and an acyclic dependency
// graph. Definitions with cycles are rejected at registration so every
// submitted instance can reach a terminal state.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition id must not be empty")
	}
	if d.Version < 1 {
		return fmt.Errorf("definition %s: version must be >= 1", d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s: at least one step required", d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("definition %s: step id must not be empty", d.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("definition %s: duplicate step id %q", d.ID, s.ID)
		}
		if s.Capability == "" {
			return fmt.Errorf("definition %s: step %q requires a capability", d.ID, s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("definition %s: step %q depends on unknown step %q", d.ID, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("definition %s: step %q depends on itself", d.ID, s.ID)
			}
		}
	}
	if d.OnError.OnFailure == FailureCompensate {
		if _, ok := d.Step(d.OnError.CompensationStep); !ok {
			return fmt.Errorf("definition %s: compensation step %q not found", d.ID, d.OnError.CompensationStep)
		}
	}
	return d.checkAcyclic()
}

// checkAcyclic runs a depth-first search over the dependency edges.
func (d *WorkflowDefinition) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		s, _ := d.Step(id)
		for _, dep := range s.DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("definition %s: dependency cycle through step %q", d.ID, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range d.Steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

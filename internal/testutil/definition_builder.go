package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// DefinitionBuilder provides a fluent helper for constructing workflow
// definitions in tests. Example:
//
//	def := NewDefinitionBuilder("etl").
//		Step("extract", "extract").
//		Step("load", "load", DependsOn("extract")).
//		Build()
//
// Chain only the parts you need; sensible defaults are applied.
type DefinitionBuilder struct {
	def core.WorkflowDefinition
}

// StepOption mutates a step under construction.
type StepOption func(s *core.Step)

// NewDefinitionBuilder creates a builder for the given definition id with
// version 1 and a single-attempt retry policy.
func NewDefinitionBuilder(id string) *DefinitionBuilder {
	return &DefinitionBuilder{def: core.WorkflowDefinition{
		ID:           id,
		Version:      1,
		DefaultRetry: core.RetryPolicy{MaxAttempts: 1},
	}}
}

// Version overrides the definition version (chainable).
func (b *DefinitionBuilder) Version(v int) *DefinitionBuilder {
	b.def.Version = v
	return b
}

// Timeout bounds the whole instance (chainable).
func (b *DefinitionBuilder) Timeout(d time.Duration) *DefinitionBuilder {
	b.def.Timeout = d
	return b
}

// Retry sets the default retry policy (chainable).
func (b *DefinitionBuilder) Retry(p core.RetryPolicy) *DefinitionBuilder {
	b.def.DefaultRetry = p
	return b
}

// OnError sets the failure action applied after retries are exhausted
// (chainable).
func (b *DefinitionBuilder) OnError(action core.FailureAction, compensationStep string) *DefinitionBuilder {
	b.def.OnError = core.ErrorPolicy{OnFailure: action, CompensationStep: compensationStep}
	return b
}

// Step appends a step bound to the given capability (chainable).
func (b *DefinitionBuilder) Step(id, capability string, optFns ...StepOption) *DefinitionBuilder {
	s := core.Step{ID: id, Capability: capability}
	for _, fn := range optFns {
		fn(&s)
	}
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// Build returns a copy of the constructed definition.
func (b *DefinitionBuilder) Build() *core.WorkflowDefinition {
	def := b.def
	def.Steps = append([]core.Step(nil), b.def.Steps...)
	return &def
}

// DependsOn declares predecessor steps.
func DependsOn(ids ...string) StepOption {
	return func(s *core.Step) { s.DependsOn = append(s.DependsOn, ids...) }
}

// Parallel marks the step eligible for concurrent dispatch.
func Parallel() StepOption {
	return func(s *core.Step) { s.Parallel = true }
}

// Optional marks the step non-blocking for completion under a skip policy.
func Optional() StepOption {
	return func(s *core.Step) { s.Optional = true }
}

// Guard adds a context guard to the step.
func Guard(key string, op core.GuardOp, value string) StepOption {
	return func(s *core.Step) {
		s.Guards = append(s.Guards, core.Guard{Key: key, Op: op, Value: value})
	}
}

// StepTimeout bounds a single task attempt.
func StepTimeout(d time.Duration) StepOption {
	return func(s *core.Step) { s.Timeout = d }
}

// StepRetry overrides the definition's default retry policy for the step.
func StepRetry(p core.RetryPolicy) StepOption {
	return func(s *core.Step) { s.Retry = &p }
}

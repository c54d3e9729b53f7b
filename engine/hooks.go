package engine

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// HookType identifies the lifecycle points where hooks run.
//
// Hooks provide a way to observe engine decisions without modifying core
// logic: audit trails, notifications, custom metrics. They run synchronously
// after the corresponding state transition has been committed, so a hook
// error cannot roll the transition back; the engine logs it and continues.
type HookType string

const (
	// HookInstanceSubmitted fires after a new instance is persisted.
	HookInstanceSubmitted HookType = "instance_submitted"

	// HookInstanceFinished fires when an instance reaches Completed,
	// Failed, or Cancelled.
	HookInstanceFinished HookType = "instance_finished"

	// HookStepDispatched fires after a task for a step is handed to the
	// dispatcher.
	HookStepDispatched HookType = "step_dispatched"

	// HookStepCompleted fires after a step's result is merged into the
	// instance context.
	HookStepCompleted HookType = "step_completed"

	// HookStepFailed fires when a step fails permanently, after retries are
	// exhausted or for a non-retryable error.
	HookStepFailed HookType = "step_failed"
)

// HookContext carries the state relevant to a hook execution. Fields not
// applicable to the hook type are nil or empty.
type HookContext struct {
	// Instance is a snapshot of the instance after the transition. Hooks
	// must not mutate it.
	Instance *core.WorkflowInstance

	// StepID identifies the step for step-scoped hooks.
	StepID string

	// Task is the dispatched task for HookStepDispatched.
	Task *core.AgentTask

	// Error is the failure detail for HookStepFailed.
	Error *core.TaskError
}

// Hook is an engine lifecycle observer.
type Hook interface {
	// Type returns the lifecycle point this hook handles.
	Type() HookType

	// Execute runs the hook. Errors are logged by the engine, never
	// propagated: the transition the hook observes is already committed.
	Execute(ctx context.Context, hctx *HookContext) error
}

// FunctionHook wraps a plain function as a Hook, for simple stateless
// observers.
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hctx *HookContext) error
}

// NewFunctionHook creates a function-backed hook for the given lifecycle
// point.
func NewFunctionHook(hookType HookType, fn func(ctx context.Context, hctx *HookContext) error) *FunctionHook {
	return &FunctionHook{hookType: hookType, fn: fn}
}

// Type returns the lifecycle point this hook handles.
func (h *FunctionHook) Type() HookType { return h.hookType }

// Execute calls the wrapped function.
func (h *FunctionHook) Execute(ctx context.Context, hctx *HookContext) error {
	return h.fn(ctx, hctx)
}

// HookManager routes hook executions to the registered observers.
//
// Registration is not safe for concurrent use; register all hooks before
// starting the engine. Execution is safe for concurrent use afterwards.
type HookManager struct {
	hooks  map[HookType][]Hook
	logger logging.Logger
}

// NewHookManager creates an empty hook manager.
func NewHookManager(logger logging.Logger) *HookManager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &HookManager{hooks: make(map[HookType][]Hook), logger: logger}
}

// Register adds a hook. Multiple hooks per type run in registration order.
func (m *HookManager) Register(h Hook) {
	m.hooks[h.Type()] = append(m.hooks[h.Type()], h)
}

// Fire executes all hooks registered for the lifecycle point. Hook errors
// are logged and do not stop subsequent hooks.
func (m *HookManager) Fire(ctx context.Context, hookType HookType, hctx *HookContext) {
	if m == nil {
		return
	}
	for _, h := range m.hooks[hookType] {
		if err := h.Execute(ctx, hctx); err != nil {
			m.logger.Warn("hook %s failed: %v", hookType, err)
		}
	}
}

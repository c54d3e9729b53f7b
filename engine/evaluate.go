package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
)

// outcomeDecision is what applying a task outcome left to do once the
// instance record was committed.
type outcomeDecision int

const (
	decisionNone outcomeDecision = iota
	decisionAdvance
	decisionRetry
	decisionCompensate
)

// handleDelivery applies one task outcome event. Duplicates, outcomes of
// superseded attempts, and outcomes for terminal instances are acknowledged
// and dropped; everything else mutates the instance exactly once.
func (e *Engine) handleDelivery(ctx context.Context, d core.Delivery) error {
	res := d.Event.Result
	if res == nil {
		// Not a task outcome; nothing to apply.
		return nil
	}

	e.stopAttemptTimer(core.ResultKey(res.TaskID, res.Attempt))
	e.opts.Dispatcher.Release(ctx, res.TaskID)

	if task, ok := e.lookupInflight(res.TaskID); ok {
		e.opts.Dispatcher.ReportOutcome(task.Capability, res.Error)
		e.opts.Metrics.SetBreaker(task.Capability, e.opts.Dispatcher.BreakerState(task.Capability) == dispatch.BreakerOpen)
		e.opts.Metrics.ObserveOutcome(task.Capability, string(res.Status), d.Event.Timestamp.Sub(task.CreatedAt).Seconds())
	}

	var (
		decision     outcomeDecision
		retryDelay   time.Duration
		retryAttempt int
		stepErr      *core.TaskError
	)
	inst, updated, err := e.updateInstance(ctx, res.InstanceID, func(inst *core.WorkflowInstance) error {
		decision = decisionNone
		key := core.ResultKey(res.TaskID, res.Attempt)
		if inst.Applied[key] {
			return errSkipUpdate // duplicate delivery
		}
		if inst.Status.Terminal() {
			return errSkipUpdate // late result for a finished instance
		}
		if inst.Active[res.StepID] != res.TaskID {
			return errSkipUpdate // superseded attempt
		}
		def, err := e.defs.Resolve(inst.DefinitionID, inst.DefinitionVersion)
		if err != nil {
			return err
		}
		step, ok := def.Step(res.StepID)
		if !ok {
			return fmt.Errorf("instance %s references unknown step %q", inst.ID, res.StepID)
		}

		inst.Applied[key] = true
		delete(inst.Active, res.StepID)

		if inst.Compensating == res.StepID {
			// The compensation ran exactly once, with or without success;
			// the instance ends Failed either way.
			if res.Status == core.TaskCompleted {
				inst.MergeContext(res.Output)
				if inst.Error != nil {
					inst.MergeContext(map[string]any{"compensated:" + inst.Error.StepID: true})
				}
			}
			inst.Compensating = ""
			return inst.Transition(core.InstanceFailed)
		}

		if res.Status == core.TaskCompleted {
			inst.MergeContext(res.Output)
			inst.MarkCompleted(res.StepID)
			decision = decisionAdvance
			return nil
		}

		attempts := inst.Attempts[res.StepID] + 1
		inst.Attempts[res.StepID] = attempts
		stepErr = res.Error
		if stepErr == nil {
			stepErr = core.NewTaskError(core.CategoryTransient, "task %s failed without detail", res.TaskID)
		}

		policy := def.RetryFor(step)
		if stepErr.Retryable() && !policy.Exhausted(attempts) {
			decision = decisionRetry
			retryDelay = policy.Delay(attempts)
			retryAttempt = attempts + 1
			return nil
		}

		// Retries exhausted or the error is not retryable.
		inst.MarkFailed(res.StepID)
		failure := &core.InstanceError{
			StepID:   res.StepID,
			Category: stepErr.Category,
			Message:  stepErr.Message,
			Attempts: attempts,
		}
		switch def.OnError.OnFailure {
		case core.FailureSkip:
			if inst.Error == nil {
				inst.Error = failure
			}
			decision = decisionAdvance
			return nil
		case core.FailureCompensate:
			inst.Error = failure
			inst.Compensating = def.OnError.CompensationStep
			decision = decisionCompensate
			return nil
		default: // abort
			inst.Error = failure
			return inst.Transition(core.InstanceFailed)
		}
	})
	if err != nil {
		return err
	}
	e.forgetInflight(res.TaskID)
	if !updated {
		return nil
	}

	switch decision {
	case decisionRetry:
		e.opts.Logger.Debug("engine: retrying step %s on instance %s in %s (attempt %d)",
			res.StepID, res.InstanceID, retryDelay, retryAttempt)
		e.scheduleRetry(res.InstanceID, res.StepID, retryAttempt, retryDelay)

	case decisionCompensate:
		e.opts.Hooks.Fire(ctx, HookStepFailed, &HookContext{Instance: inst.Clone(), StepID: res.StepID, Error: stepErr})
		def, derr := e.defs.Resolve(inst.DefinitionID, inst.DefinitionVersion)
		if derr != nil {
			return derr
		}
		comp, ok := def.Step(inst.Compensating)
		if !ok {
			return fmt.Errorf("instance %s: compensation step %q not found", inst.ID, inst.Compensating)
		}
		return e.dispatchStep(ctx, inst.ID, def, comp, 1)

	case decisionAdvance:
		if res.Status == core.TaskCompleted {
			e.opts.Hooks.Fire(ctx, HookStepCompleted, &HookContext{Instance: inst.Clone(), StepID: res.StepID})
		} else {
			e.opts.Hooks.Fire(ctx, HookStepFailed, &HookContext{Instance: inst.Clone(), StepID: res.StepID, Error: stepErr})
		}
		return e.advance(ctx, res.InstanceID)

	default:
		if inst.Status == core.InstanceFailed && stepErr != nil {
			e.opts.Hooks.Fire(ctx, HookStepFailed, &HookContext{Instance: inst.Clone(), StepID: res.StepID, Error: stepErr})
		}
	}
	return nil
}

// handleDeadLetter settles a task outcome that kept failing to apply and
// exhausted its redeliveries. The step is marked permanently failed and the
// instance ends Failed, so a poisoned event cannot leave its step in flight
// forever. Unlike handleDelivery this consults no definition state; an
// unresolvable definition is one of the ways events end up here.
func (e *Engine) handleDeadLetter(ctx context.Context, d core.Delivery) error {
	res := d.Event.Result
	if res == nil {
		return nil
	}

	e.stopAttemptTimer(core.ResultKey(res.TaskID, res.Attempt))
	e.opts.Dispatcher.Release(ctx, res.TaskID)

	_, _, err := e.updateInstance(ctx, res.InstanceID, func(inst *core.WorkflowInstance) error {
		key := core.ResultKey(res.TaskID, res.Attempt)
		if inst.Applied[key] {
			return errSkipUpdate
		}
		if inst.Status.Terminal() {
			return errSkipUpdate
		}
		if inst.Active[res.StepID] != res.TaskID {
			return errSkipUpdate
		}

		inst.Applied[key] = true
		inst.MarkFailed(res.StepID)
		if inst.Compensating == res.StepID {
			inst.Compensating = ""
		}
		if inst.Status == core.InstanceFailed {
			// Already failed through another step; just settle the
			// bookkeeping for this one.
			return nil
		}
		inst.Error = &core.InstanceError{
			StepID:   res.StepID,
			Category: core.CategoryPermanent,
			Message:  fmt.Sprintf("outcome of task %s could not be applied and was dead-lettered", res.TaskID),
			Attempts: res.Attempt,
		}
		if inst.Status == core.InstancePending || inst.Status == core.InstancePaused {
			if err := inst.Transition(core.InstanceRunning); err != nil {
				return err
			}
		}
		return inst.Transition(core.InstanceFailed)
	})
	if err != nil {
		return err
	}
	e.forgetInflight(res.TaskID)
	return nil
}

// advance dispatches every step that became runnable and settles the final
// status once nothing is left to run.
func (e *Engine) advance(ctx context.Context, instanceID string) error {
	inst, err := e.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != core.InstanceRunning && inst.Status != core.InstancePending {
		return nil
	}
	def, err := e.defs.Resolve(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}

	// A non-parallel step in flight runs alone; dispatch nothing beside it.
	exclusiveActive := false
	for stepID := range inst.Active {
		if s, ok := def.Step(stepID); ok && !s.Parallel {
			exclusiveActive = true
		}
	}

	if !exclusiveActive {
		active := len(inst.Active)
		for _, step := range e.runnableSteps(def, inst) {
			if !step.Parallel && active > 0 {
				continue
			}
			if err := e.dispatchStep(ctx, instanceID, def, step, inst.Attempts[step.ID]+1); err != nil {
				e.opts.Logger.Warn("engine: dispatch of step %s on instance %s failed: %v", step.ID, instanceID, err)
				continue
			}
			active++
			if !step.Parallel {
				break
			}
		}
	}

	return e.maybeFinish(ctx, def, instanceID)
}

// runnableSteps returns the steps whose dependencies are complete, whose
// guards pass against the current context, and which are not already
// running, finished, or waiting on a retry timer. The compensation step is
// excluded from normal evaluation.
func (e *Engine) runnableSteps(def *core.WorkflowDefinition, inst *core.WorkflowInstance) []core.Step {
	var out []core.Step
steps:
	for _, step := range def.Steps {
		if def.OnError.OnFailure == core.FailureCompensate && step.ID == def.OnError.CompensationStep {
			continue
		}
		if inst.StepCompleted(step.ID) || inst.StepFailed(step.ID) {
			continue
		}
		if _, active := inst.Active[step.ID]; active {
			continue
		}
		if e.hasPendingStepRetry(inst.ID, step.ID) {
			continue
		}
		for _, dep := range step.DependsOn {
			if !inst.StepCompleted(dep) {
				continue steps
			}
		}
		for _, g := range step.Guards {
			if !g.Evaluate(inst.Context) {
				continue steps
			}
		}
		out = append(out, step)
	}
	return out
}

// dispatchStep creates a task for one step attempt, records it as the step's
// single in-flight task, and hands it to the dispatcher. A dispatch failure
// is fed back through the outcome path so the step's retry policy applies.
func (e *Engine) dispatchStep(ctx context.Context, instanceID string, def *core.WorkflowDefinition, step core.Step, attempt int) error {
	var task *core.AgentTask
	_, updated, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status == core.InstancePending {
			if err := inst.Transition(core.InstanceRunning); err != nil {
				return err
			}
		}
		if inst.Status != core.InstanceRunning {
			return errSkipUpdate
		}
		if inst.Active[step.ID] != "" || inst.StepCompleted(step.ID) {
			return errSkipUpdate
		}
		input := make(map[string]any, len(inst.Context))
		for k, v := range inst.Context {
			input[k] = v
		}
		task = core.NewTask(inst.ID, step, input, def.TimeoutFor(step), attempt)
		inst.Active[step.ID] = task.ID
		return nil
	})
	if err != nil || !updated {
		return err
	}

	// The dispatcher mutates the task under its own lock once an agent is
	// found; everything the engine touches afterwards works on this copy.
	snapshot := *task
	e.trackInflight(&snapshot)
	e.opts.Metrics.ObserveDispatch(step.Capability)
	e.opts.Logger.Debug("engine: dispatching step %s attempt %d on instance %s", step.ID, attempt, instanceID)

	if err := e.opts.Dispatcher.Dispatch(ctx, task); err != nil {
		var taskErr *core.TaskError
		if !errors.As(err, &taskErr) {
			taskErr = core.NewTaskError(core.CategoryTransient, "dispatch failed: %v", err)
		}
		return e.opts.Bus.Publish(ctx, core.TopicTaskResults, core.NewTaskFailureEvent(&snapshot, core.TaskFailed, taskErr))
	}
	e.opts.Metrics.SetQueueDepth(e.opts.Dispatcher.QueueDepth())

	if snapshot.Timeout > 0 {
		e.armAttemptTimer(snapshot)
	}
	e.opts.Hooks.Fire(ctx, HookStepDispatched, &HookContext{StepID: step.ID, Task: &snapshot})
	return nil
}

// maybeFinish settles the terminal status once nothing is in flight, nothing
// is runnable, and no retry is pending. Failed steps of optional steps do
// not block completion; a failed required step ends the instance Failed.
func (e *Engine) maybeFinish(ctx context.Context, def *core.WorkflowDefinition, instanceID string) error {
	_, _, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status != core.InstanceRunning && inst.Status != core.InstancePending {
			return errSkipUpdate
		}
		if len(inst.Active) > 0 || inst.Compensating != "" {
			return errSkipUpdate
		}
		if e.hasPendingRetry(instanceID) {
			return errSkipUpdate
		}
		if len(e.runnableSteps(def, inst)) > 0 {
			return errSkipUpdate
		}

		// Degenerate definitions whose guards never pass finish without
		// dispatching anything.
		if inst.Status == core.InstancePending {
			if err := inst.Transition(core.InstanceRunning); err != nil {
				return err
			}
		}
		for _, s := range def.Steps {
			if def.OnError.OnFailure == core.FailureCompensate && s.ID == def.OnError.CompensationStep {
				continue
			}
			if inst.StepFailed(s.ID) && !s.Optional {
				return inst.Transition(core.InstanceFailed)
			}
		}
		inst.Error = nil
		return inst.Transition(core.InstanceCompleted)
	})
	return err
}

// scheduleRetry arms the backoff timer for a step's next attempt.
func (e *Engine) scheduleRetry(instanceID, stepID string, attempt int, delay time.Duration) {
	e.mu.Lock()
	m := e.retries[instanceID]
	if m == nil {
		m = make(map[string]*time.Timer)
		e.retries[instanceID] = m
	}
	if t, ok := m[stepID]; ok {
		t.Stop()
	}
	m[stepID] = time.AfterFunc(delay, func() { e.runRetry(instanceID, stepID, attempt) })
	e.mu.Unlock()
}

// runRetry dispatches the next attempt of a step once its backoff elapsed.
// A paused or finished instance drops the timer; resuming re-evaluates the
// step without further delay.
func (e *Engine) runRetry(instanceID, stepID string, attempt int) {
	e.mu.Lock()
	if m := e.retries[instanceID]; m != nil {
		delete(m, stepID)
		if len(m) == 0 {
			delete(e.retries, instanceID)
		}
	}
	e.mu.Unlock()

	ctx := context.Background()
	inst, err := e.Get(ctx, instanceID)
	if err != nil || inst.Status != core.InstanceRunning {
		return
	}
	def, err := e.defs.Resolve(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return
	}
	step, ok := def.Step(stepID)
	if !ok {
		return
	}
	if err := e.dispatchStep(ctx, instanceID, def, step, attempt); err != nil {
		e.opts.Logger.Warn("engine: retry dispatch of step %s on instance %s failed: %v", stepID, instanceID, err)
	}
}

func (e *Engine) hasPendingRetry(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retries[instanceID]) > 0
}

func (e *Engine) hasPendingStepRetry(instanceID, stepID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.retries[instanceID]
	if !ok {
		return false
	}
	_, ok = m[stepID]
	return ok
}

// armAttemptTimer starts the per-attempt deadline. When it fires, a
// synthetic timeout failure is published on the results topic; the instance
// key ordering makes it indistinguishable from an agent-reported failure.
// The task is passed by value: the timer goroutine must not read the live
// record the dispatcher keeps assigning.
func (e *Engine) armAttemptTimer(task core.AgentTask) {
	key := core.ResultKey(task.ID, task.Attempt)
	e.mu.Lock()
	e.timers[key] = time.AfterFunc(task.Timeout, func() { e.expireTask(task) })
	e.mu.Unlock()
}

func (e *Engine) stopAttemptTimer(key string) {
	e.mu.Lock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()
}

func (e *Engine) expireTask(task core.AgentTask) {
	e.mu.Lock()
	delete(e.timers, core.ResultKey(task.ID, task.Attempt))
	e.mu.Unlock()

	taskErr := core.NewTaskError(core.CategoryTimeout, "step %s exceeded its %s deadline", task.StepID, task.Timeout)
	ev := core.NewTaskFailureEvent(&task, core.TaskTimedOut, taskErr)
	if err := e.opts.Bus.Publish(context.Background(), core.TopicTaskResults, ev); err != nil {
		e.opts.Logger.Error("engine: failed to publish timeout for task %s: %v", task.ID, err)
	}
}

// armDeadline starts or restarts the whole-workflow deadline.
func (e *Engine) armDeadline(instanceID string, d time.Duration) {
	e.mu.Lock()
	if t, ok := e.deadlines[instanceID]; ok {
		t.Stop()
	}
	e.deadlines[instanceID] = time.AfterFunc(d, func() { e.expireInstance(instanceID) })
	e.mu.Unlock()
}

// expireInstance fails an instance whose workflow deadline elapsed. The
// deadline keeps ticking while the instance is paused.
func (e *Engine) expireInstance(instanceID string) {
	e.mu.Lock()
	delete(e.deadlines, instanceID)
	e.mu.Unlock()

	ctx := context.Background()
	_, _, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status.Terminal() || inst.Status == core.InstanceFailed {
			return errSkipUpdate
		}
		if inst.Status == core.InstancePending || inst.Status == core.InstancePaused {
			if err := inst.Transition(core.InstanceRunning); err != nil {
				return err
			}
		}
		inst.Error = &core.InstanceError{Category: core.CategoryTimeout, Message: "workflow deadline exceeded"}
		return inst.Transition(core.InstanceFailed)
	})
	if err != nil {
		e.opts.Logger.Error("engine: failed to expire instance %s: %v", instanceID, err)
	}
}

func (e *Engine) cancelInstanceTimers(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.deadlines[instanceID]; ok {
		t.Stop()
		delete(e.deadlines, instanceID)
	}
	if m, ok := e.retries[instanceID]; ok {
		for _, t := range m {
			t.Stop()
		}
		delete(e.retries, instanceID)
	}
	for id, task := range e.inflight {
		if task.InstanceID != instanceID {
			continue
		}
		key := core.ResultKey(task.ID, task.Attempt)
		if t, ok := e.timers[key]; ok {
			t.Stop()
			delete(e.timers, key)
		}
		delete(e.inflight, id)
	}
}

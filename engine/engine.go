package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// errSkipUpdate aborts an updateInstance mutation without writing. Used for
// idempotent operations that observe an already-settled state.
var errSkipUpdate = errors.New("engine: no update")

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Store is the durable record backend. Required.
	Store core.StateStore

	// Bus carries task outcome events. Required.
	Bus core.EventBus

	// Dispatcher hands tasks to agent workers. Required.
	Dispatcher *dispatch.Dispatcher

	// Definitions is the workflow definition registry. A fresh registry
	// backed by Store is created when nil.
	Definitions *Definitions

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger

	// Metrics receives engine instrumentation. Optional.
	Metrics *metrics.Metrics

	// Hooks observe lifecycle transitions. Optional.
	Hooks *HookManager

	// Group is the consumer group name used on the task results topic.
	// Engine replicas sharing a group split the event stream.
	Group string
}

// Engine owns workflow instance state. All exported methods are safe for
// concurrent use.
//
// The maps below are node-local scheduling state, not durable records: timers
// for attempt deadlines and retry backoff, plus the tasks this node
// dispatched and has not yet seen an outcome for. After a restart they are
// empty; outstanding attempts then surface as timeouts and are retried under
// the step policy.
type Engine struct {
	opts Options
	defs *Definitions

	mu        sync.Mutex
	inflight  map[string]*core.AgentTask        // task id -> dispatched task
	timers    map[string]*time.Timer            // result key -> attempt deadline
	retries   map[string]map[string]*time.Timer // instance id -> step id -> retry timer
	deadlines map[string]*time.Timer            // instance id -> workflow deadline
}

// New constructs an Engine with optional overrides.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Group:  "engine",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Definitions == nil {
		opts.Definitions = NewDefinitions(opts.Store, opts.Logger)
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHookManager(opts.Logger)
	}
	return &Engine{
		opts:      opts,
		defs:      opts.Definitions,
		inflight:  make(map[string]*core.AgentTask),
		timers:    make(map[string]*time.Timer),
		retries:   make(map[string]map[string]*time.Timer),
		deadlines: make(map[string]*time.Timer),
	}
}

// Definitions exposes the definition registry.
func (e *Engine) Definitions() *Definitions { return e.defs }

// RegisterDefinition validates and registers a workflow definition version.
func (e *Engine) RegisterDefinition(ctx context.Context, def *core.WorkflowDefinition) error {
	return e.defs.Register(ctx, def)
}

// Start subscribes to the task results topic and applies outcomes until the
// context is cancelled. Events that fail to apply are nacked for redelivery;
// the bus dead-letters them once the redelivery ceiling is reached. The
// paired dead-letter topic is consumed too: an outcome that could not be
// applied after redelivery fails its step permanently instead of leaving it
// in flight forever.
func (e *Engine) Start(ctx context.Context) error {
	deliveries, err := e.opts.Bus.Subscribe(ctx, core.TopicTaskResults, e.opts.Group)
	if err != nil {
		return err
	}
	deadLetters, err := e.opts.Bus.Subscribe(ctx, core.DeadLetterTopic(core.TopicTaskResults), e.opts.Group)
	if err != nil {
		return err
	}
	go func() {
		for d := range deliveries {
			if err := e.handleDelivery(ctx, d); err != nil {
				e.opts.Logger.Error("engine: failed to apply event %s: %v", d.Event.ID, err)
				d.Nack()
				continue
			}
			d.Ack()
		}
	}()
	go func() {
		for d := range deadLetters {
			if err := e.handleDeadLetter(ctx, d); err != nil {
				e.opts.Logger.Error("engine: failed to settle dead-lettered event %s: %v", d.Event.ID, err)
			}
			// Always acknowledged; a dead-lettered event must not cycle
			// through redelivery again.
			d.Ack()
		}
	}()
	return nil
}

// Submit creates and starts a workflow instance from the given definition.
// Version 0 resolves to the latest registered version. The submitted input
// seeds the instance context.
func (e *Engine) Submit(ctx context.Context, definitionID string, version int, input map[string]any, owner string) (*core.WorkflowInstance, error) {
	def, err := e.defs.Resolve(definitionID, version)
	if err != nil {
		return nil, err
	}

	inst := core.NewInstance(def, input, owner)
	value, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	if _, err := e.opts.Store.CompareAndSwap(ctx, core.InstanceKey(inst.ID), 0, value); err != nil {
		return nil, fmt.Errorf("persist instance %s: %w", inst.ID, err)
	}
	e.opts.Metrics.ObserveInstance("", string(inst.Status))
	e.opts.Logger.Info("engine: submitted instance %s of %s v%d", inst.ID, def.ID, def.Version)
	e.opts.Hooks.Fire(ctx, HookInstanceSubmitted, &HookContext{Instance: inst.Clone()})

	if def.Timeout > 0 {
		e.armDeadline(inst.ID, def.Timeout)
	}
	if err := e.advance(ctx, inst.ID); err != nil {
		e.opts.Logger.Warn("engine: initial evaluation of instance %s failed: %v", inst.ID, err)
	}
	return e.Get(ctx, inst.ID)
}

// Get returns the current state of an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	rec, ok, err := e.opts.Store.Get(ctx, core.InstanceKey(instanceID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", instanceID, core.ErrNotFound)
	}
	var inst core.WorkflowInstance
	if err := json.Unmarshal(rec.Value, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", instanceID, err)
	}
	return &inst, nil
}

// ListInstances returns all stored instances, newest first. Requires a store
// implementing core.Lister.
func (e *Engine) ListInstances(ctx context.Context) ([]*core.WorkflowInstance, error) {
	lister, ok := e.opts.Store.(core.Lister)
	if !ok {
		return nil, fmt.Errorf("engine: store does not support listing")
	}
	records, err := lister.List(ctx, core.InstanceKey(""))
	if err != nil {
		return nil, err
	}
	out := make([]*core.WorkflowInstance, 0, len(records))
	for _, rec := range records {
		var inst core.WorkflowInstance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			e.opts.Logger.Warn("engine: skipping corrupt instance record %s: %v", rec.Key, err)
			continue
		}
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cancel moves the instance to Cancelled and drops its pending work.
// Cancelling an already cancelled instance is a no-op; cancelling a completed
// one is an error.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	inst, _, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status == core.InstanceCancelled {
			return errSkipUpdate
		}
		return inst.Transition(core.InstanceCancelled)
	})
	return inst, err
}

// Pause suspends step evaluation for a running instance. In-flight tasks
// keep running and their results are applied; no new task is dispatched
// until Resume.
func (e *Engine) Pause(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	inst, _, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status == core.InstancePaused {
			return errSkipUpdate
		}
		return inst.Transition(core.InstancePaused)
	})
	return inst, err
}

// Resume restarts step evaluation of a paused instance.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	_, updated, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status != core.InstancePaused {
			return fmt.Errorf("instance %s is %s, not paused", instanceID, inst.Status)
		}
		return inst.Transition(core.InstanceRunning)
	})
	if err != nil {
		return nil, err
	}
	if updated {
		if err := e.advance(ctx, instanceID); err != nil {
			e.opts.Logger.Warn("engine: evaluation after resume of %s failed: %v", instanceID, err)
		}
	}
	return e.Get(ctx, instanceID)
}

// Retry restarts a failed instance: failed steps get a fresh attempt budget
// and the instance re-enters Running. Completed steps and the accumulated
// context are kept.
func (e *Engine) Retry(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	inst, updated, err := e.updateInstance(ctx, instanceID, func(inst *core.WorkflowInstance) error {
		if inst.Status != core.InstanceFailed {
			return fmt.Errorf("instance %s is %s, only failed instances can be retried", instanceID, inst.Status)
		}
		for _, stepID := range inst.FailedSteps {
			delete(inst.Attempts, stepID)
		}
		inst.FailedSteps = nil
		inst.Error = nil
		inst.Compensating = ""
		return inst.Transition(core.InstanceRunning)
	})
	if err != nil {
		return nil, err
	}
	if updated {
		if def, derr := e.defs.Resolve(inst.DefinitionID, inst.DefinitionVersion); derr == nil && def.Timeout > 0 {
			e.armDeadline(instanceID, def.Timeout)
		}
		if err := e.advance(ctx, instanceID); err != nil {
			e.opts.Logger.Warn("engine: evaluation after retry of %s failed: %v", instanceID, err)
		}
	}
	return e.Get(ctx, instanceID)
}

// ReportResult publishes a success outcome for an in-flight task. Used by
// the HTTP boundary on behalf of remote agents.
func (e *Engine) ReportResult(ctx context.Context, taskID string, output map[string]any) error {
	task, ok := e.lookupInflight(taskID)
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, core.ErrNotFound)
	}
	return e.opts.Bus.Publish(ctx, core.TopicTaskResults, core.NewTaskResultEvent(task, output))
}

// ReportFailure publishes a failure outcome for an in-flight task.
func (e *Engine) ReportFailure(ctx context.Context, taskID string, taskErr *core.TaskError) error {
	task, ok := e.lookupInflight(taskID)
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, core.ErrNotFound)
	}
	if taskErr == nil {
		taskErr = core.NewTaskError(core.CategoryTransient, "task failed without detail")
	}
	return e.opts.Bus.Publish(ctx, core.TopicTaskResults, core.NewTaskFailureEvent(task, core.TaskFailed, taskErr))
}

// HandleAgentOffline requeues the in-flight tasks of an agent the registry
// reaper declared offline. Each task surfaces as a transient failure subject
// to its step's retry policy. Wire this as the registry's OnOffline callback.
// The agent's tasks are resolved through the dispatcher's assignment index;
// the engine's own inflight records never learn who holds a task.
func (e *Engine) HandleAgentOffline(agentID string) {
	var orphaned []core.AgentTask
	for _, taskID := range e.opts.Dispatcher.AssignedTo(agentID) {
		if task, ok := e.lookupInflight(taskID); ok {
			orphan := *task
			orphan.AgentID = agentID
			orphaned = append(orphaned, orphan)
		}
	}

	ctx := context.Background()
	for i := range orphaned {
		task := &orphaned[i]
		e.opts.Logger.Warn("engine: agent %s offline, requeueing task %s (step %s)", agentID, task.ID, task.StepID)
		taskErr := core.NewTaskError(core.CategoryTransient, "agent %s went offline", agentID)
		if err := e.opts.Bus.Publish(ctx, core.TopicTaskResults, core.NewTaskFailureEvent(task, core.TaskFailed, taskErr)); err != nil {
			e.opts.Logger.Error("engine: failed to requeue task %s: %v", task.ID, err)
		}
	}
}

// PurgeFinished deletes terminal instances whose finish time is older than
// the retention window. Failed instances are kept because they remain
// eligible for a manual retry. Returns the number of purged records.
func (e *Engine) PurgeFinished(ctx context.Context, retention time.Duration) (int, error) {
	lister, ok := e.opts.Store.(core.Lister)
	if !ok {
		return 0, fmt.Errorf("engine: store does not support listing")
	}
	records, err := lister.List(ctx, core.InstanceKey(""))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-retention)
	purged := 0
	for _, rec := range records {
		var inst core.WorkflowInstance
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			continue
		}
		if !inst.Status.Terminal() || inst.FinishedAt == nil || inst.FinishedAt.After(cutoff) {
			continue
		}
		if err := e.opts.Store.Delete(ctx, rec.Key); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		e.opts.Logger.Info("engine: purged %d finished instances older than %s", purged, retention)
	}
	return purged, nil
}

// updateInstance runs a compare-and-swap read-modify-write cycle on an
// instance record. Version conflicts are retried with exponential backoff;
// every other error aborts. A mutate returning errSkipUpdate leaves the
// record untouched and reports updated=false with the state that was read.
func (e *Engine) updateInstance(ctx context.Context, instanceID string, mutate func(inst *core.WorkflowInstance) error) (*core.WorkflowInstance, bool, error) {
	var (
		inst core.WorkflowInstance
		prev core.InstanceStatus
	)
	op := func() error {
		rec, ok, err := e.opts.Store.Get(ctx, core.InstanceKey(instanceID))
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return backoff.Permanent(fmt.Errorf("instance %q: %w", instanceID, core.ErrNotFound))
		}
		inst = core.WorkflowInstance{}
		if err := json.Unmarshal(rec.Value, &inst); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal instance %s: %w", instanceID, err))
		}
		prev = inst.Status
		if err := mutate(&inst); err != nil {
			return backoff.Permanent(err)
		}
		value, err := json.Marshal(&inst)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := e.opts.Store.CompareAndSwap(ctx, rec.Key, rec.Version, value); err != nil {
			if errors.Is(err, core.ErrVersionMismatch) {
				e.opts.Metrics.ObserveCASConflict()
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, errSkipUpdate) {
			return &inst, false, nil
		}
		return nil, false, err
	}

	if prev != inst.Status {
		e.opts.Metrics.ObserveInstance(string(prev), string(inst.Status))
		switch inst.Status {
		case core.InstanceCompleted, core.InstanceFailed, core.InstanceCancelled:
			e.finish(ctx, &inst)
		}
	}
	return &inst, true, nil
}

// finish runs the side effects of an instance reaching Completed, Failed, or
// Cancelled: scheduling state is torn down and pending work is dropped.
func (e *Engine) finish(ctx context.Context, inst *core.WorkflowInstance) {
	e.cancelInstanceTimers(inst.ID)
	if inst.Status != core.InstanceCompleted {
		e.opts.Dispatcher.CancelInstance(ctx, inst.ID)
	}
	e.opts.Logger.Info("engine: instance %s finished with status %s", inst.ID, inst.Status)
	e.opts.Hooks.Fire(ctx, HookInstanceFinished, &HookContext{Instance: inst.Clone()})
}

func (e *Engine) trackInflight(task *core.AgentTask) {
	e.mu.Lock()
	e.inflight[task.ID] = task
	e.mu.Unlock()
}

func (e *Engine) lookupInflight(taskID string) (*core.AgentTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.inflight[taskID]
	return task, ok
}

func (e *Engine) forgetInflight(taskID string) {
	e.mu.Lock()
	delete(e.inflight, taskID)
	e.mu.Unlock()
}

package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Registry supplies dispatch candidates. Required.
	Registry *registry.Registry

	// Store persists task records on assignment and pull. Optional.
	Store core.StateStore

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger

	// QueueSize bounds the pending queue of tasks waiting for capacity.
	// Overflow surfaces a capacity failure to the caller.
	QueueSize int

	// Breaker is the per-capability circuit breaker policy.
	Breaker core.BreakerPolicy

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Dispatcher assigns agent tasks to registered workers. All exported methods
// are safe for concurrent use.
//
// Assigned tasks wait in a per-agent mailbox until the worker pulls them;
// pulling marks the task in progress. Push delivery is layered on top by
// callers that poll on the worker's behalf.
type Dispatcher struct {
	opts Options

	mu        sync.Mutex
	queue     []*core.AgentTask
	mailboxes map[string][]*core.AgentTask
	// assignments maps task id -> agent id while the agent slot is held.
	// Entries are removed on release, which also makes Release idempotent:
	// the index is bounded by the number of currently assigned tasks.
	assignments map[string]string
	breakers    map[string]*Breaker
}

// New constructs a Dispatcher with optional overrides.
func New(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Logger:    logging.NoOpLogger{},
		QueueSize: 256,
		Breaker:   core.DefaultBreakerPolicy,
		Clock:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		opts:        opts,
		mailboxes:   make(map[string][]*core.AgentTask),
		assignments: make(map[string]string),
		breakers:    make(map[string]*Breaker),
	}
}

// Dispatch assigns the task to the least-loaded capable agent, or queues it
// when none is available. A *core.TaskError with CategoryCapacity is
// returned when the capability's breaker is open or the queue is full; the
// engine treats it as retryable under the step's policy.
func (d *Dispatcher) Dispatch(ctx context.Context, task *core.AgentTask) error {
	breaker := d.breakerFor(task.Capability)
	if !breaker.Allow() {
		return core.NewTaskError(core.CategoryCapacity, "circuit breaker open for capability %q", task.Capability)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assignLocked(ctx, task) {
		return nil
	}
	if len(d.queue) >= d.opts.QueueSize {
		breaker.RecordFailure()
		return core.NewTaskError(core.CategoryCapacity, "dispatch queue full (%d tasks waiting)", len(d.queue))
	}
	d.queue = append(d.queue, task)
	d.opts.Logger.Debug("dispatch: queued task %s capability=%s queue_depth=%d", task.ID, task.Capability, len(d.queue))
	return nil
}

// assignLocked selects an agent and hands the task over; caller must hold
// the dispatcher lock. Returns false when no agent can take the task now.
func (d *Dispatcher) assignLocked(ctx context.Context, task *core.AgentTask) bool {
	candidates := d.opts.Registry.FindCapable(task.Capability)
	eligible := candidates[:0]
	for _, c := range candidates {
		if c.Available() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return false
	}

	// Least loaded first; ties broken by most recent heartbeat to prefer
	// the freshest worker, then by id for determinism.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CurrentTasks != eligible[j].CurrentTasks {
			return eligible[i].CurrentTasks < eligible[j].CurrentTasks
		}
		if !eligible[i].LastHeartbeat.Equal(eligible[j].LastHeartbeat) {
			return eligible[i].LastHeartbeat.After(eligible[j].LastHeartbeat)
		}
		return eligible[i].ID < eligible[j].ID
	})

	for _, candidate := range eligible {
		// Reserve may race with concurrent dispatches; fall through to the
		// next candidate on contention.
		if err := d.opts.Registry.Reserve(ctx, candidate.ID); err != nil {
			continue
		}
		task.Assign(candidate.ID)
		d.assignments[task.ID] = candidate.ID
		d.persistTask(ctx, task)
		d.mailboxes[candidate.ID] = append(d.mailboxes[candidate.ID], task)
		d.opts.Logger.Debug("dispatch: task %s assigned to agent %s (load %d/%d)",
			task.ID, candidate.ID, candidate.CurrentTasks+1, candidate.MaxConcurrent)
		return true
	}
	return false
}

// Poll returns up to max assigned tasks for the agent, marking them in
// progress. Workers call this to pull their work.
func (d *Dispatcher) Poll(ctx context.Context, agentID string, max int) []*core.AgentTask {
	if max < 1 {
		max = 1
	}
	d.mu.Lock()
	box := d.mailboxes[agentID]
	n := max
	if n > len(box) {
		n = len(box)
	}
	pulled := box[:n]
	d.mailboxes[agentID] = box[n:]
	for _, task := range pulled {
		task.Status = core.TaskInProgress
		d.persistTask(ctx, task)
	}
	d.mu.Unlock()
	return pulled
}

// Release frees the agent slot held by a task once its result or failure
// event is consumed, then tries to drain the pending queue. The holding
// agent is resolved from the assignment index, so callers that never saw the
// assignment (synthetic timeout events) release correctly too. Removing the
// index entry makes duplicate releases under at-least-once delivery no-ops:
// only the first delivery for a task decrements agent load.
func (d *Dispatcher) Release(ctx context.Context, taskID string) {
	d.mu.Lock()
	agentID, held := d.assignments[taskID]
	delete(d.assignments, taskID)
	d.mu.Unlock()

	if held {
		d.opts.Registry.Release(ctx, agentID)
	}
	d.Drain(ctx)
}

// AssignedTo returns the ids of the tasks currently holding a slot on the
// agent, pulled or still waiting in its mailbox.
func (d *Dispatcher) AssignedTo(agentID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for taskID, holder := range d.assignments {
		if holder == agentID {
			out = append(out, taskID)
		}
	}
	return out
}

// Drain attempts to assign queued tasks to agents that freed up.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := d.queue[:0]
	for _, task := range d.queue {
		if !d.assignLocked(ctx, task) {
			remaining = append(remaining, task)
		}
	}
	d.queue = remaining
}

// CancelInstance drops queued and not-yet-pulled tasks of a cancelled
// instance. Tasks already pulled by an agent are fire-and-forget; their late
// results are discarded by the engine.
func (d *Dispatcher) CancelInstance(ctx context.Context, instanceID string) {
	d.mu.Lock()
	remaining := d.queue[:0]
	for _, task := range d.queue {
		if task.InstanceID != instanceID {
			remaining = append(remaining, task)
		}
	}
	d.queue = remaining

	var freed []*core.AgentTask
	for agentID, box := range d.mailboxes {
		kept := box[:0]
		for _, task := range box {
			if task.InstanceID == instanceID {
				freed = append(freed, task)
			} else {
				kept = append(kept, task)
			}
		}
		d.mailboxes[agentID] = kept
	}
	d.mu.Unlock()

	for _, task := range freed {
		task.Finish(core.TaskCancelled, nil, nil)
		d.persistTask(ctx, task)
		d.Release(ctx, task.ID)
	}
}

// ReportOutcome feeds a task outcome into the capability's circuit breaker.
// The engine calls this for every consumed result or failure event.
func (d *Dispatcher) ReportOutcome(capability string, taskErr *core.TaskError) {
	breaker := d.breakerFor(capability)
	if taskErr == nil {
		breaker.RecordSuccess()
		return
	}
	switch taskErr.Category {
	case core.CategoryTransient, core.CategoryCapacity:
		breaker.RecordFailure()
	default:
		// Timeouts and permanent failures say nothing about the
		// capability's dispatchability.
	}
}

// BreakerState returns the breaker state for a capability, for observability.
func (d *Dispatcher) BreakerState(capability string) BreakerState {
	return d.breakerFor(capability).State()
}

// QueueDepth returns the number of tasks waiting for capacity.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) breakerFor(capability string) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[capability]
	if !ok {
		b = NewBreaker(d.opts.Breaker, d.opts.Clock)
		d.breakers[capability] = b
	}
	return b
}

func (d *Dispatcher) persistTask(ctx context.Context, task *core.AgentTask) {
	if d.opts.Store == nil {
		return
	}
	value, err := json.Marshal(task)
	if err != nil {
		d.opts.Logger.Warn("dispatch: failed to marshal task %s: %v", task.ID, err)
		return
	}
	if _, err := d.opts.Store.Put(ctx, core.TaskKey(task.ID), value, 0); err != nil {
		d.opts.Logger.Warn("dispatch: failed to persist task %s: %v", task.ID, err)
	}
}

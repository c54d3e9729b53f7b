package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(instanceID, stepID, capability string) *core.AgentTask {
	return core.NewTask(instanceID, core.Step{ID: stepID, Capability: capability}, nil, 0, 1)
}

func newTestDispatcher(t *testing.T, optFns ...func(o *Options)) (*Dispatcher, *registry.Registry) {
	t.Helper()
	s := store.NewInMemoryStore()
	reg := registry.New(func(o *registry.Options) { o.Store = s })
	d := New(append([]func(o *Options){func(o *Options) {
		o.Registry = reg
		o.Store = s
	}}, optFns...)...)
	return d, reg
}

func TestDispatcher_AssignsToCapableAgent(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "a1", []string{"nlp"}, 1))

	task := newTask("i1", "s1", "nlp")
	require.NoError(t, d.Dispatch(ctx, task))

	assert.Equal(t, core.TaskAssigned, task.Status)
	assert.Equal(t, "a1", task.AgentID)

	pulled := d.Poll(ctx, "a1", 10)
	require.Len(t, pulled, 1)
	assert.Equal(t, core.TaskInProgress, pulled[0].Status)
}

func TestDispatcher_NeverExceedsAgentCap(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "a1", []string{"x"}, 1))

	first := newTask("i1", "s1", "x")
	second := newTask("i2", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, first))
	require.NoError(t, d.Dispatch(ctx, second))

	// The agent is at capacity, so the second task waits in the queue.
	assert.Equal(t, core.TaskAssigned, first.Status)
	assert.Equal(t, core.TaskPending, second.Status)
	assert.Equal(t, 1, d.QueueDepth())

	// Releasing the first slot drains the queue onto the agent.
	d.Release(ctx, first.ID)
	assert.Equal(t, core.TaskAssigned, second.Status)
	assert.Equal(t, 0, d.QueueDepth())
}

func TestDispatcher_PrefersLeastLoaded(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "busy", []string{"x"}, 4))
	require.NoError(t, reg.Register(ctx, "idle", []string{"x"}, 4))
	require.NoError(t, reg.Reserve(ctx, "busy"))

	task := newTask("i1", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, task))
	assert.Equal(t, "idle", task.AgentID)
}

func TestDispatcher_TieBrokenByFreshestHeartbeat(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "stale", []string{"x"}, 2))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.Register(ctx, "fresh", []string{"x"}, 2))
	require.NoError(t, reg.Heartbeat(ctx, "fresh"))

	task := newTask("i1", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, task))
	assert.Equal(t, "fresh", task.AgentID)
}

func TestDispatcher_QueueOverflowYieldsCapacityError(t *testing.T) {
	d, _ := newTestDispatcher(t, func(o *Options) { o.QueueSize = 1 })
	ctx := context.Background()

	// No agents registered: the first task queues, the second overflows.
	require.NoError(t, d.Dispatch(ctx, newTask("i1", "s1", "x")))

	err := d.Dispatch(ctx, newTask("i2", "s1", "x"))
	require.Error(t, err)
	var taskErr *core.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, core.CategoryCapacity, taskErr.Category)
	assert.True(t, taskErr.Retryable())
}

func TestDispatcher_BreakerShortCircuitsDispatch(t *testing.T) {
	d, reg := newTestDispatcher(t, func(o *Options) {
		o.Breaker = core.BreakerPolicy{FailureThreshold: 2, CoolDown: time.Hour}
	})
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "a1", []string{"x"}, 10))

	d.ReportOutcome("x", core.NewTaskError(core.CategoryTransient, "boom"))
	d.ReportOutcome("x", core.NewTaskError(core.CategoryTransient, "boom"))
	assert.Equal(t, BreakerOpen, d.BreakerState("x"))

	err := d.Dispatch(ctx, newTask("i1", "s1", "x"))
	require.Error(t, err)
	var taskErr *core.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, core.CategoryCapacity, taskErr.Category)

	// Other capabilities are unaffected.
	require.NoError(t, reg.Register(ctx, "a2", []string{"y"}, 1))
	assert.NoError(t, d.Dispatch(ctx, newTask("i1", "s2", "y")))
}

func TestDispatcher_BusinessFailureDoesNotTripBreaker(t *testing.T) {
	d, _ := newTestDispatcher(t, func(o *Options) {
		o.Breaker = core.BreakerPolicy{FailureThreshold: 1, CoolDown: time.Hour}
	})

	d.ReportOutcome("x", core.NewTaskError(core.CategoryBusiness, "validation failed"))
	d.ReportOutcome("x", core.NewTaskError(core.CategoryPermanent, "bad schema"))
	assert.Equal(t, BreakerClosed, d.BreakerState("x"))
}

func TestDispatcher_ReleaseIdempotent(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "a1", []string{"x"}, 2))
	task := newTask("i1", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, task))

	d.Release(ctx, task.ID)
	d.Release(ctx, task.ID) // duplicate delivery

	agent, ok := reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 0, agent.CurrentTasks, "duplicate release must not double-decrement")
}

func TestDispatcher_ReleaseResolvesAssignedAgent(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "a1", []string{"x"}, 1))
	task := newTask("i1", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, task))
	require.Len(t, d.Poll(ctx, "a1", 1), 1)

	// Timeout handling knows only the task id, not who holds the slot.
	d.Release(ctx, task.ID)

	agent, ok := reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 0, agent.CurrentTasks)
}

func TestDispatcher_AssignmentIndexStaysBounded(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "a1", []string{"x"}, 4))
	for i := 0; i < 3; i++ {
		task := newTask("i1", "s1", "x")
		require.NoError(t, d.Dispatch(ctx, task))
		d.Release(ctx, task.ID)
	}
	doomed := newTask("doomed", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, doomed))
	d.CancelInstance(ctx, "doomed")

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.assignments, "released and cancelled tasks must leave no bookkeeping behind")
}

func TestDispatcher_CancelInstanceDropsPendingWork(t *testing.T) {
	d, reg := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "a1", []string{"x"}, 1))

	assigned := newTask("doomed", "s1", "x")
	queued := newTask("doomed", "s2", "x")
	other := newTask("other", "s1", "x")
	require.NoError(t, d.Dispatch(ctx, assigned))
	require.NoError(t, d.Dispatch(ctx, queued))
	require.NoError(t, d.Dispatch(ctx, other))

	d.CancelInstance(ctx, "doomed")

	// The queued task vanished, the assigned-but-unpulled one was freed,
	// and the surviving instance's task took the slot.
	assert.Equal(t, 0, d.QueueDepth())
	assert.Equal(t, core.TaskCancelled, assigned.Status)
	assert.Equal(t, core.TaskAssigned, other.Status)

	pulled := d.Poll(ctx, "a1", 10)
	require.Len(t, pulled, 1, "only the surviving task remains")
	assert.Equal(t, "other", pulled[0].InstanceID)
}

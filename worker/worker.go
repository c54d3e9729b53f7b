package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
)

// Handler executes one task for a capability. The returned map is merged
// into the instance context on success. Returning a *core.TaskError controls
// the failure category; any other error is treated as transient.
type Handler func(ctx context.Context, task *core.AgentTask) (map[string]any, error)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Registry is where the worker registers and heartbeats. Required.
	Registry *registry.Registry

	// Dispatcher is polled for assigned tasks. Required.
	Dispatcher *dispatch.Dispatcher

	// Bus receives task outcome events. Required.
	Bus core.EventBus

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger

	// MaxConcurrent caps simultaneously running tasks and is advertised as
	// the registration's load capacity.
	MaxConcurrent int

	// PollInterval is the cadence of dispatcher polls.
	PollInterval time.Duration

	// HeartbeatInterval is the cadence of liveness beats.
	HeartbeatInterval time.Duration
}

// Worker runs task handlers for a set of capabilities. Public methods are
// safe for concurrent use once Start has returned.
type Worker struct {
	id   string
	opts Options

	mu         sync.RWMutex
	handlers   map[string]Handler
	activeRuns map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Worker with optional overrides.
func New(id string, optFns ...func(o *Options)) *Worker {
	opts := Options{
		Logger:            logging.NoOpLogger{},
		MaxConcurrent:     4,
		PollInterval:      100 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Worker{
		id:         id,
		opts:       opts,
		handlers:   make(map[string]Handler),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Handle registers the handler for a capability. Must be called before
// Start; the capability set is advertised at registration.
func (w *Worker) Handle(capability string, h Handler) {
	w.mu.Lock()
	w.handlers[capability] = h
	w.mu.Unlock()
}

// Start registers the worker and launches the heartbeat and poll loops. The
// loops stop when the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.RLock()
	capabilities := make([]string, 0, len(w.handlers))
	for c := range w.handlers {
		capabilities = append(capabilities, c)
	}
	w.mu.RUnlock()
	if len(capabilities) == 0 {
		return fmt.Errorf("worker %s: no handlers registered", w.id)
	}

	if err := w.opts.Registry.Register(ctx, w.id, capabilities, w.opts.MaxConcurrent); err != nil {
		return err
	}
	w.opts.Logger.Info("worker %s: registered with capabilities %v", w.id, capabilities)

	go w.heartbeatLoop(ctx)
	go w.pollLoop(ctx)
	return nil
}

// Stop cancels running tasks, waits for them to settle, and deregisters.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	for _, cancel := range w.activeRuns {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.opts.Registry.Deregister(ctx, w.id)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	tick := time.NewTicker(w.opts.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := w.opts.Registry.Heartbeat(ctx, w.id); err != nil {
				w.opts.Logger.Warn("worker %s: heartbeat failed: %v", w.id, err)
			}
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	tick := time.NewTicker(w.opts.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		for _, task := range w.opts.Dispatcher.Poll(ctx, w.id, w.opts.MaxConcurrent) {
			w.wg.Add(1)
			go w.run(ctx, task)
		}
	}
}

// run executes one task and publishes its outcome. The handler context is
// bounded by the task's attempt timeout so a hung handler cannot outlive the
// engine's interest in its result.
func (w *Worker) run(ctx context.Context, task *core.AgentTask) {
	defer w.wg.Done()

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	w.mu.Lock()
	h := w.handlers[task.Capability]
	w.activeRuns[task.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.activeRuns, task.ID)
		w.mu.Unlock()
	}()

	if h == nil {
		w.publish(ctx, core.NewTaskFailureEvent(task, core.TaskFailed,
			core.NewTaskError(core.CategoryPermanent, "worker %s has no handler for capability %q", w.id, task.Capability)))
		return
	}

	w.opts.Logger.Debug("worker %s: running task %s (step %s, attempt %d)", w.id, task.ID, task.StepID, task.Attempt)
	output, err := h(runCtx, task)
	if err != nil {
		w.publish(ctx, core.NewTaskFailureEvent(task, failureStatus(err), classify(err)))
		return
	}
	w.publish(ctx, core.NewTaskResultEvent(task, output))
}

func (w *Worker) publish(ctx context.Context, ev core.Event) {
	if err := w.opts.Bus.Publish(ctx, core.TopicTaskResults, ev); err != nil {
		w.opts.Logger.Error("worker %s: failed to publish outcome for task %s: %v", w.id, ev.Result.TaskID, err)
	}
}

// classify maps a handler error to a task error. Deadline overruns become
// timeouts, typed task errors pass through, everything else is transient.
func classify(err error) *core.TaskError {
	var taskErr *core.TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTaskError(core.CategoryTimeout, "handler exceeded the attempt deadline")
	}
	return core.NewTaskError(core.CategoryTransient, "%v", err)
}

func failureStatus(err error) core.TaskStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.TaskTimedOut
	}
	return core.TaskFailed
}

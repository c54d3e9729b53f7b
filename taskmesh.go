// Package taskmesh provides a high-level façade over the workflow engine and
// its supporting services (state store, event bus, agent registry, task
// dispatcher). Most applications interact with this package by:
//  1. Creating a Mesh via New() (optionally overriding the default in-memory
//     backends)
//  2. Registering workflow definitions and in-process workers
//  3. Submitting workflow instances and observing their lifecycle
//
// The façade delegates orchestration to engine.Engine while keeping setup
// ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable state store and
// a structured logger.
package taskmesh

import (
	"context"
	"time"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/worker"
)

// Options configures the Mesh instance.
type Options struct {
	// Store is the durable record backend. Defaults to the in-memory store.
	Store core.StateStore

	// Bus carries task outcome events. Defaults to the in-memory bus.
	Bus core.EventBus

	// Logger defaults to NoOp.
	Logger logging.Logger

	// Metrics receives instrumentation from all components. Optional.
	Metrics *metrics.Metrics

	// HeartbeatInterval is the expected agent heartbeat cadence.
	HeartbeatInterval time.Duration

	// Breaker is the per-capability circuit breaker policy.
	Breaker core.BreakerPolicy

	// QueueSize bounds the dispatcher's pending queue.
	QueueSize int
}

// Mesh is the high-level façade aggregating the engine and its services.
type Mesh struct {
	opts       Options
	store      core.StateStore
	bus        core.EventBus
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	workers    []*worker.Worker
}

// New creates a Mesh with optional overrides. Any unset backend defaults to
// an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		Logger:            logging.NoOpLogger{},
		HeartbeatInterval: 10 * time.Second,
		Breaker:           core.DefaultBreakerPolicy,
		QueueSize:         256,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New(func(o *bus.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}

	m := &Mesh{opts: opts, store: opts.Store, bus: opts.Bus}
	m.registry = registry.New(func(o *registry.Options) {
		o.Store = opts.Store
		o.Bus = opts.Bus
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.HeartbeatInterval = opts.HeartbeatInterval
	})
	m.dispatcher = dispatch.New(func(o *dispatch.Options) {
		o.Registry = m.registry
		o.Store = opts.Store
		o.Logger = opts.Logger
		o.QueueSize = opts.QueueSize
		o.Breaker = opts.Breaker
	})
	m.engine = engine.New(func(o *engine.Options) {
		o.Store = opts.Store
		o.Bus = opts.Bus
		o.Dispatcher = m.dispatcher
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})
	m.registry.SetOnOffline(m.engine.HandleAgentOffline)
	return m
}

// Start launches the engine consumer and the registry reaper. It must be
// called before submitting workflows.
func (m *Mesh) Start(ctx context.Context) error {
	if err := m.engine.Start(ctx); err != nil {
		return err
	}
	m.registry.Start(ctx)
	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDefinition validates and registers a workflow definition version.
func (m *Mesh) RegisterDefinition(ctx context.Context, def *core.WorkflowDefinition) error {
	return m.engine.RegisterDefinition(ctx, def)
}

// NewWorker creates an in-process worker bound to this mesh. Register its
// handlers before calling Start on the mesh; workers created afterwards must
// be started individually.
func (m *Mesh) NewWorker(id string, optFns ...func(o *worker.Options)) *worker.Worker {
	w := worker.New(id, append([]func(o *worker.Options){func(o *worker.Options) {
		o.Registry = m.registry
		o.Dispatcher = m.dispatcher
		o.Bus = m.bus
		o.Logger = m.opts.Logger
	}}, optFns...)...)
	m.workers = append(m.workers, w)
	return w
}

// Submit creates and starts a workflow instance. Version 0 resolves to the
// latest registered version of the definition.
func (m *Mesh) Submit(ctx context.Context, definitionID string, version int, input map[string]any, owner string) (*core.WorkflowInstance, error) {
	return m.engine.Submit(ctx, definitionID, version, input, owner)
}

// Get returns the current state of an instance.
func (m *Mesh) Get(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	return m.engine.Get(ctx, instanceID)
}

// Cancel cancels a workflow instance.
func (m *Mesh) Cancel(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	return m.engine.Cancel(ctx, instanceID)
}

// Pause suspends step evaluation for a running instance.
func (m *Mesh) Pause(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	return m.engine.Pause(ctx, instanceID)
}

// Resume restarts step evaluation of a paused instance.
func (m *Mesh) Resume(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	return m.engine.Resume(ctx, instanceID)
}

// Retry restarts a failed instance with a fresh attempt budget for its
// failed steps.
func (m *Mesh) Retry(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	return m.engine.Retry(ctx, instanceID)
}

// Engine exposes the underlying engine for advanced use.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Registry exposes the agent registry.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Dispatcher exposes the task dispatcher.
func (m *Mesh) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Bus exposes the event bus.
func (m *Mesh) Bus() core.EventBus { return m.bus }

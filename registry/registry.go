package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Store persists registration records. Required for durability; the
	// in-memory map is only a rebuildable cache.
	Store core.StateStore

	// Bus receives heartbeat events for observers. Optional.
	Bus core.EventBus

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger

	// Metrics tracks the online agent count. Optional.
	Metrics *metrics.Metrics

	// HeartbeatInterval is the expected beat cadence of healthy agents.
	HeartbeatInterval time.Duration

	// MissThreshold is the number of consecutive missed intervals after
	// which an agent is marked offline.
	MissThreshold int

	// OfflineGrace is how long an offline agent's registration is retained
	// before removal. Zero defaults to ten heartbeat intervals.
	OfflineGrace time.Duration

	// OnOffline is invoked (outside the registry lock) for every agent the
	// reaper marks offline. The engine uses it to requeue the agent's
	// in-flight tasks as transient failures.
	OnOffline func(agentID string)

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Registry is the live view of registered agent workers. All exported
// methods are safe for concurrent use.
type Registry struct {
	opts Options

	mu     sync.RWMutex
	agents map[string]*core.AgentRegistration
}

// New constructs a Registry with optional overrides.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Logger:            logging.NoOpLogger{},
		HeartbeatInterval: 10 * time.Second,
		MissThreshold:     3,
		Clock:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = 10 * opts.HeartbeatInterval
	}
	return &Registry{opts: opts, agents: make(map[string]*core.AgentRegistration)}
}

// Register adds or replaces an agent worker. Re-registering an id resets its
// load counters, so workers should register once on startup.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string, maxConcurrent int) error {
	if agentID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if len(capabilities) == 0 {
		return fmt.Errorf("agent %s: at least one capability required", agentID)
	}
	if maxConcurrent < 1 {
		return fmt.Errorf("agent %s: max concurrent must be >= 1", agentID)
	}
	now := r.opts.Clock().UTC()
	reg := &core.AgentRegistration{
		ID:            agentID,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        core.AgentOnline,
		MaxConcurrent: maxConcurrent,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	r.mu.Lock()
	r.agents[agentID] = reg
	r.mu.Unlock()

	if err := r.persist(ctx, reg); err != nil {
		return err
	}
	r.refreshOnlineGauge()
	r.opts.Logger.Info("registry: agent %s registered capabilities=%v max_concurrent=%d", agentID, capabilities, maxConcurrent)
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp. An offline agent
// beating again returns to the dispatch candidate set.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not registered", agentID)
	}
	reg.LastHeartbeat = r.opts.Clock().UTC()
	if reg.Status == core.AgentOffline {
		reg.Status = core.AgentOnline
	}
	snapshot := reg.Clone()
	r.mu.Unlock()

	r.refreshOnlineGauge()
	if err := r.persist(ctx, snapshot); err != nil {
		return err
	}
	if r.opts.Bus != nil {
		if err := r.opts.Bus.Publish(ctx, core.TopicAgentEvents, core.NewHeartbeatEvent(agentID, snapshot.CurrentTasks)); err != nil {
			r.opts.Logger.Warn("registry: failed to publish heartbeat for %s: %v", agentID, err)
		}
	}
	return nil
}

// Deregister removes an agent worker.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not registered", agentID)
	}
	r.refreshOnlineGauge()
	if r.opts.Store != nil {
		if err := r.opts.Store.Delete(ctx, core.AgentKey(agentID)); err != nil {
			return fmt.Errorf("failed to delete registration %s: %w", agentID, err)
		}
	}
	r.opts.Logger.Info("registry: agent %s deregistered", agentID)
	return nil
}

// Get returns a copy of the registration for the given agent.
func (r *Registry) Get(agentID string) (*core.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return reg.Clone(), true
}

// FindCapable returns copies of all non-offline agents declaring the
// capability. Load filtering is the dispatcher's concern.
func (r *Registry) FindCapable(capability string) []*core.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.AgentRegistration
	for _, reg := range r.agents {
		if reg.Status == core.AgentOffline || reg.Status == core.AgentError {
			continue
		}
		if reg.HasCapability(capability) {
			out = append(out, reg.Clone())
		}
	}
	return out
}

// Reserve increments an agent's task count, enforcing the concurrency cap
// before assignment. The count never exceeds MaxConcurrent.
func (r *Registry) Reserve(ctx context.Context, agentID string) error {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not registered", agentID)
	}
	if !reg.Available() {
		r.mu.Unlock()
		return fmt.Errorf("agent %s at capacity (%d/%d)", agentID, reg.CurrentTasks, reg.MaxConcurrent)
	}
	reg.CurrentTasks++
	if reg.CurrentTasks == reg.MaxConcurrent {
		reg.Status = core.AgentBusy
	}
	snapshot := reg.Clone()
	r.mu.Unlock()

	return r.persist(ctx, snapshot)
}

// Release decrements an agent's task count after a result or failure event
// is consumed. Releasing below zero is clamped.
func (r *Registry) Release(ctx context.Context, agentID string) {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if reg.CurrentTasks > 0 {
		reg.CurrentTasks--
	}
	if reg.Status == core.AgentBusy && reg.CurrentTasks < reg.MaxConcurrent {
		reg.Status = core.AgentOnline
	}
	snapshot := reg.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		r.opts.Logger.Warn("registry: failed to persist release for %s: %v", agentID, err)
	}
}

// Reap marks agents silent beyond the miss threshold offline and removes
// registrations offline past the grace period. It returns the ids newly
// marked offline.
func (r *Registry) Reap(ctx context.Context) []string {
	now := r.opts.Clock().UTC()
	deadline := time.Duration(r.opts.MissThreshold) * r.opts.HeartbeatInterval

	var offline, removed []string
	r.mu.Lock()
	for id, reg := range r.agents {
		silent := now.Sub(reg.LastHeartbeat)
		switch {
		case reg.Status != core.AgentOffline && silent > deadline:
			reg.Status = core.AgentOffline
			offline = append(offline, id)
		case reg.Status == core.AgentOffline && silent > deadline+r.opts.OfflineGrace:
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range offline {
		r.opts.Logger.Warn("registry: agent %s marked offline after missed heartbeats", id)
		if reg, ok := r.Get(id); ok {
			if err := r.persist(ctx, reg); err != nil {
				r.opts.Logger.Warn("registry: failed to persist offline status for %s: %v", id, err)
			}
		}
		if r.opts.OnOffline != nil {
			r.opts.OnOffline(id)
		}
	}
	for _, id := range removed {
		if r.opts.Store != nil {
			if err := r.opts.Store.Delete(ctx, core.AgentKey(id)); err != nil {
				r.opts.Logger.Warn("registry: failed to delete stale registration %s: %v", id, err)
			}
		}
		r.opts.Logger.Info("registry: stale registration %s removed", id)
	}
	if len(offline) > 0 || len(removed) > 0 {
		r.refreshOnlineGauge()
	}
	return offline
}

// SetOnOffline installs the callback invoked for agents the reaper marks
// offline. Must be called before Start.
func (r *Registry) SetOnOffline(fn func(agentID string)) {
	r.opts.OnOffline = fn
}

// Start runs the liveness reaper until the context is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap(ctx)
			}
		}
	}()
}

// Rebuild restores the in-memory cache from the state store. The cache is
// never the source of truth; after a restart this reloads every persisted
// registration.
func (r *Registry) Rebuild(ctx context.Context) error {
	lister, ok := r.opts.Store.(core.Lister)
	if !ok {
		return fmt.Errorf("state store does not support listing")
	}
	records, err := lister.List(ctx, core.AgentKey(""))
	if err != nil {
		return fmt.Errorf("failed to list registrations: %w", err)
	}
	agents := make(map[string]*core.AgentRegistration, len(records))
	for _, rec := range records {
		var reg core.AgentRegistration
		if err := json.Unmarshal(rec.Value, &reg); err != nil {
			r.opts.Logger.Warn("registry: skipping corrupt registration record %s: %v", rec.Key, err)
			continue
		}
		agents[reg.ID] = &reg
	}
	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	r.refreshOnlineGauge()
	r.opts.Logger.Info("registry: rebuilt %d registrations from state store", len(agents))
	return nil
}

// refreshOnlineGauge recomputes the online-agents gauge from the cache.
func (r *Registry) refreshOnlineGauge() {
	if r.opts.Metrics == nil {
		return
	}
	r.mu.RLock()
	n := 0
	for _, reg := range r.agents {
		if reg.Status != core.AgentOffline && reg.Status != core.AgentError {
			n++
		}
	}
	r.mu.RUnlock()
	r.opts.Metrics.SetAgentsOnline(n)
}

func (r *Registry) persist(ctx context.Context, reg *core.AgentRegistration) error {
	if r.opts.Store == nil {
		return nil
	}
	value, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration %s: %w", reg.ID, err)
	}
	if _, err := r.opts.Store.Put(ctx, core.AgentKey(reg.ID), value, 0); err != nil {
		return fmt.Errorf("failed to persist registration %s: %w", reg.ID, err)
	}
	return nil
}

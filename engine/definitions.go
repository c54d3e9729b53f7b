package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// ErrDefinitionExists is returned when registering an (id, version) pair that
// is already present. Definitions are immutable; ship changes as a new
// version.
var ErrDefinitionExists = errors.New("definition version already registered")

// Definitions is the versioned registry of workflow definitions. Records are
// persisted to the state store and cached in memory; the cache is
// rebuildable after a restart.
type Definitions struct {
	store  core.StateStore
	logger logging.Logger

	mu     sync.RWMutex
	byID   map[string]map[int]*core.WorkflowDefinition
	latest map[string]int
}

// NewDefinitions constructs an empty definition registry.
func NewDefinitions(store core.StateStore, logger logging.Logger) *Definitions {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Definitions{
		store:  store,
		logger: logger,
		byID:   make(map[string]map[int]*core.WorkflowDefinition),
		latest: make(map[string]int),
	}
}

// Register validates and stores a definition version. Registering an existing
// (id, version) pair fails with ErrDefinitionExists.
func (r *Definitions) Register(ctx context.Context, def *core.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[def.ID][def.Version]; ok {
		return fmt.Errorf("%w: %s v%d", ErrDefinitionExists, def.ID, def.Version)
	}

	if r.store != nil {
		value, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition %s v%d: %w", def.ID, def.Version, err)
		}
		// Create-if-absent guards against a concurrent node registering the
		// same version.
		if _, err := r.store.CompareAndSwap(ctx, core.DefinitionKey(def.ID, def.Version), 0, value); err != nil {
			if errors.Is(err, core.ErrVersionMismatch) {
				return fmt.Errorf("%w: %s v%d", ErrDefinitionExists, def.ID, def.Version)
			}
			return err
		}
	}

	r.cacheLocked(def)
	r.logger.Info("definitions: registered %s v%d (%d steps)", def.ID, def.Version, len(def.Steps))
	return nil
}

// Resolve returns the definition for the given id and version. Version 0
// resolves to the latest registered version.
func (r *Definitions) Resolve(id string, version int) (*core.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("definition %q: %w", id, core.ErrNotFound)
	}
	if version == 0 {
		version = r.latest[id]
	}
	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("definition %q v%d: %w", id, version, core.ErrNotFound)
	}
	return def, nil
}

// List returns the latest version of every registered definition, ordered by
// id.
func (r *Definitions) List() []*core.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.WorkflowDefinition, 0, len(r.latest))
	for id, v := range r.latest {
		out = append(out, r.byID[id][v])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rebuild reloads the cache from the state store. Requires a store
// implementing core.Lister.
func (r *Definitions) Rebuild(ctx context.Context) error {
	lister, ok := r.store.(core.Lister)
	if !ok {
		return fmt.Errorf("definitions: store does not support listing")
	}
	records, err := lister.List(ctx, "definition/")
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]map[int]*core.WorkflowDefinition)
	r.latest = make(map[string]int)
	for _, rec := range records {
		var def core.WorkflowDefinition
		if err := json.Unmarshal(rec.Value, &def); err != nil {
			r.logger.Warn("definitions: skipping corrupt record %s: %v", rec.Key, err)
			continue
		}
		r.cacheLocked(&def)
	}
	r.logger.Info("definitions: rebuilt cache with %d definitions", len(r.byID))
	return nil
}

func (r *Definitions) cacheLocked(def *core.WorkflowDefinition) {
	versions, ok := r.byID[def.ID]
	if !ok {
		versions = make(map[int]*core.WorkflowDefinition)
		r.byID[def.ID] = versions
	}
	versions[def.Version] = def
	if def.Version > r.latest[def.ID] {
		r.latest[def.ID] = def.Version
	}
}

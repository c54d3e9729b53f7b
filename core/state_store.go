package core

import (
	"context"
	"strconv"
	"time"
)

// State store key layout: one record per workflow instance, agent task,
// agent registration and workflow definition, each versioned for CAS.
const (
	instanceKeyPrefix   = "instance/"
	taskKeyPrefix       = "task/"
	agentKeyPrefix      = "agent/"
	definitionKeyPrefix = "definition/"
)

// InstanceKey returns the state store key for a workflow instance record.
func InstanceKey(instanceID string) string { return instanceKeyPrefix + instanceID }

// TaskKey returns the state store key for an agent task record.
func TaskKey(taskID string) string { return taskKeyPrefix + taskID }

// AgentKey returns the state store key for an agent registration record.
func AgentKey(agentID string) string { return agentKeyPrefix + agentID }

// DefinitionKey returns the state store key for a definition version record.
func DefinitionKey(definitionID string, version int) string {
	return definitionKeyPrefix + definitionID + "/" + strconv.Itoa(version)
}

// Record is a versioned value held by a StateStore. Version increases on
// every successful write and is the CAS token for optimistic concurrency.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// StateStore is the durable key-value contract backing all workflow, task
// and registration records. It is the only mutable shared resource in the
// system; component caches are eventually-consistent views rebuildable from
// it.
//
// Every state transition must go through CompareAndSwap to guarantee no lost
// updates under concurrent access. A failed CAS returns ErrVersionMismatch:
// the caller must re-read and retry the transition, never blindly overwrite.
type StateStore interface {
	// Get returns the record and whether it exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Put writes the value unconditionally, returning the new version. A
	// ttl > 0 expires the record after the duration.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)

	// CompareAndSwap writes the value only when the current version equals
	// expectedVersion, returning the new version. expectedVersion 0 means
	// create-if-absent. Returns ErrVersionMismatch on concurrent
	// modification.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error)

	// Delete removes the record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Lister is an optional StateStore extension used by components rebuilding
// their in-memory caches after a restart.
type Lister interface {
	// List returns all live records whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]Record, error)
}

package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	// InstancePending means the instance is created but no step has been
	// dispatched yet.
	InstancePending InstanceStatus = "pending"
	// InstanceRunning means at least one step has been dispatched.
	InstanceRunning InstanceStatus = "running"
	// InstancePaused means evaluation is suspended by an explicit request.
	InstancePaused InstanceStatus = "paused"
	// InstanceCompleted is terminal: every required step succeeded.
	InstanceCompleted InstanceStatus = "completed"
	// InstanceFailed means a step failed unrecoverably. A manual retry may
	// move the instance back to running.
	InstanceFailed InstanceStatus = "failed"
	// InstanceCancelled is terminal: the instance was cancelled explicitly.
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no outgoing transition exists from the status.
// Failed is not terminal because a manual retry may restart the workflow.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled
}

// instanceTransitions holds the allowed status edges. No instance may
// re-enter Completed or Cancelled.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstancePending: {InstanceRunning, InstanceCancelled},
	InstanceRunning: {InstanceCompleted, InstanceFailed, InstancePaused, InstanceCancelled},
	InstancePaused:  {InstanceRunning, InstanceCancelled},
	InstanceFailed:  {InstanceRunning},
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to InstanceStatus) bool {
	for _, next := range instanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkflowInstance is one running execution of a definition. Instances are
// mutated only by the workflow engine through compare-and-swap state
// transitions and retained after completion for audit until purged.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	// Owner identifies the submitting user or session.
	Owner string `json:"owner,omitempty"`
	// Context is the shared key-value bag accumulated across steps. Keys
	// written by a step are visible to all subsequently evaluated steps;
	// collisions are last-write-wins.
	Context map[string]any `json:"context"`
	// Active maps step id -> in-flight task id, enforcing at most one
	// in-flight task per step. Serialized even when empty so the maps stay
	// writable after a store round trip.
	Active map[string]string `json:"active"`
	// Attempts counts failed attempts per step id.
	Attempts map[string]int `json:"attempts"`
	// Applied records task results already merged, keyed by
	// "taskID#attempt", making result application idempotent under
	// at-least-once delivery.
	Applied map[string]bool `json:"applied"`
	// Compensating names the failed step whose compensation task is in
	// flight, empty otherwise.
	Compensating string `json:"compensating,omitempty"`

	CompletedSteps []string `json:"completed_steps,omitempty"`
	FailedSteps    []string `json:"failed_steps,omitempty"`

	Error *InstanceError `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// InstanceError describes the failing step when an instance ends Failed.
type InstanceError struct {
	StepID   string   `json:"step_id"`
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Attempts int      `json:"attempts"`
}

// NewInstance creates a pending instance for the given definition with the
// submitted input merged into its context.
func NewInstance(def *WorkflowDefinition, input map[string]any, owner string) *WorkflowInstance {
	ctx := make(map[string]any, len(input))
	for k, v := range input {
		ctx[k] = v
	}
	return &WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            InstancePending,
		Owner:             owner,
		Context:           ctx,
		Active:            map[string]string{},
		Attempts:          map[string]int{},
		Applied:           map[string]bool{},
		CreatedAt:         time.Now().UTC(),
	}
}

// Transition moves the instance to the target status, enforcing the allowed
// edges. Timestamps are maintained as a side effect.
func (w *WorkflowInstance) Transition(to InstanceStatus) error {
	if !CanTransition(w.Status, to) {
		return fmt.Errorf("invalid instance transition %s -> %s", w.Status, to)
	}
	now := time.Now().UTC()
	switch to {
	case InstanceRunning:
		if w.StartedAt == nil {
			w.StartedAt = &now
		}
		// A manual retry re-enters Running from Failed.
		w.FinishedAt = nil
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		w.FinishedAt = &now
	}
	w.Status = to
	return nil
}

// MergeContext applies a step output to the shared context, last write wins.
func (w *WorkflowInstance) MergeContext(delta map[string]any) {
	if w.Context == nil {
		w.Context = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		w.Context[k] = v
	}
}

// StepCompleted reports whether the step already finished successfully.
func (w *WorkflowInstance) StepCompleted(stepID string) bool {
	return containsString(w.CompletedSteps, stepID)
}

// StepFailed reports whether the step failed permanently.
func (w *WorkflowInstance) StepFailed(stepID string) bool {
	return containsString(w.FailedSteps, stepID)
}

// MarkCompleted records a successful step, clearing any in-flight marker.
func (w *WorkflowInstance) MarkCompleted(stepID string) {
	if !w.StepCompleted(stepID) {
		w.CompletedSteps = append(w.CompletedSteps, stepID)
	}
	delete(w.Active, stepID)
}

// MarkFailed records a permanently failed step, clearing any in-flight marker.
func (w *WorkflowInstance) MarkFailed(stepID string) {
	if !w.StepFailed(stepID) {
		w.FailedSteps = append(w.FailedSteps, stepID)
	}
	delete(w.Active, stepID)
}

// ResultKey builds the idempotency key for a (task, attempt) pair.
func ResultKey(taskID string, attempt int) string {
	return fmt.Sprintf("%s#%d", taskID, attempt)
}

// Clone returns a deep copy of the instance safe for independent mutation.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	clone := *w
	clone.Context = make(map[string]any, len(w.Context))
	for k, v := range w.Context {
		clone.Context[k] = v
	}
	clone.Active = make(map[string]string, len(w.Active))
	for k, v := range w.Active {
		clone.Active[k] = v
	}
	clone.Attempts = make(map[string]int, len(w.Attempts))
	for k, v := range w.Attempts {
		clone.Attempts[k] = v
	}
	clone.Applied = make(map[string]bool, len(w.Applied))
	for k, v := range w.Applied {
		clone.Applied[k] = v
	}
	clone.CompletedSteps = append([]string(nil), w.CompletedSteps...)
	clone.FailedSteps = append([]string(nil), w.FailedSteps...)
	if w.Error != nil {
		errCopy := *w.Error
		clone.Error = &errCopy
	}
	return &clone
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

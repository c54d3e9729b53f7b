package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of an agent task.
type TaskStatus string

const (
	// TaskPending means the task is created but not yet assigned.
	TaskPending TaskStatus = "pending"
	// TaskAssigned means an agent has been selected and notified.
	TaskAssigned TaskStatus = "assigned"
	// TaskInProgress means the agent pulled the task and is working on it.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted means the agent reported a successful result.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the agent reported a failure.
	TaskFailed TaskStatus = "failed"
	// TaskTimedOut means the attempt exceeded its allotted time.
	TaskTimedOut TaskStatus = "timed_out"
	// TaskCancelled means the owning instance was cancelled while the task
	// was in flight.
	TaskCancelled TaskStatus = "cancelled"
)

// AgentTask is one unit of work dispatched to an agent: the trackable
// execution attempt of a single step. Every task belongs to exactly one
// workflow instance and one step.
type AgentTask struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Capability string `json:"capability"`
	// Input is the payload derived from the instance context at dispatch
	// time.
	Input    map[string]any `json:"input,omitempty"`
	Priority int            `json:"priority,omitempty"`
	// Timeout bounds this attempt; the engine injects a synthetic timeout
	// failure when it elapses.
	Timeout time.Duration `json:"timeout,omitempty"`
	Status  TaskStatus    `json:"status"`
	AgentID string        `json:"agent_id,omitempty"`
	// Attempt is 1-based and increments per retry of the same step.
	Attempt int `json:"attempt"`

	Output map[string]any `json:"output,omitempty"`
	Error  *TaskError     `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTask creates a pending task for one step execution attempt.
func NewTask(instanceID string, step Step, input map[string]any, timeout time.Duration, attempt int) *AgentTask {
	if attempt < 1 {
		attempt = 1
	}
	return &AgentTask{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		StepID:     step.ID,
		Capability: step.Capability,
		Input:      input,
		Priority:   step.Priority,
		Timeout:    timeout,
		Status:     TaskPending,
		Attempt:    attempt,
		CreatedAt:  time.Now().UTC(),
	}
}

// Assign marks the task assigned to the given agent.
func (t *AgentTask) Assign(agentID string) {
	now := time.Now().UTC()
	t.AgentID = agentID
	t.Status = TaskAssigned
	t.AssignedAt = &now
}

// Finish records the terminal status with an optional output or error.
func (t *AgentTask) Finish(status TaskStatus, output map[string]any, taskErr *TaskError) {
	now := time.Now().UTC()
	t.Status = status
	t.Output = output
	t.Error = taskErr
	t.FinishedAt = &now
}

package core

import (
	"time"

	"github.com/google/uuid"
)

// Well-known bus topics.
const (
	// TopicTaskResults carries task result and failure events consumed by
	// the workflow engine. Events are keyed by instance id so one
	// instance's results are processed in publish order.
	TopicTaskResults = "task.results"
	// TopicAgentEvents carries agent heartbeats for observers.
	TopicAgentEvents = "agent.events"
)

// DeadLetterTopic returns the dead-letter topic paired with a topic. Events
// that exceed the redelivery ceiling are moved there for manual inspection.
func DeadLetterTopic(topic string) string { return topic + ".dlq" }

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	// EventTaskResult reports a successful task attempt.
	EventTaskResult EventType = "task.result"
	// EventTaskFailed reports a failed or timed-out task attempt. Synthetic
	// timeout events use this type too and are indistinguishable in
	// handling from agent-reported failures.
	EventTaskFailed EventType = "task.failed"
	// EventHeartbeat reports agent liveness.
	EventHeartbeat EventType = "agent.heartbeat"
)

// TaskResult is the payload of task lifecycle events. Consumers must be
// idempotent on (TaskID, Attempt) to tolerate duplicate delivery.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
	AgentID    string         `json:"agent_id,omitempty"`
	Attempt    int            `json:"attempt"`
	Status     TaskStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *TaskError     `json:"error,omitempty"`
}

// Heartbeat is the payload of agent liveness events.
type Heartbeat struct {
	AgentID      string `json:"agent_id"`
	CurrentTasks int    `json:"current_tasks"`
}

// Event is the unit of communication on the bus. After publication it should
// be treated as immutable. Key selects the ordering partition: events sharing
// a key are delivered FIFO per consumer group.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	Key       string     `json:"key"`
	Timestamp time.Time  `json:"timestamp"`
	Result    *TaskResult `json:"result,omitempty"`
	Heartbeat *Heartbeat  `json:"heartbeat,omitempty"`
}

// NewTaskResultEvent builds a success event for a task attempt, keyed by the
// owning instance.
func NewTaskResultEvent(task *AgentTask, output map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventTaskResult,
		Key:       task.InstanceID,
		Timestamp: time.Now().UTC(),
		Result: &TaskResult{
			TaskID:     task.ID,
			InstanceID: task.InstanceID,
			StepID:     task.StepID,
			AgentID:    task.AgentID,
			Attempt:    task.Attempt,
			Status:     TaskCompleted,
			Output:     output,
		},
	}
}

// NewTaskFailureEvent builds a failure event for a task attempt. Timeouts use
// status TaskTimedOut with a CategoryTimeout error.
func NewTaskFailureEvent(task *AgentTask, status TaskStatus, taskErr *TaskError) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventTaskFailed,
		Key:       task.InstanceID,
		Timestamp: time.Now().UTC(),
		Result: &TaskResult{
			TaskID:     task.ID,
			InstanceID: task.InstanceID,
			StepID:     task.StepID,
			AgentID:    task.AgentID,
			Attempt:    task.Attempt,
			Status:     status,
			Error:      taskErr,
		},
	}
}

// NewHeartbeatEvent builds a liveness event keyed by agent id.
func NewHeartbeatEvent(agentID string, currentTasks int) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventHeartbeat,
		Key:       agentID,
		Timestamp: time.Now().UTC(),
		Heartbeat: &Heartbeat{AgentID: agentID, CurrentTasks: currentTasks},
	}
}

package core

import "time"

// AgentStatus represents the health state of a registered agent worker.
type AgentStatus string

const (
	// AgentOnline means the agent heartbeats within the liveness window and
	// has spare capacity.
	AgentOnline AgentStatus = "online"
	// AgentBusy means the agent is alive but at its concurrency cap.
	AgentBusy AgentStatus = "busy"
	// AgentOffline means the agent missed the configured number of
	// heartbeat intervals and is excluded from dispatch.
	AgentOffline AgentStatus = "offline"
	// AgentError means the agent reported an unrecoverable local fault.
	AgentError AgentStatus = "error"
)

// AgentRegistration tracks a live agent worker: its declared capabilities,
// health and current load. Registrations are created on the registration
// call, updated on every heartbeat and task completion, and removed after
// the missed-heartbeat threshold.
type AgentRegistration struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	MaxConcurrent int         `json:"max_concurrent"`
	// CurrentTasks never exceeds MaxConcurrent; the dispatcher enforces the
	// cap before assignment.
	CurrentTasks  int       `json:"current_tasks"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// HasCapability reports whether the agent declared the given capability.
func (r *AgentRegistration) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Available reports whether the agent may accept another task.
func (r *AgentRegistration) Available() bool {
	return (r.Status == AgentOnline || r.Status == AgentBusy) && r.CurrentTasks < r.MaxConcurrent
}

// Clone returns a copy safe for independent mutation.
func (r *AgentRegistration) Clone() *AgentRegistration {
	clone := *r
	clone.Capabilities = append([]string(nil), r.Capabilities...)
	return &clone
}

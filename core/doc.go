// Package core provides the foundational domain types, contracts and policies
// used by TaskMesh. It defines the core abstractions for:
//
//   - Workflow definitions (immutable step templates with policies)
//   - Workflow instances (running executions with a shared context bag)
//   - Agent tasks (dispatched, trackable units of work)
//   - Agent registrations (live workers with capabilities and load)
//   - Events (immutable task-result / heartbeat records for the bus)
//   - Pluggable contracts for versioned state storage and pub/sub delivery
//
// The package intentionally keeps implementation concerns (persistence, engine
// orchestration, dispatching) out of scope, exposing small interfaces to
// enable custom backends and extensions.
package core

// Package worker provides an in-process agent worker: it registers its
// capabilities, heartbeats, polls the dispatcher for assigned tasks, runs
// the matching handler, and publishes the outcome on the event bus. Remote
// agents speaking the HTTP boundary follow the same register/poll/report
// cycle; this package is the reference implementation for agents living in
// the same process as the engine.
package worker

// Package engine drives workflow instances through their lifecycle.
//
// The engine is the only writer of workflow instance records. Every mutation
// is a compare-and-swap transition against the state store: consume a task
// outcome from the event bus, merge it into the instance, dispatch whatever
// became runnable, and finish the instance once nothing is left to run.
// Outcome events are keyed by instance id, so one instance's results are
// applied in publish order while independent instances progress concurrently.
//
// Result application is idempotent on (task id, attempt): duplicate
// deliveries and late results of superseded attempts are acknowledged and
// discarded without touching the instance.
package engine

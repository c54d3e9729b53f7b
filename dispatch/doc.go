// Package dispatch matches pending tasks to capable, available agents.
//
// Selection prefers the least-loaded eligible agent, breaking ties by the
// most recent heartbeat so the freshest worker wins. Tasks with no eligible
// agent wait in a bounded queue; overflow surfaces a capacity failure the
// engine retries under the step's policy. Sustained transient or capacity
// failures for a capability trip a circuit breaker that fails dispatches
// fast for a cool-down window instead of queuing indefinitely.
package dispatch

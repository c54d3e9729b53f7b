// Package registry tracks known agent workers, their declared capabilities,
// health and current load.
//
// The in-memory view is an eventually-consistent cache: every mutation
// writes through to the state store, and Rebuild restores the cache from the
// store after a restart. Agents missing the configured number of heartbeat
// intervals are marked offline and excluded from dispatch candidates.
package registry

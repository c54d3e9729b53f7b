// Package metrics exposes Prometheus instrumentation for the engine,
// dispatcher, and event bus.
package metrics

// Package store provides state store implementations backing all workflow,
// task and registration records.
//
// The in-memory store is safe for concurrent access and suited for tests and
// single-process deployments. The etcd subpackage provides a durable backend
// mapping record versions to etcd mod revisions for distributed deployments.
package store

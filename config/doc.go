// Package config loads node configuration from a YAML file and the
// environment. Environment variables use the TASKMESH_ prefix with
// underscores for nesting, e.g. TASKMESH_SERVER_ADDR.
package config

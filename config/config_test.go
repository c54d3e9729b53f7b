package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Bus.RedeliveryLimit)
	assert.Equal(t, 10*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 256, cfg.Dispatch.QueueSize)
	assert.Equal(t, "engine", cfg.Engine.Group)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
logging:
  level: debug
store:
  backend: etcd
  etcd:
    endpoints: ["etcd-1:2379", "etcd-2:2379"]
dispatch:
  breaker:
    failure_threshold: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "etcd", cfg.Store.Backend)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Store.Etcd.Endpoints)
	assert.Equal(t, 10, cfg.Dispatch.Breaker.FailureThreshold)
	// Untouched settings keep their defaults.
	assert.Equal(t, 5, cfg.Bus.RedeliveryLimit)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TASKMESH_SERVER_ADDR", ":7070")
	t.Setenv("TASKMESH_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("TASKMESH_STORE_BACKEND", "postgres")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load("/nonexistent/taskmesh.yaml")
	assert.Error(t, err)
}

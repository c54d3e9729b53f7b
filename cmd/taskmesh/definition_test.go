package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func writeDefinition(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefinitionFile(t *testing.T) {
	path := writeDefinition(t, "etl.yaml", `
id: etl
version: 2
timeout: 1h
default_step_timeout: 5m
default_retry:
  max_attempts: 4
  base_delay: 2s
  multiplier: 2
  max_delay: 1m
  jitter: true
on_error:
  on_failure: compensate
  compensation_step: rollback
steps:
  - id: extract
    capability: extract
  - id: transform
    capability: transform
    depends_on: [extract]
    timeout: 30s
    retry:
      max_attempts: 1
      base_delay: 1s
  - id: load
    capability: load
    depends_on: [transform]
    guards:
      - key: rows
        op: exists
  - id: rollback
    capability: rollback
`)

	def, err := loadDefinitionFile(path)
	require.NoError(t, err)

	assert.Equal(t, "etl", def.ID)
	assert.Equal(t, 2, def.Version)
	assert.Equal(t, time.Hour, def.Timeout)
	assert.Equal(t, 5*time.Minute, def.DefaultStepTimeout)
	assert.Equal(t, 4, def.DefaultRetry.MaxAttempts)
	assert.Equal(t, 2*time.Second, def.DefaultRetry.BaseDelay)
	assert.Equal(t, core.FailureCompensate, def.OnError.OnFailure)
	assert.Equal(t, "rollback", def.OnError.CompensationStep)
	require.Len(t, def.Steps, 4)

	transform, ok := def.Step("transform")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, transform.Timeout)
	require.NotNil(t, transform.Retry)
	assert.Equal(t, 1, transform.Retry.MaxAttempts)

	load, ok := def.Step("load")
	require.True(t, ok)
	require.Len(t, load.Guards, 1)
	assert.Equal(t, core.GuardExists, load.Guards[0].Op)
}

func TestLoadDefinitionFile_DefaultsRetryWhenOmitted(t *testing.T) {
	path := writeDefinition(t, "min.yaml", `
id: minimal
version: 1
steps:
  - id: only
    capability: work
`)
	def, err := loadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultRetryPolicy, def.DefaultRetry)
	assert.Equal(t, time.Duration(0), def.Timeout)
}

func TestLoadDefinitionFile_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "id: x\nversion: 1\ntimeout: soon\nsteps:\n  - id: a\n    capability: a\n"},
		{"unknown failure action", "id: x\nversion: 1\non_error:\n  on_failure: explode\nsteps:\n  - id: a\n    capability: a\n"},
		{"dangling dependency", "id: x\nversion: 1\nsteps:\n  - id: a\n    capability: a\n    depends_on: [ghost]\n"},
		{"no steps", "id: x\nversion: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadDefinitionFile(writeDefinition(t, "bad.yaml", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []struct{ name, id string }{
		{"b.yaml", "beta"},
		{"a.yaml", "alpha"},
	} {
		body := "id: " + f.id + "\nversion: 1\nsteps:\n  - id: s\n    capability: c\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, f.name), []byte(body), 0o600))
	}
	// Non-definition files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o600))

	defs, err := loadDefinitionDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].ID)
	assert.Equal(t, "beta", defs[1].ID)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_PutGet(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	version, err := s.Put(ctx, "instance/a", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	rec, ok, err := s.Get(ctx, "instance/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), rec.Value)
	assert.Equal(t, int64(1), rec.Version)

	version, err = s.Put(ctx, "instance/a", []byte("v2"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestInMemoryStore_GetMissing(t *testing.T) {
	s := NewInMemoryStore()

	_, ok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryStore_CompareAndSwap(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	// Create-if-absent with expected version 0.
	version, err := s.CompareAndSwap(ctx, "task/t1", 0, []byte("created"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// CAS with the right version succeeds and bumps the version.
	version, err = s.CompareAndSwap(ctx, "task/t1", 1, []byte("updated"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// Stale version signals a concurrent modification.
	_, err = s.CompareAndSwap(ctx, "task/t1", 1, []byte("stale"))
	assert.ErrorIs(t, err, core.ErrVersionMismatch)

	// The stale writer must re-read and retry, never overwrite.
	rec, ok, err := s.Get(ctx, "task/t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), rec.Value)
}

func TestInMemoryStore_CreateIfAbsentFailsWhenPresent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "agent/a1", []byte("x"), 0)
	require.NoError(t, err)

	_, err = s.CompareAndSwap(ctx, "agent/a1", 0, []byte("y"))
	assert.ErrorIs(t, err, core.ErrVersionMismatch)
}

func TestInMemoryStore_TTL(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Put(ctx, "instance/short", []byte("v"), time.Minute)
	require.NoError(t, err)
	_, err = s.Put(ctx, "instance/forever", []byte("v"), 0)
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "instance/short")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)

	_, ok, err = s.Get(ctx, "instance/short")
	require.NoError(t, err)
	assert.False(t, ok, "expired record should be invisible")

	_, ok, err = s.Get(ctx, "instance/forever")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, s.Sweep())
}

func TestInMemoryStore_Delete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "task/t1", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "task/t1"))

	_, ok, err := s.Get(ctx, "task/t1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete(ctx, "task/t1"))
}

func TestInMemoryStore_List(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"agent/a1", "agent/a2", "task/t1"} {
		_, err := s.Put(ctx, key, []byte(key), 0)
		require.NoError(t, err)
	}

	records, err := s.List(ctx, "agent/")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

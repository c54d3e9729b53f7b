package registry

import (
	"context"
	"testing"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndFindCapable(t *testing.T) {
	r := New(func(o *Options) { o.Store = store.NewInMemoryStore() })
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"nlp", "vision"}, 2))
	require.NoError(t, r.Register(ctx, "a2", []string{"nlp"}, 1))

	capable := r.FindCapable("nlp")
	assert.Len(t, capable, 2)

	capable = r.FindCapable("vision")
	require.Len(t, capable, 1)
	assert.Equal(t, "a1", capable[0].ID)

	assert.Empty(t, r.FindCapable("unknown"))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := New()
	ctx := context.Background()

	assert.Error(t, r.Register(ctx, "", []string{"x"}, 1))
	assert.Error(t, r.Register(ctx, "a", nil, 1))
	assert.Error(t, r.Register(ctx, "a", []string{"x"}, 0))
}

func TestRegistry_ReserveEnforcesCap(t *testing.T) {
	r := New(func(o *Options) { o.Store = store.NewInMemoryStore() })
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"x"}, 2))

	require.NoError(t, r.Reserve(ctx, "a1"))
	require.NoError(t, r.Reserve(ctx, "a1"))

	// The count never exceeds the concurrency cap.
	err := r.Reserve(ctx, "a1")
	assert.Error(t, err)

	reg, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 2, reg.CurrentTasks)
	assert.Equal(t, core.AgentBusy, reg.Status)

	r.Release(ctx, "a1")
	reg, _ = r.Get("a1")
	assert.Equal(t, 1, reg.CurrentTasks)
	assert.Equal(t, core.AgentOnline, reg.Status)
	assert.NoError(t, r.Reserve(ctx, "a1"))
}

func TestRegistry_ReleaseClampedAtZero(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"x"}, 1))
	r.Release(ctx, "a1")

	reg, _ := r.Get("a1")
	assert.Equal(t, 0, reg.CurrentTasks)
}

func TestRegistry_ReapMarksOfflineAndNotifies(t *testing.T) {
	now := time.Now()
	var offlined []string
	r := New(func(o *Options) {
		o.Store = store.NewInMemoryStore()
		o.HeartbeatInterval = time.Second
		o.MissThreshold = 3
		o.Clock = func() time.Time { return now }
		o.OnOffline = func(id string) { offlined = append(offlined, id) }
	})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"x"}, 1))

	// Within the liveness window nothing happens.
	now = now.Add(2 * time.Second)
	assert.Empty(t, r.Reap(ctx))

	// Past the threshold the agent goes offline and leaves the candidate set.
	now = now.Add(2 * time.Second)
	assert.Equal(t, []string{"a1"}, r.Reap(ctx))
	assert.Equal(t, []string{"a1"}, offlined)
	assert.Empty(t, r.FindCapable("x"))

	// A fresh heartbeat brings it back.
	require.NoError(t, r.Heartbeat(ctx, "a1"))
	assert.Len(t, r.FindCapable("x"), 1)
}

func TestRegistry_ReapRemovesStaleRegistrations(t *testing.T) {
	now := time.Now()
	r := New(func(o *Options) {
		o.Store = store.NewInMemoryStore()
		o.HeartbeatInterval = time.Second
		o.MissThreshold = 1
		o.OfflineGrace = 5 * time.Second
		o.Clock = func() time.Time { return now }
	})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"x"}, 1))

	now = now.Add(2 * time.Second)
	r.Reap(ctx) // offline

	now = now.Add(10 * time.Second)
	r.Reap(ctx) // removed

	_, ok := r.Get("a1")
	assert.False(t, ok)
}

func TestRegistry_OnlineGaugeTracksLiveness(t *testing.T) {
	now := time.Now()
	m := metrics.New()
	r := New(func(o *Options) {
		o.Store = store.NewInMemoryStore()
		o.Metrics = m
		o.HeartbeatInterval = time.Second
		o.MissThreshold = 1
		o.Clock = func() time.Time { return now }
	})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"x"}, 1))
	require.NoError(t, r.Register(ctx, "a2", []string{"x"}, 1))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentsOnline))

	// a1 misses its beats while a2 stays fresh.
	now = now.Add(5 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "a2"))
	r.Reap(ctx)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentsOnline))

	// Beating again brings a1 back.
	require.NoError(t, r.Heartbeat(ctx, "a1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentsOnline))

	require.NoError(t, r.Deregister(ctx, "a2"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentsOnline))
}

func TestRegistry_HeartbeatUnknownAgent(t *testing.T) {
	r := New()
	assert.Error(t, r.Heartbeat(context.Background(), "ghost"))
}

func TestRegistry_Rebuild(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	first := New(func(o *Options) { o.Store = s })
	require.NoError(t, first.Register(ctx, "a1", []string{"x"}, 2))
	require.NoError(t, first.Register(ctx, "a2", []string{"y"}, 1))

	// A fresh registry instance restores the cache from the store.
	second := New(func(o *Options) { o.Store = s })
	require.NoError(t, second.Rebuild(ctx))

	assert.Len(t, second.FindCapable("x"), 1)
	assert.Len(t, second.FindCapable("y"), 1)
}

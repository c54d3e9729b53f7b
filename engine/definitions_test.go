package engine

import (
	"context"
	"testing"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defV(id string, version int) *core.WorkflowDefinition {
	return testutil.NewDefinitionBuilder(id).Version(version).Step("s1", "noop").Build()
}

func TestDefinitions_RegisterAndResolve(t *testing.T) {
	r := NewDefinitions(store.NewInMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, defV("wf", 1)))
	require.NoError(t, r.Register(ctx, defV("wf", 2)))

	latest, err := r.Resolve("wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := r.Resolve("wf", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.Version)

	_, err = r.Resolve("wf", 9)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = r.Resolve("other", 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDefinitions_VersionsAreImmutable(t *testing.T) {
	r := NewDefinitions(store.NewInMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, defV("wf", 1)))
	err := r.Register(ctx, defV("wf", 1))
	assert.ErrorIs(t, err, ErrDefinitionExists)
}

func TestDefinitions_RejectsInvalidDefinition(t *testing.T) {
	r := NewDefinitions(store.NewInMemoryStore(), nil)
	ctx := context.Background()

	cyclic := &core.WorkflowDefinition{
		ID:      "cyclic",
		Version: 1,
		Steps: []core.Step{
			{ID: "a", Capability: "x", DependsOn: []string{"b"}},
			{ID: "b", Capability: "x", DependsOn: []string{"a"}},
		},
	}
	assert.Error(t, r.Register(ctx, cyclic))

	dangling := &core.WorkflowDefinition{
		ID:      "dangling",
		Version: 1,
		Steps:   []core.Step{{ID: "a", Capability: "x", DependsOn: []string{"ghost"}}},
	}
	assert.Error(t, r.Register(ctx, dangling))
}

func TestDefinitions_RebuildFromStore(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	first := NewDefinitions(s, nil)
	require.NoError(t, first.Register(ctx, defV("wf", 1)))
	require.NoError(t, first.Register(ctx, defV("wf", 2)))
	require.NoError(t, first.Register(ctx, defV("other", 1)))

	// A fresh registry over the same store recovers the full catalog.
	second := NewDefinitions(s, nil)
	require.NoError(t, second.Rebuild(ctx))

	latest, err := second.Resolve("wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, second.List(), 2)
}

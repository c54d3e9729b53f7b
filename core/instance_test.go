package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_BookkeepingSurvivesRoundTrip(t *testing.T) {
	def := &WorkflowDefinition{
		ID:      "etl",
		Version: 1,
		Steps:   []Step{{ID: "extract", Capability: "extract"}},
	}
	inst := NewInstance(def, map[string]any{"source": "s3://in"}, "tester")

	data, err := json.Marshal(inst)
	require.NoError(t, err)

	var got WorkflowInstance
	require.NoError(t, json.Unmarshal(data, &got))

	// A freshly stored instance comes back with writable bookkeeping maps;
	// the first dispatch writes into them directly.
	require.NotNil(t, got.Active)
	require.NotNil(t, got.Attempts)
	require.NotNil(t, got.Applied)
	got.Active["extract"] = "t1"
	got.Attempts["extract"] = 1
	got.Applied[ResultKey("t1", 1)] = true

	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "s3://in", got.Context["source"])
}

func TestInstance_Transitions(t *testing.T) {
	inst := NewInstance(&WorkflowDefinition{ID: "d", Version: 1, Steps: []Step{{ID: "s", Capability: "c"}}}, nil, "")

	require.NoError(t, inst.Transition(InstanceRunning))
	require.NotNil(t, inst.StartedAt)

	require.NoError(t, inst.Transition(InstancePaused))
	assert.Error(t, inst.Transition(InstanceFailed), "paused instances fail only via running")
	require.NoError(t, inst.Transition(InstanceRunning))
	require.NoError(t, inst.Transition(InstanceCompleted))
	require.NotNil(t, inst.FinishedAt)

	assert.True(t, inst.Status.Terminal())
	assert.Error(t, inst.Transition(InstanceRunning))
}

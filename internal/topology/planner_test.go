package topology_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The reference scenarios assume 4096 chunks per cluster.
const scenarioChunks = 4096

func scenarioTopology(t *testing.T, n int) *topology.ClusterTopology {
	t.Helper()
	topo, err := topology.NewClusterTopologyWithChunks(n, scenarioChunks, 0)
	require.NoError(t, err)
	return topo
}

func TestScaleOut_OneToTwo(t *testing.T) {
	plan, err := topology.CreateScaleOutPlan(scenarioTopology(t, 1), 1, 1)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, topology.PlanKindScaleOut, plan.Kind)
	assert.Equal(t, 2048, plan.MovedInto(2))
	assert.Equal(t, 2048, plan.MovedOutOf(1))
	assert.Equal(t, 2, plan.New.NumberOfInstances())
	assert.Equal(t, uint16(1), plan.New.Generation())
}

func TestScaleOut_TwoToThree(t *testing.T) {
	plan, err := topology.CreateScaleOutPlan(scenarioTopology(t, 2), 1, 1)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, 682, int(plan.ChunksMoved(1, 3).GetCardinality()))
	assert.Equal(t, 683, int(plan.ChunksMoved(2, 3).GetCardinality()))
	assert.Equal(t, 1365, plan.MovedInto(3))
	assert.Equal(t, 1366, plan.New.ChunkCountOf(1))
	assert.Equal(t, 1365, plan.New.ChunkCountOf(2))

	// partition 1 owns [0, 2048) and gives away its highest indices
	fromFirst := plan.ChunksMoved(1, 3)
	assert.Equal(t, uint32(1366), fromFirst.Minimum())
	assert.Equal(t, uint32(2047), fromFirst.Maximum())
}

func TestScaleOut_TwoToFour(t *testing.T) {
	plan, err := topology.CreateScaleOutPlan(scenarioTopology(t, 2), 2, 1)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, 1024, plan.MovedInto(3))
	assert.Equal(t, 1024, plan.MovedInto(4))
	assert.Equal(t, 1024, plan.MovedOutOf(1))
	assert.Equal(t, 1024, plan.MovedOutOf(2))
	for pid := 1; pid <= 4; pid++ {
		assert.Equal(t, 1024, plan.New.ChunkCountOf(pid))
	}
}

func TestScaleOut_DefaultChunkCount(t *testing.T) {
	current, err := topology.NewClusterTopology(2)
	require.NoError(t, err)

	plan, err := topology.CreateScaleOutPlan(current, 1, 1)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, 341, plan.MovedOutOf(1))
	assert.Equal(t, 341, plan.MovedOutOf(2))
	assert.Equal(t, 682, plan.MovedInto(3))
}

func TestCreatePlan_ValidatesAcrossTransitions(t *testing.T) {
	for _, from := range []int{1, 2, 3, 5, 7, 16} {
		for _, to := range []int{1, 2, 3, 4, 6, 9, 16, 31} {
			t.Run(fmt.Sprintf("%d->%d", from, to), func(t *testing.T) {
				current, err := topology.NewClusterTopology(from)
				require.NoError(t, err)

				plan, err := topology.CreatePlan(current, to, 1)
				require.NoError(t, err)
				require.NoError(t, plan.Validate())

				assert.Equal(t, to, plan.New.NumberOfInstances())
				if from == to {
					assert.Equal(t, topology.PlanKindNoop, plan.Kind)
					assert.Zero(t, plan.TotalMoved())
				}
			})
		}
	}
}

func TestCreatePlan_IsDeterministic(t *testing.T) {
	current, err := topology.NewClusterTopology(3)
	require.NoError(t, err)

	a, err := topology.CreateScaleOutPlan(current, 4, 2)
	require.NoError(t, err)
	b, err := topology.CreateScaleOutPlan(current, 4, 2)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.MoveMap(), b.MoveMap())
	assert.Equal(t, a.Transfers(), b.Transfers())
	assert.Equal(t, a.New.Summary(), b.New.Summary())
}

func TestCreatePlan_ChainedPlansStayBalanced(t *testing.T) {
	current, err := topology.NewClusterTopology(1)
	require.NoError(t, err)

	for gen, target := range []int{2, 3, 5, 4, 8, 2} {
		plan, err := topology.CreatePlan(current, target, gen+1)
		require.NoError(t, err)
		require.NoError(t, plan.Validate())
		current = plan.New
	}
	assert.Equal(t, 1024, current.ChunkCountOf(1))
	assert.Equal(t, 1024, current.ChunkCountOf(2))
}

func TestScaleIn_RemovesHighestPartitions(t *testing.T) {
	plan, err := topology.CreateScaleInPlan(scenarioTopology(t, 4), 2, 1)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, topology.PlanKindScaleIn, plan.Kind)
	assert.Equal(t, 1024, int(plan.ChunksMoved(3, 1).GetCardinality()))
	assert.Equal(t, 1024, int(plan.ChunksMoved(4, 2).GetCardinality()))
	assert.Zero(t, plan.MovedOutOf(1))
	assert.Zero(t, plan.MovedOutOf(2))
	assert.Equal(t, 2048, plan.New.ChunkCountOf(1))
	assert.Equal(t, 0, plan.New.ChunkCountOf(3))
}

func TestScaleIn_UnevenRemainder(t *testing.T) {
	current, err := topology.NewClusterTopology(3)
	require.NoError(t, err)

	plan, err := topology.CreateScaleInPlan(current, 1, 1)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	// 683/683/682 -> 1024/1024: partition 3 donates to 1 first, then 2
	assert.Equal(t, 341, plan.MovedInto(1))
	assert.Equal(t, 341, plan.MovedInto(2))
	assert.Equal(t, 682, plan.MovedOutOf(3))
}

func TestCreatePlan_RejectsInvalidRequests(t *testing.T) {
	current, err := topology.NewClusterTopology(2)
	require.NoError(t, err)

	tests := []struct {
		name   string
		target int
		gen    int
		code   errors.ErrorCode
	}{
		{"zero instances", 0, 1, errors.ErrCodeInvalidInstanceCount},
		{"negative instances", -3, 1, errors.ErrCodeInvalidInstanceCount},
		{"more instances than chunks", 2049, 1, errors.ErrCodeInvalidInstanceCount},
		{"generation not advancing", 3, 0, errors.ErrCodeInvalidGeneration},
		{"generation negative", 3, -1, errors.ErrCodeInvalidGeneration},
		{"generation too wide", 3, 70000, errors.ErrCodeInvalidGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := topology.CreatePlan(current, tt.target, tt.gen)
			assert.Nil(t, plan)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}

	_, err = topology.CreateScaleOutPlan(current, 2047, 1)
	assert.Equal(t, errors.ErrCodeInvalidInstanceCount, errors.GetCode(err))
	_, err = topology.CreateScaleOutPlan(current, 0, 1)
	assert.Equal(t, errors.ErrCodeInvalidInstanceCount, errors.GetCode(err))
	_, err = topology.CreateScaleInPlan(current, 2, 1)
	assert.Equal(t, errors.ErrCodeInvalidInstanceCount, errors.GetCode(err))
}

func TestScalePlan_ValidateCatchesTampering(t *testing.T) {
	current, err := topology.NewClusterTopology(2)
	require.NoError(t, err)
	plan, err := topology.CreateScaleOutPlan(current, 1, 1)
	require.NoError(t, err)

	other, err := topology.NewClusterTopology(3)
	require.NoError(t, err)
	plan.New = other

	err = plan.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(err))
}

func TestScalePlan_JSONRoundTrip(t *testing.T) {
	current, err := topology.NewClusterTopologyWithChunks(2, 64, 3)
	require.NoError(t, err)
	plan, err := topology.CreateScaleOutPlan(current, 2, 4)
	require.NoError(t, err)

	data, err := json.Marshal(plan)
	require.NoError(t, err)

	var decoded topology.ScalePlan
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, plan.ID, decoded.ID)
	assert.Equal(t, plan.Kind, decoded.Kind)
	assert.Equal(t, plan.MoveMap(), decoded.MoveMap())
	assert.Equal(t, plan.New.Summary(), decoded.New.Summary())
	assert.NoError(t, decoded.Validate())
}

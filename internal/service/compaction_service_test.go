package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/service"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPartitionWithID(t *testing.T, id uint16, vs store.VersionStore) *service.PartitionService {
	t.Helper()
	return service.NewPartitionService(service.PartitionConfig{PartitionID: id}, vs, nil, newTestMetrics(), zap.NewNop())
}

func churn(t *testing.T, p *service.PartitionService, id string, updates int) {
	t.Helper()
	g := write(t, p, model.OperationTypeInsert, id, "v0", 0)
	for i := 0; i < updates; i++ {
		g = write(t, p, model.OperationTypeUpdate, id, "v", g)
	}
}

func TestCompactionService_RunOnce(t *testing.T) {
	vs := store.NewMemoryVersionStore()
	p1 := newPartitionWithID(t, 1, vs)
	p2 := newPartitionWithID(t, 2, vs)
	churn(t, p1, "a", 3)
	churn(t, p2, "b", 1)

	cs := service.NewCompactionService(service.CompactionConfig{Workers: 2, PurgeRate: 1000, PurgeBurst: 10}, newTestMetrics(), zap.NewNop())
	cs.Register(p2)
	cs.Register(p1)

	results, err := cs.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint16(1), results[0].PartitionID)
	assert.Equal(t, 3, results[0].VersionsRemoved)
	assert.Equal(t, uint16(2), results[1].PartitionID)
	assert.Equal(t, 1, results[1].VersionsRemoved)
	assert.Equal(t, 2, vs.Len())

	require.NoError(t, cs.Stop(time.Second))
	assert.Equal(t, uint64(4), cs.PoolStats().Completed)
}

func TestCompactionService_PeriodicLoop(t *testing.T) {
	vs := store.NewMemoryVersionStore()
	p := newPartitionWithID(t, 1, vs)
	churn(t, p, "a", 4)
	require.Equal(t, 5, vs.Len())

	cs := service.NewCompactionService(service.CompactionConfig{Interval: 5 * time.Millisecond}, newTestMetrics(), zap.NewNop())
	cs.Register(p)
	cs.Start()

	assert.Eventually(t, func() bool { return vs.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cs.Stop(time.Second))
	require.NoError(t, cs.Stop(time.Second))
}

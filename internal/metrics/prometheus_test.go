package metrics_test

import (
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterOnIsolatedRegistries(t *testing.T) {
	// two nodes in one process must not collide
	a := metrics.NewMetrics("a", prometheus.NewRegistry())
	b := metrics.NewMetrics("b", prometheus.NewRegistry())
	require.NotNil(t, a)
	require.NotNil(t, b)
}

func TestMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)

	m.RecordWrite(3, "insert", "ok", 0.001)
	m.RecordWrite(3, "insert", "ok", 0.002)
	m.RecordConflict("ENTRY_MODIFY_CONFLICT")
	m.UpdateGenerationStats(3, 10, 7, 5, 2, 1)
	m.RecordScalePlan("scale_out", 682)
	m.RecordCompacted(3, 4, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues("3", "insert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("ENTRY_MODIFY_CONFLICT")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CompletedGeneration.WithLabelValues("3")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ClusterMinActiveGeneration.WithLabelValues("3")))
	assert.Equal(t, 682.0, testutil.ToFloat64(m.ChunksPlannedTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.VersionsCompactedTotal.WithLabelValues("3")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

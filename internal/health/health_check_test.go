package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthChecker_NotReadyBeforeFirstRun(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	assert.False(t, h.IsReady())

	h.RunChecks(context.Background())
	assert.True(t, h.IsReady())
	assert.NotEqual(t, StatusUnhealthy, h.GetStatus())
}

func TestHealthChecker_DataDirChecks(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", DataDir: t.TempDir()}, zap.NewNop())
	h.RunChecks(context.Background())

	names := make(map[string]string)
	for _, c := range h.GetChecks() {
		names[c.Name] = c.Status
	}
	assert.Equal(t, CheckHealthy, names["data_dir_accessible"])
	assert.Contains(t, names, "disk_space")
}

func TestHealthChecker_FailingDependency(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	healthy := true
	h.AddCheck("postgres", func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return stderrors.New("connection refused")
	})

	h.RunChecks(context.Background())
	require.True(t, h.IsReady())

	healthy = false
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
	assert.Equal(t, StatusUnhealthy, h.GetStatus())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_Draining(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	h.RunChecks(context.Background())
	h.SetDraining(true)
	assert.False(t, h.IsReady())
}

func TestDiskStats(t *testing.T) {
	used, available, err := DiskStats(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, int64(0))
	assert.GreaterOrEqual(t, available, int64(0))

	_, _, err = DiskStats("/does/not/exist")
	assert.Error(t, err)
}

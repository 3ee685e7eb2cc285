package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/middleware"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/service"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/topology"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	m := metrics.NewMetrics("node-1", prometheus.NewRegistry())
	p := service.NewPartitionService(service.PartitionConfig{
		PartitionID:     1,
		MaxWriteRetries: 2,
		RetryInterval:   time.Millisecond,
	}, store.NewMemoryVersionStore(), nil, m, zap.NewNop())

	initial, err := topology.NewClusterTopology(2)
	require.NoError(t, err)
	scale := service.NewScaleService(initial, store.NewMemoryPlanStore(), m, zap.NewNop())

	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	NewGridHandler([]*service.PartitionService{p}, scale, zap.NewNop()).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "error", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	return resp.ErrorCode
}

func TestGridHandler_EntryLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/partitions/1/entries/user-1",
		WriteEntryRequest{Op: model.OperationTypeInsert, Data: []byte("hello")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inserted service.WriteResult
	decode(t, rec, &inserted)
	assert.Equal(t, model.GenerationID(1), inserted.Generation)

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/entries/user-1",
		WriteEntryRequest{Op: model.OperationTypeUpdate, Data: []byte("world"), ReadGeneration: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/partitions/1/entries/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest model.EntryVersion
	decode(t, rec, &latest)
	assert.Equal(t, []byte("world"), latest.Data)
	assert.Equal(t, model.GenerationID(2), latest.CreationGeneration)

	rec = do(t, h, http.MethodGet, "/v1/partitions/1/entries/user-1?generation=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var old model.EntryVersion
	decode(t, rec, &old)
	assert.Equal(t, []byte("hello"), old.Data)

	rec = do(t, h, http.MethodGet, "/v1/partitions/1/entries/user-1/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions struct {
		ID       string               `json:"id"`
		Versions []model.EntryVersion `json:"versions"`
	}
	decode(t, rec, &versions)
	assert.Equal(t, "user-1", versions.ID)
	assert.Len(t, versions.Versions, 2)

	rec = do(t, h, http.MethodGet, "/v1/partitions/1/generations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gens GenerationsResponse
	decode(t, rec, &gens)
	assert.Equal(t, uint16(1), gens.PartitionID)
	assert.Equal(t, model.GenerationID(2), gens.CompletedGeneration)
	assert.Equal(t, 1, gens.Entries)

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/entries/user-1",
		WriteEntryRequest{Op: model.OperationTypeRemove, ReadGeneration: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodGet, "/v1/partitions/1/entries/user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGridHandler_WriteErrors(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/partitions/1/entries/a", WriteEntryRequest{Op: model.OperationTypeInsert})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/entries/a", WriteEntryRequest{Op: model.OperationTypeInsert})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeEntryAlreadyExists.String(), errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/entries/missing", WriteEntryRequest{Op: model.OperationTypeUpdate})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.ErrCodeEntryNotFound.String(), errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/entries/a", map[string]string{"op": "upsert"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidArgument.String(), errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/entries/a", map[string]string{"unknown": "field"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/partitions/2/entries/a", WriteEntryRequest{Op: model.OperationTypeInsert})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/partitions/0/entries/a", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/partitions/1/entries/a?generation=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGridHandler_RollbackAndCompact(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/partitions/1/generations/9/rollback", nil)
	assert.Equal(t, errors.ErrCodeGenerationState.String(), errorCode(t, rec))

	do(t, h, http.MethodPost, "/v1/partitions/1/entries/a", WriteEntryRequest{Op: model.OperationTypeInsert})
	do(t, h, http.MethodPost, "/v1/partitions/1/entries/a", WriteEntryRequest{Op: model.OperationTypeUpdate, ReadGeneration: 1})

	rec = do(t, h, http.MethodPost, "/v1/partitions/1/compact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.CompactionResult
	decode(t, rec, &result)
	assert.Equal(t, 1, result.VersionsRemoved)
	assert.Equal(t, model.GenerationID(2), result.Watermark)

	rec = do(t, h, http.MethodGet, "/v1/partitions/1/entries/a?generation=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeReadExpiredGeneration.String(), errorCode(t, rec))
}

func TestGridHandler_ScaleFlow(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/admin/topology/scale", service.ScaleRequest{TargetInstanceCount: 3, Generation: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan struct {
		ID         string `json:"plan_id"`
		Kind       string `json:"kind"`
		TotalMoved int    `json:"total_moved"`
	}
	decode(t, rec, &plan)
	require.NotEmpty(t, plan.ID)
	assert.Equal(t, string(topology.PlanKindScaleOut), plan.Kind)
	assert.Equal(t, 682, plan.TotalMoved)

	rec = do(t, h, http.MethodGet, "/v1/admin/topology/plans/"+plan.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/admin/topology/plans/"+plan.ID+"/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/admin/topology", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary topology.Summary
	decode(t, rec, &summary)
	assert.Equal(t, uint16(1), summary.Generation)
	assert.Equal(t, 3, summary.NumberOfInstances)

	rec = do(t, h, http.MethodPost, "/v1/admin/topology/plans/"+plan.ID+"/apply", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidGeneration.String(), errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/v1/admin/topology/plans/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.ErrCodePlanNotFound.String(), errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/admin/topology/scale", service.ScaleRequest{TargetInstanceCount: 0, Generation: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidInstanceCount.String(), errorCode(t, rec))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(errors.EntryModifyConflict("a", 2, 1, "x")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(errors.RetryLater("a", 3)))
	assert.Equal(t, http.StatusPreconditionFailed, HTTPStatus(errors.ModifyOnUncompletedGeneration("a", 3, 2, true)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(errors.StorageFailed("x", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.InternalError("x", nil)))
}

func TestGridHandler_RouteKey(t *testing.T) {
	h := newTestRouter(t)
	expected, err := topology.NewClusterTopology(2)
	require.NoError(t, err)

	for _, key := range []string{"user-1", "user-2", "order-77"} {
		rec := do(t, h, http.MethodGet, "/v1/admin/topology/route?key="+key, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var route RouteResponse
		decode(t, rec, &route)
		assert.Equal(t, key, route.Key)
		assert.Equal(t, expected.ChunkForKey(key), route.Chunk)
		assert.Equal(t, expected.PartitionForKey(key), route.PartitionID)
		assert.Equal(t, route.PartitionID == 1, route.Hosted)
	}

	rec := do(t, h, http.MethodGet, "/v1/admin/topology/route", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidArgument.String(), errorCode(t, rec))
}

package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/middleware"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/service"
	"github.com/devrev/pairdb/datagrid/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// maxBodyBytes bounds request bodies: the largest entry plus JSON overhead
const maxBodyBytes = 2*validation.MaxDataSize + 4096

// GridHandler serves the partition and topology endpoints
type GridHandler struct {
	partitions map[uint16]*service.PartitionService
	scale      *service.ScaleService
	validator  *validation.Validator
	logger     *zap.Logger
}

// NewGridHandler creates a handler over the partitions hosted by this node
func NewGridHandler(partitions []*service.PartitionService, scale *service.ScaleService, logger *zap.Logger) *GridHandler {
	byID := make(map[uint16]*service.PartitionService, len(partitions))
	for _, p := range partitions {
		byID[p.PartitionID()] = p
	}
	return &GridHandler{
		partitions: byID,
		scale:      scale,
		validator:  validation.NewValidator(),
		logger:     logger,
	}
}

// RegisterRoutes mounts the API on r
func (h *GridHandler) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	p := v1.PathPrefix("/partitions/{partition_id:[0-9]+}").Subrouter()
	p.HandleFunc("/entries/{id}", h.WriteEntry).Methods(http.MethodPost)
	p.HandleFunc("/entries/{id}", h.ReadEntry).Methods(http.MethodGet)
	p.HandleFunc("/entries/{id}/versions", h.EntryVersions).Methods(http.MethodGet)
	p.HandleFunc("/generations", h.Generations).Methods(http.MethodGet)
	p.HandleFunc("/generations/{generation:[0-9]+}/rollback", h.Rollback).Methods(http.MethodPost)
	p.HandleFunc("/compact", h.Compact).Methods(http.MethodPost)

	v1.HandleFunc("/admin/topology", h.GetTopology).Methods(http.MethodGet)
	admin := v1.PathPrefix("/admin/topology").Subrouter()
	admin.HandleFunc("/route", h.RouteKey).Methods(http.MethodGet)
	admin.HandleFunc("/scale", h.Scale).Methods(http.MethodPost)
	admin.HandleFunc("/plans/{plan_id}", h.GetPlan).Methods(http.MethodGet)
	admin.HandleFunc("/plans/{plan_id}/apply", h.ApplyPlan).Methods(http.MethodPost)
}

// WriteEntryRequest is the body of an entry write
type WriteEntryRequest struct {
	Op             model.OperationType `json:"op"`
	Data           []byte              `json:"data,omitempty"`
	ReadGeneration model.GenerationID  `json:"read_generation,omitempty"`
}

// WriteEntry handles POST /v1/partitions/{partition_id}/entries/{id}
func (h *GridHandler) WriteEntry(w http.ResponseWriter, r *http.Request) {
	p, err := h.partition(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body WriteEntryRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := p.WriteWithRetry(r.Context(), service.WriteRequest{
		Op:             body.Op,
		ID:             mux.Vars(r)["id"],
		Data:           body.Data,
		ReadGeneration: body.ReadGeneration,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Op == model.OperationTypeInsert {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// ReadEntry handles GET /v1/partitions/{partition_id}/entries/{id}. Without
// a generation parameter the latest completed generation is read.
func (h *GridHandler) ReadEntry(w http.ResponseWriter, r *http.Request) {
	p, err := h.partition(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]

	var v *model.EntryVersion
	if raw := r.URL.Query().Get("generation"); raw != "" {
		g, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil || g == 0 {
			h.writeError(w, r, errors.InvalidArgument("generation must be a positive integer", perr))
			return
		}
		v, err = p.Read(r.Context(), id, model.GenerationID(g))
	} else {
		v, err = p.ReadLatest(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// EntryVersions handles GET /v1/partitions/{partition_id}/entries/{id}/versions
func (h *GridHandler) EntryVersions(w http.ResponseWriter, r *http.Request) {
	p, err := h.partition(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	meta, err := p.Versions(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       meta.ID,
		"versions": meta.Snapshot(),
	})
}

// GenerationsResponse is the generations state of one partition
type GenerationsResponse struct {
	PartitionID uint16 `json:"partition_id"`
	*model.GenerationsState
	ClusterCompleted model.GenerationID `json:"cluster_completed_generation"`
	ClusterMinActive model.GenerationID `json:"cluster_min_active_generation"`
	ExpiredBelow     model.GenerationID `json:"expired_below"`
	ActiveReaders    int                `json:"active_readers"`
	RemoteNodes      []string           `json:"remote_nodes"`
	Entries          int                `json:"entries"`
}

// Generations handles GET /v1/partitions/{partition_id}/generations
func (h *GridHandler) Generations(w http.ResponseWriter, r *http.Request) {
	p, err := h.partition(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	gens := p.Generations()
	writeJSON(w, http.StatusOK, GenerationsResponse{
		PartitionID:      p.PartitionID(),
		GenerationsState: gens.State(),
		ClusterCompleted: gens.ClusterCompleted(),
		ClusterMinActive: gens.ClusterMinActive(),
		ExpiredBelow:     gens.ExpiredBelow(),
		ActiveReaders:    gens.ActiveReaders(),
		RemoteNodes:      gens.RemoteNodes(),
		Entries:          p.EntryCount(),
	})
}

// Rollback handles POST /v1/partitions/{partition_id}/generations/{generation}/rollback
func (h *GridHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	p, err := h.partition(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := strconv.ParseUint(mux.Vars(r)["generation"], 10, 64)
	if err != nil || g == 0 {
		h.writeError(w, r, errors.InvalidArgument("generation must be a positive integer", err))
		return
	}
	discarded, err := p.Rollback(r.Context(), model.GenerationID(g))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": g,
		"discarded":  discarded,
	})
}

// Compact handles POST /v1/partitions/{partition_id}/compact
func (h *GridHandler) Compact(w http.ResponseWriter, r *http.Request) {
	p, err := h.partition(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := p.Compact(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetTopology handles GET /v1/admin/topology
func (h *GridHandler) GetTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scale.Topology().Summary())
}

// RouteResponse tells a client where a key lives under the current topology
type RouteResponse struct {
	Key         string `json:"key"`
	Chunk       uint32 `json:"chunk"`
	PartitionID uint16 `json:"partition_id"`
	Generation  uint16 `json:"topology_generation"`
	Hosted      bool   `json:"hosted"`
}

// RouteKey handles GET /v1/admin/topology/route?key=
func (h *GridHandler) RouteKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := h.validator.ValidateID(key); err != nil {
		h.writeError(w, r, err)
		return
	}
	t := h.scale.Topology()
	chunk := t.ChunkForKey(key)
	pid := t.PartitionForKey(key)
	_, hosted := h.partitions[pid]
	writeJSON(w, http.StatusOK, RouteResponse{
		Key:         key,
		Chunk:       chunk,
		PartitionID: pid,
		Generation:  t.Generation(),
		Hosted:      hosted,
	})
}

// Scale handles POST /v1/admin/topology/scale
func (h *GridHandler) Scale(w http.ResponseWriter, r *http.Request) {
	var req service.ScaleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	plan, err := h.scale.Scale(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// GetPlan handles GET /v1/admin/topology/plans/{plan_id}
func (h *GridHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.scale.GetPlan(r.Context(), mux.Vars(r)["plan_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ApplyPlan handles POST /v1/admin/topology/plans/{plan_id}/apply
func (h *GridHandler) ApplyPlan(w http.ResponseWriter, r *http.Request) {
	applied, err := h.scale.Apply(r.Context(), mux.Vars(r)["plan_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applied.Summary())
}

// PartitionIDs returns the hosted partitions in ascending order
func (h *GridHandler) PartitionIDs() []uint16 {
	ids := make([]uint16, 0, len(h.partitions))
	for id := range h.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *GridHandler) partition(r *http.Request) (*service.PartitionService, error) {
	raw := mux.Vars(r)["partition_id"]
	id, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.InvalidArgument("partition_id must be an integer", err)
	}
	if err := validation.ValidatePartitionID(id); err != nil {
		return nil, err
	}
	p, ok := h.partitions[uint16(id)]
	if !ok {
		return nil, errors.InvalidArgument("partition is not hosted by this node", nil).
			WithDetail("partition_id", id)
	}
	return p, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidArgument("invalid request body", err)
	}
	return nil
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func (h *GridHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge, ok := errors.AsGridError(err)
	if !ok {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
			ge = errors.NewGridError(errors.ErrCodeRetryLater, "request deadline exceeded", err)
		default:
			ge = errors.InternalError("unexpected error", err)
		}
	}

	status := HTTPStatus(ge)
	requestID := middleware.GetRequestID(r.Context())
	fields := []zap.Field{
		zap.String("error_code", ge.Code.String()),
		zap.Int("status", status),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", fields...)
	} else {
		h.logger.Debug("Request rejected", fields...)
	}

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: ge.Code.String(),
		Message:   ge.Error(),
		RequestID: requestID,
	}
	if len(ge.Details) > 0 {
		resp.Details = ge.Details
	}
	writeJSON(w, status, resp)
}

// HTTPStatus maps a GridError onto an HTTP status through its gRPC code
func HTTPStatus(ge *errors.GridError) int {
	switch ge.ToGRPCStatus().Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/topology"
	"github.com/devrev/pairdb/datagrid/internal/validation"
	"go.uber.org/zap"
)

// ScaleRequest asks for a new topology of TargetInstanceCount partitions,
// stamped with Generation
type ScaleRequest struct {
	TargetInstanceCount int `json:"target_instance_count"`
	Generation          int `json:"generation"`
}

// PartitionGenerationListener is told the topology generation of every
// partition an applied plan touched
type PartitionGenerationListener interface {
	AssignPartitionGeneration(partitionID, generation uint16)
}

// ScaleService holds the current cluster topology and computes, stores and
// applies scale plans
type ScaleService struct {
	plans     store.PlanStore
	metrics   *metrics.Metrics
	logger    *zap.Logger
	mu        sync.RWMutex
	current   *topology.ClusterTopology
	listeners []PartitionGenerationListener
}

// NewScaleService creates the service around an initial topology
func NewScaleService(initial *topology.ClusterTopology, plans store.PlanStore, m *metrics.Metrics, logger *zap.Logger) *ScaleService {
	m.UpdateTopology(initial.Generation(), initial.NumberOfInstances())
	return &ScaleService{
		plans:   plans,
		metrics: m,
		logger:  logger,
		current: initial,
	}
}

// AddListener registers a partition generation listener
func (s *ScaleService) AddListener(l PartitionGenerationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Topology returns the current topology
func (s *ScaleService) Topology() *topology.ClusterTopology {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Scale computes a plan from the current topology, verifies it and stores
// it for a later Apply. Nothing changes until then.
func (s *ScaleService) Scale(ctx context.Context, req ScaleRequest) (*topology.ScalePlan, error) {
	current := s.Topology()
	if err := validation.ValidateScaleRequest(req.TargetInstanceCount, req.Generation, current.ChunkCount()); err != nil {
		return nil, err
	}

	plan, err := topology.CreatePlan(current, req.TargetInstanceCount, req.Generation)
	if err != nil {
		s.logger.Warn("Scale plan rejected",
			zap.Int("target_instance_count", req.TargetInstanceCount),
			zap.Int("generation", req.Generation),
			zap.Error(err))
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		s.logger.Error("Computed scale plan failed verification",
			zap.String("plan_id", plan.ID),
			zap.Error(err))
		return nil, err
	}
	if err := s.plans.SavePlan(ctx, plan); err != nil {
		return nil, errors.StorageFailed("failed to save scale plan", err)
	}

	s.metrics.RecordScalePlan(string(plan.Kind), plan.TotalMoved())
	s.logger.Info("Scale plan computed",
		zap.String("plan_id", plan.ID),
		zap.String("kind", string(plan.Kind)),
		zap.Int("from_instances", current.NumberOfInstances()),
		zap.Int("to_instances", req.TargetInstanceCount),
		zap.Uint16("generation", plan.Generation),
		zap.Int("chunks_moved", plan.TotalMoved()))
	return plan, nil
}

// GetPlan returns a stored plan
func (s *ScaleService) GetPlan(ctx context.Context, planID string) (*topology.ScalePlan, error) {
	plan, err := s.plans.GetPlan(ctx, planID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.PlanNotFound(planID)
	}
	if err != nil {
		return nil, errors.StorageFailed("failed to load scale plan", err)
	}
	return plan, nil
}

// Apply installs a stored plan's new topology. The plan must have been
// computed against the current topology.
func (s *ScaleService) Apply(ctx context.Context, planID string) (*topology.ClusterTopology, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		s.logger.Error("Stored scale plan failed validation",
			zap.String("plan_id", planID),
			zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	if plan.Current.Generation() != s.current.Generation() {
		current := s.current.Generation()
		s.mu.Unlock()
		return nil, errors.InvalidGeneration(int(plan.Generation),
			fmt.Sprintf("plan was computed against topology generation %d, current is %d", plan.Current.Generation(), current))
	}
	s.current = plan.New
	listeners := append([]PartitionGenerationListener(nil), s.listeners...)
	s.mu.Unlock()

	touched := 0
	maxID := plan.Current.NumberOfInstances()
	if plan.New.NumberOfInstances() > maxID {
		maxID = plan.New.NumberOfInstances()
	}
	for pid := 1; pid <= maxID; pid++ {
		if plan.MovedInto(uint16(pid)) == 0 && plan.MovedOutOf(uint16(pid)) == 0 {
			continue
		}
		touched++
		for _, l := range listeners {
			l.AssignPartitionGeneration(uint16(pid), plan.Generation)
		}
	}

	s.metrics.UpdateTopology(plan.New.Generation(), plan.New.NumberOfInstances())
	s.logger.Info("Scale plan applied",
		zap.String("plan_id", plan.ID),
		zap.Uint16("generation", plan.Generation),
		zap.Int("instances", plan.New.NumberOfInstances()),
		zap.Int("partitions_touched", touched))
	return plan.New, nil
}

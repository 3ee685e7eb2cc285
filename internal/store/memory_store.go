package store

import (
	"context"
	"sort"
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/topology"
)

// MemoryVersionStore keeps versions in process memory
type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions map[versionKey]VersionRecord
}

// NewMemoryVersionStore creates an empty store
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[versionKey]VersionRecord)}
}

func (s *MemoryVersionStore) PersistVersion(ctx context.Context, partitionID uint16, h *model.EntryHolder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := NewVersionRecord(partitionID, h)
	s.mu.Lock()
	s.versions[keyOf(rec)] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryVersionStore) PurgeVersion(ctx context.Context, partitionID uint16, id string, creation model.GenerationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.versions, versionKey{partitionID: partitionID, id: id, generation: creation})
	s.mu.Unlock()
	return nil
}

// Get returns a stored version
func (s *MemoryVersionStore) Get(partitionID uint16, id string, creation model.GenerationID) (VersionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.versions[versionKey{partitionID: partitionID, id: id, generation: creation}]
	return rec, ok
}

// Len returns the number of stored versions
func (s *MemoryVersionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}

func (s *MemoryVersionStore) Replay(ctx context.Context, fn func(VersionRecord) error) error {
	s.mu.RLock()
	records := make([]VersionRecord, 0, len(s.versions))
	for _, rec := range s.versions {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sortRecords(records)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryVersionStore) Close() error {
	return nil
}

func sortRecords(records []VersionRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.PartitionID != b.PartitionID {
			return a.PartitionID < b.PartitionID
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.CreationGeneration < b.CreationGeneration
	})
}

// MemoryPlanStore keeps scale plans in process memory
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[string]*topology.ScalePlan
}

// NewMemoryPlanStore creates an empty plan store
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[string]*topology.ScalePlan)}
}

func (s *MemoryPlanStore) SavePlan(ctx context.Context, plan *topology.ScalePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemoryPlanStore) GetPlan(ctx context.Context, planID string) (*topology.ScalePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return plan, nil
}

func (s *MemoryPlanStore) Close() error {
	return nil
}

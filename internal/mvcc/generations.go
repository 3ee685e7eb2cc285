package mvcc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/google/btree"
	"go.uber.org/zap"
)

// GenerationBroadcaster replicates a partition's generations state to the
// rest of the cluster
type GenerationBroadcaster interface {
	BroadcastGenerationState(partitionID uint16, state *model.GenerationsState)
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastGenerationState(uint16, *model.GenerationsState) {}

// GenerationsStateManager tracks completed, in-flight and pinned generations
// for one partition and folds in the watermarks other nodes broadcast.
// It is mutated only by the partition's commit path.
type GenerationsStateManager struct {
	partitionID uint16
	clock       *GenerationClock
	broadcaster GenerationBroadcaster
	logger      *zap.Logger

	mu              sync.Mutex
	completed       model.GenerationID
	highestFinished model.GenerationID
	uncompleted     *btree.BTreeG[model.GenerationID]
	readers         map[model.GenerationID]int
	expiredBelow    model.GenerationID

	remote                map[string]*model.GenerationsState
	partitionGenerations  map[uint16]uint16
	maxTopologyGeneration uint16
}

// NewGenerationsStateManager creates the manager for a partition. A nil
// broadcaster disables replication.
func NewGenerationsStateManager(
	partitionID uint16,
	clock *GenerationClock,
	broadcaster GenerationBroadcaster,
	logger *zap.Logger,
) *GenerationsStateManager {
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	start := clock.Current()
	return &GenerationsStateManager{
		partitionID:          partitionID,
		clock:                clock,
		broadcaster:          broadcaster,
		logger:               logger,
		completed:            start,
		highestFinished:      start,
		uncompleted:          btree.NewOrderedG[model.GenerationID](8),
		readers:              make(map[model.GenerationID]int),
		remote:               make(map[string]*model.GenerationsState),
		partitionGenerations: make(map[uint16]uint16),
	}
}

// SetBroadcaster replaces the replication collaborator
func (m *GenerationsStateManager) SetBroadcaster(b GenerationBroadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b == nil {
		b = noopBroadcaster{}
	}
	m.broadcaster = b
}

// PartitionID returns the owning partition
func (m *GenerationsStateManager) PartitionID() uint16 {
	return m.partitionID
}

// BeginGeneration issues a generation and records it as uncompleted in one
// step, so no reader can observe it as completed before it commits.
func (m *GenerationsStateManager) BeginGeneration() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.clock.NextGeneration()
	m.uncompleted.ReplaceOrInsert(g)
	return g
}

// RecordUncompleted marks g as in flight, e.g. a generation issued elsewhere
// and replayed on this partition.
func (m *GenerationsStateManager) RecordUncompleted(g model.GenerationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g == model.NoGeneration || g <= m.completed {
		return errors.GenerationState(
			fmt.Sprintf("generation %d is not above completed generation %d", g, m.completed), nil).
			WithDetail("partition_id", m.partitionID).
			WithDetail("generation", uint64(g))
	}
	m.clock.AdvanceTo(g)
	m.uncompleted.ReplaceOrInsert(g)
	return nil
}

// AdvanceCompleted marks g as committed. Also used to release a generation
// whose write was rejected, which commits nothing.
func (m *GenerationsStateManager) AdvanceCompleted(g model.GenerationID) error {
	m.mu.Lock()
	if _, ok := m.uncompleted.Delete(g); !ok {
		err := m.notInFlightLocked(g)
		m.mu.Unlock()
		return err
	}
	if g > m.highestFinished {
		m.highestFinished = g
	}
	m.recomputeCompletedLocked()
	state, b := m.stateLocked(), m.broadcaster
	m.mu.Unlock()

	b.BroadcastGenerationState(m.partitionID, state)
	return nil
}

// Revert drops an uncompleted generation after a failed commit. Callers must
// discard every version created under g.
func (m *GenerationsStateManager) Revert(g model.GenerationID) error {
	m.mu.Lock()
	if _, ok := m.uncompleted.Delete(g); !ok {
		err := m.notInFlightLocked(g)
		m.mu.Unlock()
		return err
	}
	m.recomputeCompletedLocked()
	state, b := m.stateLocked(), m.broadcaster
	fields := m.logFieldsLocked()
	m.mu.Unlock()

	m.logger.Error("Generation reverted", append(fields, zap.Uint64("reverted_generation", uint64(g)))...)
	b.BroadcastGenerationState(m.partitionID, state)
	return nil
}

// completed is the highest generation below which nothing is in flight
func (m *GenerationsStateManager) recomputeCompletedLocked() {
	next := m.highestFinished
	if lowest, ok := m.uncompleted.Min(); ok && lowest-1 < next {
		next = lowest - 1
	}
	if next > m.completed {
		m.completed = next
	}
}

func (m *GenerationsStateManager) notInFlightLocked(g model.GenerationID) error {
	err := errors.GenerationState(fmt.Sprintf("generation %d is not in flight", g), nil).
		WithDetail("partition_id", m.partitionID).
		WithDetail("generation", uint64(g))
	m.logger.Error("Inconsistent generation state", append(m.logFieldsLocked(), zap.Error(err))...)
	return err
}

// Completed returns the local completed generation
func (m *GenerationsStateManager) Completed() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// IsUncompleted reports whether g is in flight locally
func (m *GenerationsStateManager) IsUncompleted(g model.GenerationID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uncompleted.Has(g)
}

// UncompletedCount returns the number of in-flight generations
func (m *GenerationsStateManager) UncompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uncompleted.Len()
}

// PinReader registers a reader at the current completed generation
func (m *GenerationsStateManager) PinReader() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.completed
	m.readers[g]++
	return g
}

// PinReaderAt registers a reader at an explicit generation. Generations that
// were compacted away or are not completed yet would give a torn snapshot.
func (m *GenerationsStateManager) PinReaderAt(g model.GenerationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkReadableLocked(g); err != nil {
		return err
	}
	m.readers[g]++
	return nil
}

func (m *GenerationsStateManager) checkReadableLocked(g model.GenerationID) error {
	if g < m.expiredBelow {
		return errors.ReadExpiredGeneration(uint64(g), uint64(m.expiredBelow))
	}
	if g > m.completed {
		return errors.GenerationState(
			fmt.Sprintf("read generation %d is ahead of completed generation %d", g, m.completed), nil).
			WithDetail("partition_id", m.partitionID).
			WithDetail("generation", uint64(g))
	}
	return nil
}

// UnpinReader releases a reader registered by PinReader or PinReaderAt
func (m *GenerationsStateManager) UnpinReader(g model.GenerationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.readers[g]; n <= 1 {
		delete(m.readers, g)
	} else {
		m.readers[g] = n - 1
	}
}

// ActiveReaders returns the number of pinned readers
func (m *GenerationsStateManager) ActiveReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.readers {
		n += c
	}
	return n
}

// ComputeMinActive returns the oldest generation any of the given reader
// snapshots still needs, bounded by the completed generation.
func (m *GenerationsStateManager) ComputeMinActive(readerSnapshots []model.GenerationID) model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return computeMinActive(m.completed, readerSnapshots)
}

func computeMinActive(completed model.GenerationID, snapshots []model.GenerationID) model.GenerationID {
	minActive := completed
	for _, s := range snapshots {
		if s < minActive {
			minActive = s
		}
	}
	return minActive
}

// MinActive is the local minimum over pinned readers
func (m *GenerationsStateManager) MinActive() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minActiveLocked()
}

func (m *GenerationsStateManager) minActiveLocked() model.GenerationID {
	minActive := m.completed
	for g := range m.readers {
		if g < minActive {
			minActive = g
		}
	}
	return minActive
}

// ClusterMinActive folds the local minimum with every remote watermark
func (m *GenerationsStateManager) ClusterMinActive() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clusterMinActiveLocked()
}

func (m *GenerationsStateManager) clusterMinActiveLocked() model.GenerationID {
	minActive := m.minActiveLocked()
	for _, s := range m.remote {
		if s.MinActiveGeneration < minActive {
			minActive = s.MinActiveGeneration
		}
	}
	return minActive
}

// ClusterCompleted is the lowest completed generation across the cluster
func (m *GenerationsStateManager) ClusterCompleted() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	completed := m.completed
	for _, s := range m.remote {
		if s.CompletedGeneration < completed {
			completed = s.CompletedGeneration
		}
	}
	return completed
}

// IsGenerationVisible reports whether writes of generation g are part of the
// snapshot pinned at readerSnapshot
func (m *GenerationsStateManager) IsGenerationVisible(g, readerSnapshot model.GenerationID) bool {
	if g == model.NoGeneration || g > readerSnapshot {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.uncompleted.Has(g)
}

// IsSafeToCompact reports whether a superseded version can no longer be seen
// by any reader in the cluster
func (m *GenerationsStateManager) IsSafeToCompact(h *model.EntryHolder) bool {
	return m.IsSafeToCompactAt(h, m.ClusterMinActive())
}

// IsSafeToCompactAt reports whether a superseded version is invisible to
// every reader at or above watermark
func (m *GenerationsStateManager) IsSafeToCompactAt(h *model.EntryHolder, watermark model.GenerationID) bool {
	over := h.OverwritingGeneration()
	if over == model.NoGeneration || over == retiredGeneration || over > watermark {
		return false
	}
	return !m.IsUncompleted(over)
}

// ExpireBelow raises the compaction watermark. Reads below it are rejected.
func (m *GenerationsStateManager) ExpireBelow(g model.GenerationID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g > m.expiredBelow {
		m.expiredBelow = g
	}
}

// ExpireToClusterMinActive raises the compaction watermark to the cluster
// min active generation and returns the new watermark. Pins are taken under
// the same lock, so no reader can hold a snapshot below it afterwards.
func (m *GenerationsStateManager) ExpireToClusterMinActive() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.clusterMinActiveLocked(); g > m.expiredBelow {
		m.expiredBelow = g
	}
	return m.expiredBelow
}

// Restore fast-forwards an idle manager to a generation recovered from
// storage; everything at or below g counts as completed. Reads below g are
// expired: history compacted before the restart is not in storage, and no
// reader can hold a snapshot from before it.
func (m *GenerationsStateManager) Restore(g model.GenerationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uncompleted.Len() > 0 {
		return errors.GenerationState("cannot restore while generations are in flight", nil).
			WithDetail("partition_id", m.partitionID)
	}
	m.clock.AdvanceTo(g)
	if g > m.highestFinished {
		m.highestFinished = g
	}
	if g > m.completed {
		m.completed = g
	}
	if g > m.expiredBelow {
		m.expiredBelow = g
	}
	return nil
}

// ExpiredBelow returns the compaction watermark
func (m *GenerationsStateManager) ExpiredBelow() model.GenerationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredBelow
}

// OnRemoteGenerationState folds a state broadcast by another node
func (m *GenerationsStateManager) OnRemoteGenerationState(nodeID string, state *model.GenerationsState) error {
	if err := ValidateGenerationsState(state); err != nil {
		m.logger.Warn("Rejected remote generation state",
			zap.String("node_id", nodeID),
			zap.Uint16("partition_id", m.partitionID),
			zap.Error(err))
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *state
	m.remote[nodeID] = &cp
	for _, pg := range state.PartitionGenerations {
		m.assignPartitionGenerationLocked(pg.PartitionID, pg.Generation)
	}
	return nil
}

// ForgetNode drops a departed node's watermark
func (m *GenerationsStateManager) ForgetNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remote, nodeID)
}

// RemoteNodes returns the ids of nodes whose state has been folded in
func (m *GenerationsStateManager) RemoteNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]string, 0, len(m.remote))
	for id := range m.remote {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// AssignPartitionGeneration records the topology generation of a partition
func (m *GenerationsStateManager) AssignPartitionGeneration(partitionID, generation uint16) {
	m.mu.Lock()
	m.assignPartitionGenerationLocked(partitionID, generation)
	state, b := m.stateLocked(), m.broadcaster
	m.mu.Unlock()

	b.BroadcastGenerationState(m.partitionID, state)
}

func (m *GenerationsStateManager) assignPartitionGenerationLocked(partitionID, generation uint16) {
	if cur, ok := m.partitionGenerations[partitionID]; ok && cur >= generation {
		return
	}
	m.partitionGenerations[partitionID] = generation
	if generation > m.maxTopologyGeneration {
		m.maxTopologyGeneration = generation
	}
}

// State returns a copy of the local state suitable for broadcast
func (m *GenerationsStateManager) State() *model.GenerationsState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *GenerationsStateManager) stateLocked() *model.GenerationsState {
	s := &model.GenerationsState{
		CompletedGeneration:   m.completed,
		MinActiveGeneration:   m.minActiveLocked(),
		MaxTopologyGeneration: m.maxTopologyGeneration,
	}
	m.uncompleted.Ascend(func(g model.GenerationID) bool {
		s.UncompletedGenerations = append(s.UncompletedGenerations, g)
		return true
	})
	for pid, gen := range m.partitionGenerations {
		s.PartitionGenerations = append(s.PartitionGenerations, model.PartitionGeneration{PartitionID: pid, Generation: gen})
	}
	sort.Slice(s.PartitionGenerations, func(i, j int) bool {
		return s.PartitionGenerations[i].PartitionID < s.PartitionGenerations[j].PartitionID
	})
	return s
}

// LogFields describes the state for diagnostics
func (m *GenerationsStateManager) LogFields() []zap.Field {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logFieldsLocked()
}

func (m *GenerationsStateManager) logFieldsLocked() []zap.Field {
	uncompleted := make([]uint64, 0, m.uncompleted.Len())
	m.uncompleted.Ascend(func(g model.GenerationID) bool {
		uncompleted = append(uncompleted, uint64(g))
		return true
	})
	return []zap.Field{
		zap.Uint16("partition_id", m.partitionID),
		zap.Uint64("completed_generation", uint64(m.completed)),
		zap.Uint64s("uncompleted_generations", uncompleted),
		zap.Uint64("min_active_generation", uint64(m.minActiveLocked())),
		zap.Uint64("expired_below", uint64(m.expiredBelow)),
		zap.Uint16("max_topology_generation", m.maxTopologyGeneration),
	}
}

// ValidateGenerationsState checks the invariants of a state snapshot
func ValidateGenerationsState(s *model.GenerationsState) error {
	if s == nil {
		return errors.GenerationState("nil generations state", nil)
	}
	if s.MinActiveGeneration > s.CompletedGeneration {
		return errors.GenerationState(fmt.Sprintf("min active generation %d is above completed generation %d",
			s.MinActiveGeneration, s.CompletedGeneration), nil)
	}
	prev := s.CompletedGeneration
	for _, g := range s.UncompletedGenerations {
		if g <= prev {
			return errors.GenerationState(fmt.Sprintf("uncompleted generation %d is not ascending above completed generation %d",
				g, s.CompletedGeneration), nil)
		}
		prev = g
	}
	for i := 1; i < len(s.PartitionGenerations); i++ {
		if s.PartitionGenerations[i].PartitionID <= s.PartitionGenerations[i-1].PartitionID {
			return errors.GenerationState("partition generations are not strictly ascending", nil)
		}
	}
	return nil
}

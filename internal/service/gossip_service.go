package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/mvcc"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService replicates generations state between nodes over memberlist
// and tracks cluster membership
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	nodeID     string
	metrics    *metrics.Metrics
	logger     *zap.Logger
	members    atomic.Int32

	mu         sync.RWMutex
	partitions map[uint16]*mvcc.GenerationsStateManager
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	RetransmitMult int
}

// stateEnvelope carries one partition's encoded generations state
type stateEnvelope struct {
	NodeID      string `json:"node_id"`
	PartitionID uint16 `json:"partition_id"`
	State       []byte `json:"state"`
}

// NewGossipService creates the service. Start joins the cluster.
func NewGossipService(cfg *GossipConfig, nodeID string, m *metrics.Metrics, logger *zap.Logger) *GossipService {
	gs := &GossipService{
		config:     cfg,
		nodeID:     nodeID,
		metrics:    m,
		logger:     logger,
		partitions: make(map[uint16]*mvcc.GenerationsStateManager),
	}
	retransmit := cfg.RetransmitMult
	if retransmit <= 0 {
		retransmit = 3
	}
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       gs.numNodes,
		RetransmitMult: retransmit,
	}
	return gs
}

// Register subscribes a partition's state manager to remote states and
// makes this service its broadcaster
func (s *GossipService) Register(state *mvcc.GenerationsStateManager) {
	s.mu.Lock()
	s.partitions[state.PartitionID()] = state
	s.mu.Unlock()
	state.SetBroadcaster(s)
}

// Start creates the memberlist and joins the seed nodes
func (s *GossipService) Start() error {
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = s.nodeID
	mlConfig.BindAddr = s.config.BindAddr
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &GossipEventDelegate{service: s}
	mlConfig.LogOutput = nil
	mlConfig.Logger = zap.NewStdLog(s.logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.mu.Lock()
	s.memberlist = ml
	s.mu.Unlock()

	if len(s.config.SeedNodes) > 0 {
		n, err := ml.Join(s.config.SeedNodes)
		if err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Int("joined", n), zap.Error(err))
		}
	}
	s.logger.Info("Gossip service started",
		zap.String("bind_addr", s.config.BindAddr),
		zap.Int("bind_port", s.config.BindPort),
		zap.Strings("seed_nodes", s.config.SeedNodes))
	return nil
}

// numNodes is maintained from membership events; memberlist invokes
// delegates under its own node lock, so they must not call back into it
func (s *GossipService) numNodes() int {
	if n := int(s.members.Load()); n > 0 {
		return n
	}
	return 1
}

// Members returns the names of the live members, this node included
func (s *GossipService) Members() []string {
	s.mu.RLock()
	ml := s.memberlist
	s.mu.RUnlock()
	if ml == nil {
		return []string{s.nodeID}
	}
	var names []string
	for _, m := range ml.Members() {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// BroadcastGenerationState implements mvcc.GenerationBroadcaster. A newer
// state for the same partition replaces a queued older one.
func (s *GossipService) BroadcastGenerationState(partitionID uint16, state *model.GenerationsState) {
	msg, err := s.encodeEnvelope(partitionID, state)
	if err != nil {
		s.logger.Error("Failed to encode generations state",
			zap.Uint16("partition_id", partitionID),
			zap.Error(err))
		return
	}
	s.broadcasts.QueueBroadcast(&stateBroadcast{partitionID: partitionID, msg: msg})
}

// QueuedBroadcasts returns the number of pending broadcasts
func (s *GossipService) QueuedBroadcasts() int {
	return s.broadcasts.NumQueued()
}

func (s *GossipService) encodeEnvelope(partitionID uint16, state *model.GenerationsState) ([]byte, error) {
	encoded, err := mvcc.EncodeGenerationsState(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateEnvelope{NodeID: s.nodeID, PartitionID: partitionID, State: encoded})
}

// apply folds a remote envelope into the matching local partition
func (s *GossipService) apply(env stateEnvelope) {
	if env.NodeID == s.nodeID {
		return
	}
	s.mu.RLock()
	target, ok := s.partitions[env.PartitionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	state, err := mvcc.DecodeGenerationsState(env.State)
	if err != nil {
		s.logger.Warn("Failed to decode generations state",
			zap.String("node_id", env.NodeID),
			zap.Uint16("partition_id", env.PartitionID),
			zap.Error(err))
		return
	}
	if err := target.OnRemoteGenerationState(env.NodeID, state); err != nil {
		return
	}
	s.logger.Debug("Merged remote generations state",
		zap.String("node_id", env.NodeID),
		zap.Uint16("partition_id", env.PartitionID),
		zap.Uint64("completed_generation", uint64(state.CompletedGeneration)),
		zap.Uint64("min_active_generation", uint64(state.MinActiveGeneration)))
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.metrics.RecordGossipMessage("in")
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.apply(env)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	msgs := s.broadcasts.GetBroadcasts(overhead, limit)
	for range msgs {
		s.metrics.RecordGossipMessage("out")
	}
	return msgs
}

// LocalState implements memberlist.Delegate; push/pull carries every
// partition's current state
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	managers := make([]*mvcc.GenerationsStateManager, 0, len(s.partitions))
	for _, m := range s.partitions {
		managers = append(managers, m)
	}
	s.mu.RUnlock()

	envelopes := make([]json.RawMessage, 0, len(managers))
	for _, m := range managers {
		msg, err := s.encodeEnvelope(m.PartitionID(), m.State())
		if err != nil {
			s.logger.Error("Failed to encode local state", zap.Uint16("partition_id", m.PartitionID()), zap.Error(err))
			continue
		}
		envelopes = append(envelopes, msg)
	}
	data, _ := json.Marshal(envelopes)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	var envelopes []stateEnvelope
	if err := json.Unmarshal(buf, &envelopes); err != nil {
		s.logger.Warn("Failed to unmarshal remote state", zap.Bool("join", join), zap.Error(err))
		return
	}
	for _, env := range envelopes {
		s.apply(env)
	}
}

// forget drops a departed node from every partition
func (s *GossipService) forget(nodeID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.partitions {
		m.ForgetNode(nodeID)
	}
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	s.mu.RLock()
	ml := s.memberlist
	s.mu.RUnlock()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return ml.Shutdown()
}

// stateBroadcast is a queued generations state of one partition
type stateBroadcast struct {
	partitionID uint16
	msg         []byte
}

func (b *stateBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*stateBroadcast)
	return ok && o.partitionID == b.partitionID
}

func (b *stateBroadcast) Message() []byte {
	return b.msg
}

func (b *stateBroadcast) Finished() {}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.metrics.UpdateGossipMembers(int(d.service.members.Add(1)))
}

// NotifyLeave is called when a node leaves. Its watermarks no longer hold
// anything back.
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.forget(node.Name)
	d.service.metrics.UpdateGossipMembers(int(d.service.members.Add(-1)))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}

package service

import (
	"encoding/json"
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/mvcc"
	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGossipNode(t *testing.T, nodeID string, partitionIDs ...uint16) (*GossipService, map[uint16]*mvcc.GenerationsStateManager) {
	t.Helper()
	gs := NewGossipService(&GossipConfig{RetransmitMult: 2}, nodeID,
		metrics.NewMetrics(nodeID, prometheus.NewRegistry()), zap.NewNop())
	managers := make(map[uint16]*mvcc.GenerationsStateManager)
	for _, pid := range partitionIDs {
		m := mvcc.NewGenerationsStateManager(pid, mvcc.NewGenerationClock(0), nil, zap.NewNop())
		gs.Register(m)
		managers[pid] = m
	}
	return gs, managers
}

func commit(t *testing.T, m *mvcc.GenerationsStateManager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.AdvanceCompleted(m.BeginGeneration()))
	}
}

func deliver(from, to *GossipService) int {
	msgs := from.GetBroadcasts(0, 64*1024)
	for _, msg := range msgs {
		to.NotifyMsg(msg)
	}
	return len(msgs)
}

func TestGossip_BroadcastFoldsRemoteState(t *testing.T) {
	a, am := newGossipNode(t, "node-a", 1)
	b, bm := newGossipNode(t, "node-b", 1)

	commit(t, bm[1], 5)
	commit(t, am[1], 2)

	// newer states for the same partition replace queued ones
	assert.Equal(t, 1, a.QueuedBroadcasts())
	require.Equal(t, 1, deliver(a, b))

	assert.Equal(t, []string{"node-a"}, bm[1].RemoteNodes())
	assert.Equal(t, model.GenerationID(5), bm[1].Completed())
	assert.Equal(t, model.GenerationID(2), bm[1].ClusterCompleted())
	assert.Equal(t, model.GenerationID(2), bm[1].ClusterMinActive())
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.GossipMessagesTotal.WithLabelValues("in")))
}

func TestGossip_IgnoresOwnAndUnknownPartitions(t *testing.T) {
	a, am := newGossipNode(t, "node-a", 1, 2)
	b, bm := newGossipNode(t, "node-b", 1)

	commit(t, am[1], 1)
	commit(t, am[2], 1)
	msgs := a.GetBroadcasts(0, 64*1024)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		a.NotifyMsg(msg)
		b.NotifyMsg(msg)
	}

	assert.Empty(t, am[1].RemoteNodes())
	assert.Equal(t, []string{"node-a"}, bm[1].RemoteNodes())
}

func TestGossip_RejectsMalformedMessages(t *testing.T) {
	b, bm := newGossipNode(t, "node-b", 1)

	b.NotifyMsg([]byte("not json"))
	bad, err := json.Marshal(stateEnvelope{NodeID: "node-a", PartitionID: 1, State: []byte{0x01, 0x02}})
	require.NoError(t, err)
	b.NotifyMsg(bad)

	assert.Empty(t, bm[1].RemoteNodes())
}

func TestGossip_PushPullAndLeave(t *testing.T) {
	a, am := newGossipNode(t, "node-a", 1, 2)
	b, bm := newGossipNode(t, "node-b", 1, 2)
	commit(t, am[1], 3)
	commit(t, bm[1], 4)
	commit(t, bm[2], 4)

	b.MergeRemoteState(a.LocalState(true), true)
	assert.Equal(t, []string{"node-a"}, bm[1].RemoteNodes())
	assert.Equal(t, []string{"node-a"}, bm[2].RemoteNodes())
	assert.Equal(t, model.GenerationID(0), bm[2].ClusterCompleted())

	events := &GossipEventDelegate{service: b}
	events.NotifyJoin(&memberlist.Node{Name: "node-a"})
	events.NotifyLeave(&memberlist.Node{Name: "node-a"})

	assert.Empty(t, bm[1].RemoteNodes())
	assert.Equal(t, model.GenerationID(4), bm[2].ClusterCompleted())
	assert.Equal(t, []string{"node-b"}, b.Members())
}

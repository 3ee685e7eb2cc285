package mvcc_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holder(id string, g model.GenerationID, data string) *model.EntryHolder {
	return model.NewEntryHolder(id, []byte(data), g, false)
}

func TestVersionChain_InstallLifecycle(t *testing.T) {
	chain := mvcc.NewVersionChain("k1")
	assert.Equal(t, mvcc.ChainEmpty, chain.State())
	assert.Nil(t, chain.Active())

	v1 := holder("k1", 1, "a")
	require.True(t, chain.Install(nil, v1))
	assert.Equal(t, mvcc.ChainActive, chain.State())
	assert.Same(t, v1, chain.Active())

	v2 := holder("k1", 2, "b")
	require.True(t, chain.Install(v1, v2))
	assert.Equal(t, model.GenerationID(2), v1.OverwritingGeneration())
	assert.True(t, v2.IsActive())
	assert.Equal(t, 2, chain.Len())

	// stale writer still holding v1
	v3 := holder("k1", 3, "c")
	assert.False(t, chain.Install(v1, v3))
	assert.Equal(t, 2, chain.Len())
}

func TestVersionChain_SecondInsertIntoEmptyChainLoses(t *testing.T) {
	chain := mvcc.NewVersionChain("k1")
	require.True(t, chain.Install(nil, holder("k1", 1, "a")))
	assert.False(t, chain.Install(nil, holder("k1", 2, "b")))
}

func TestVersionChain_ExactlyOneWriterSupersedes(t *testing.T) {
	for round := 0; round < 50; round++ {
		chain := mvcc.NewVersionChain("hot")
		base := holder("hot", 1, "base")
		require.True(t, chain.Install(nil, base))

		const writers = 32
		var winners atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(g model.GenerationID) {
				defer wg.Done()
				<-start
				if chain.Install(base, holder("hot", g, "w")) {
					winners.Add(1)
				}
			}(model.GenerationID(i + 2))
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), winners.Load())
		require.Equal(t, 2, chain.Len())
		assert.Equal(t, chain.Tail().CreationGeneration, base.OverwritingGeneration())
	}
}

func TestVersionChain_VisibleAtReturnsExactlyOneVersion(t *testing.T) {
	chain := mvcc.NewVersionChain("k")
	var prev *model.EntryHolder
	for g := model.GenerationID(2); g <= 10; g += 2 {
		h := holder("k", g, "v")
		require.True(t, chain.Install(prev, h))
		prev = h
	}

	assert.Nil(t, chain.VisibleAt(1))
	for snapshot := model.GenerationID(2); snapshot <= 12; snapshot++ {
		visible := 0
		for _, h := range chain.Versions() {
			if h.VisibleAt(snapshot) {
				visible++
			}
		}
		require.Equal(t, 1, visible, "snapshot %d", snapshot)

		h := chain.VisibleAt(snapshot)
		require.NotNil(t, h)
		expected := snapshot
		if expected%2 == 1 {
			expected--
		}
		if expected > 10 {
			expected = 10
		}
		assert.Equal(t, expected, h.CreationGeneration, "snapshot %d", snapshot)
	}
}

func TestVersionChain_DiscardRestoresPredecessor(t *testing.T) {
	chain := mvcc.NewVersionChain("k")
	v1 := holder("k", 1, "a")
	v2 := holder("k", 2, "b")
	require.True(t, chain.Install(nil, v1))
	require.True(t, chain.Install(v1, v2))

	removed := chain.Discard(2)
	require.Len(t, removed, 1)
	assert.Same(t, v2, removed[0])
	assert.Same(t, v1, chain.Active())
	assert.Equal(t, 1, chain.Len())
}

func TestVersionChain_CompactKeepsNewest(t *testing.T) {
	chain := mvcc.NewVersionChain("k")
	var prev *model.EntryHolder
	for g := model.GenerationID(1); g <= 4; g++ {
		h := holder("k", g, "v")
		require.True(t, chain.Install(prev, h))
		prev = h
	}

	removed := chain.Compact(func(h *model.EntryHolder) bool {
		return h.OverwritingGeneration() <= 3
	})
	assert.Len(t, removed, 2)
	require.Equal(t, 2, chain.Len())
	assert.Equal(t, model.GenerationID(3), chain.Versions()[0].CreationGeneration)

	removed = chain.Compact(func(*model.EntryHolder) bool { return true })
	assert.Len(t, removed, 1)
	require.Equal(t, 1, chain.Len())
	assert.Same(t, prev, chain.Active())
}

func TestVersionChain_RetireOnlySealsLoneTombstone(t *testing.T) {
	chain := mvcc.NewVersionChain("k")
	live := holder("k", 1, "a")
	require.True(t, chain.Install(nil, live))
	assert.False(t, chain.Retire())

	tomb := model.NewEntryHolder("k", nil, 2, true)
	require.True(t, chain.Install(live, tomb))
	assert.False(t, chain.Retire(), "two versions remain")

	chain.Compact(func(*model.EntryHolder) bool { return true })
	require.True(t, chain.Retire())
	assert.True(t, chain.IsRetired())
	assert.Equal(t, mvcc.ChainPending, chain.State())
	assert.False(t, chain.Install(tomb, holder("k", 3, "late")))
}

func TestVersionChain_MetaDataIsACopy(t *testing.T) {
	chain := mvcc.NewVersionChain("k")
	v1 := holder("k", 1, "a")
	require.True(t, chain.Install(nil, v1))

	md := chain.MetaData()
	require.True(t, chain.Install(v1, holder("k", 2, "b")))

	assert.Len(t, md.Versions, 1)
	assert.Equal(t, "k", md.ID)
	snap := md.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.GenerationID(2), snap[0].OverwritingGeneration)
}

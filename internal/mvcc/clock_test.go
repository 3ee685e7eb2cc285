package mvcc_test

import (
	"sync"
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationClock_NextGeneration(t *testing.T) {
	clock := mvcc.NewGenerationClock(0)

	assert.Equal(t, model.GenerationID(1), clock.NextGeneration())
	assert.Equal(t, model.GenerationID(2), clock.NextGeneration())
	assert.Equal(t, model.GenerationID(2), clock.Current())
}

func TestGenerationClock_ConcurrentCallersNeverSeeDuplicates(t *testing.T) {
	clock := mvcc.NewGenerationClock(100)

	const workers = 16
	const perWorker = 1000

	results := make(chan model.GenerationID, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last model.GenerationID
			for j := 0; j < perWorker; j++ {
				g := clock.NextGeneration()
				if g <= last {
					t.Errorf("generation went backwards: %d after %d", g, last)
				}
				last = g
				results <- g
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[model.GenerationID]struct{}, workers*perWorker)
	for g := range results {
		_, dup := seen[g]
		require.False(t, dup, "duplicate generation %d", g)
		assert.Greater(t, g, model.GenerationID(100))
		seen[g] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, model.GenerationID(100+workers*perWorker), clock.Current())
}

func TestGenerationClock_AdvanceToNeverLowers(t *testing.T) {
	clock := mvcc.NewGenerationClock(10)

	clock.AdvanceTo(5)
	assert.Equal(t, model.GenerationID(10), clock.Current())

	clock.AdvanceTo(42)
	assert.Equal(t, model.GenerationID(43), clock.NextGeneration())
}

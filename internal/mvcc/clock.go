// Package mvcc implements multi-version concurrency control for one
// partition: the generation clock, per-record version chains, write
// conflict detection and the generations state used for visibility and
// garbage collection.
package mvcc

import (
	"sync/atomic"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// GenerationClock issues strictly increasing generation ids. Each partition
// owns its own clock.
type GenerationClock struct {
	last atomic.Uint64
}

// NewGenerationClock creates a clock whose next generation is start+1
func NewGenerationClock(start model.GenerationID) *GenerationClock {
	c := &GenerationClock{}
	c.last.Store(uint64(start))
	return c
}

// NextGeneration atomically issues a new generation. Never blocks.
func (c *GenerationClock) NextGeneration() model.GenerationID {
	return model.GenerationID(c.last.Add(1))
}

// Current returns the last issued generation
func (c *GenerationClock) Current() model.GenerationID {
	return model.GenerationID(c.last.Load())
}

// AdvanceTo raises the clock to at least g, e.g. after recovering a
// watermark. It never lowers the clock.
func (c *GenerationClock) AdvanceTo(g model.GenerationID) {
	for {
		cur := c.last.Load()
		if uint64(g) <= cur {
			return
		}
		if c.last.CompareAndSwap(cur, uint64(g)) {
			return
		}
	}
}

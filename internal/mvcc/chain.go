package mvcc

import (
	"math"
	"sync/atomic"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// retiredGeneration seals a chain that is about to leave the index
const retiredGeneration = model.GenerationID(math.MaxUint64)

// ChainState describes the head of a version chain
type ChainState int

const (
	// ChainEmpty: no version was ever installed
	ChainEmpty ChainState = iota
	// ChainActive: the newest version is not superseded
	ChainActive
	// ChainPending: the newest version was superseded but its successor is
	// not published yet
	ChainPending
)

// VersionChain holds the versions of one logical record, oldest first.
//
// The slice is copy-on-write behind an atomic pointer, so readers never take
// a lock. Only the newest holder may be active; supersession is decided by a
// compare-and-swap on that holder's overwriting slot.
type VersionChain struct {
	id       string
	versions atomic.Pointer[[]*model.EntryHolder]
}

// NewVersionChain creates an empty chain for id
func NewVersionChain(id string) *VersionChain {
	c := &VersionChain{id: id}
	empty := make([]*model.EntryHolder, 0)
	c.versions.Store(&empty)
	return c
}

// ID returns the logical record id
func (c *VersionChain) ID() string {
	return c.id
}

// Versions returns an immutable snapshot of the chain, oldest first
func (c *VersionChain) Versions() []*model.EntryHolder {
	return *c.versions.Load()
}

// Len returns the number of versions held
func (c *VersionChain) Len() int {
	return len(*c.versions.Load())
}

// Tail returns the newest holder, or nil
func (c *VersionChain) Tail() *model.EntryHolder {
	v := *c.versions.Load()
	if len(v) == 0 {
		return nil
	}
	return v[len(v)-1]
}

// Active returns the newest holder if it has not been superseded
func (c *VersionChain) Active() *model.EntryHolder {
	tail := c.Tail()
	if tail == nil || !tail.IsActive() {
		return nil
	}
	return tail
}

// State reports the chain head state
func (c *VersionChain) State() ChainState {
	tail := c.Tail()
	switch {
	case tail == nil:
		return ChainEmpty
	case tail.IsActive():
		return ChainActive
	default:
		return ChainPending
	}
}

// VisibleAt returns the single version visible at snapshot, or nil
func (c *VersionChain) VisibleAt(snapshot model.GenerationID) *model.EntryHolder {
	v := *c.versions.Load()
	for i := len(v) - 1; i >= 0; i-- {
		if v[i].VisibleAt(snapshot) {
			return v[i]
		}
	}
	return nil
}

// MetaData lists the versions currently held
func (c *VersionChain) MetaData() *model.EntryMetaData {
	v := *c.versions.Load()
	out := make([]*model.EntryHolder, len(v))
	copy(out, v)
	return &model.EntryMetaData{ID: c.id, Versions: out}
}

// Install publishes holder as the newest version. expected is the active
// version the writer validated against, or nil for a first insert. It
// returns false when another writer superseded expected (or inserted into
// the empty chain) first; the caller must re-read before retrying.
func (c *VersionChain) Install(expected, holder *model.EntryHolder) bool {
	if expected != nil {
		if !expected.Supersede(holder.CreationGeneration) {
			return false
		}
		c.update(func(old []*model.EntryHolder) []*model.EntryHolder {
			next := make([]*model.EntryHolder, len(old), len(old)+1)
			copy(next, old)
			return append(next, holder)
		})
		return true
	}

	for {
		old := c.versions.Load()
		if len(*old) > 0 {
			return false
		}
		next := []*model.EntryHolder{holder}
		if c.versions.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// Discard removes the versions created by g and reactivates the version g
// had superseded. It returns the removed holders.
func (c *VersionChain) Discard(g model.GenerationID) []*model.EntryHolder {
	var removed []*model.EntryHolder
	c.update(func(old []*model.EntryHolder) []*model.EntryHolder {
		removed = removed[:0]
		next := make([]*model.EntryHolder, 0, len(old))
		for _, h := range old {
			if h.CreationGeneration == g {
				removed = append(removed, h)
				continue
			}
			next = append(next, h)
		}
		return next
	})
	for _, h := range c.Versions() {
		h.Reactivate(g)
	}
	return removed
}

// Compact drops superseded versions for which purgeable returns true. The
// newest version is never dropped here.
func (c *VersionChain) Compact(purgeable func(*model.EntryHolder) bool) []*model.EntryHolder {
	var removed []*model.EntryHolder
	c.update(func(old []*model.EntryHolder) []*model.EntryHolder {
		removed = removed[:0]
		if len(old) <= 1 {
			return old
		}
		next := make([]*model.EntryHolder, 0, len(old))
		last := len(old) - 1
		for i, h := range old {
			if i != last && !h.IsActive() && purgeable(h) {
				removed = append(removed, h)
				continue
			}
			next = append(next, h)
		}
		return next
	})
	return removed
}

// Retire seals a chain whose only version is an active remove marker so no
// writer can install over it. Writers racing with retirement observe a
// pending chain and conflict.
func (c *VersionChain) Retire() bool {
	v := *c.versions.Load()
	if len(v) != 1 || !v[0].LogicalDeleted {
		return false
	}
	return v[0].Supersede(retiredGeneration)
}

// IsRetired reports whether Retire succeeded on this chain
func (c *VersionChain) IsRetired() bool {
	tail := c.Tail()
	return tail != nil && tail.OverwritingGeneration() == retiredGeneration
}

func (c *VersionChain) update(fn func([]*model.EntryHolder) []*model.EntryHolder) {
	for {
		old := c.versions.Load()
		next := fn(*old)
		if c.versions.CompareAndSwap(old, &next) {
			return
		}
	}
}

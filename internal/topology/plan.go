package topology

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/devrev/pairdb/datagrid/internal/errors"
)

// PlanKind is the direction of a topology change
type PlanKind string

const (
	PlanKindScaleOut PlanKind = "scale_out"
	PlanKindScaleIn  PlanKind = "scale_in"
	PlanKindNoop     PlanKind = "noop"
)

// ScalePlan is the transition between two topologies: for every
// (source, destination) pair the exact chunks that change owner.
type ScalePlan struct {
	ID         string
	Kind       PlanKind
	Generation uint16
	CreatedAt  time.Time
	Current    *ClusterTopology
	New        *ClusterTopology

	moves map[uint16]map[uint16]*roaring.Bitmap
}

// ChunkTransfer is one entry of the move map
type ChunkTransfer struct {
	Source      uint16   `json:"source_partition_id"`
	Destination uint16   `json:"destination_partition_id"`
	Chunks      []uint32 `json:"chunks"`
}

func (p *ScalePlan) addMove(src, dst uint16, chunk uint32) {
	if p.moves == nil {
		p.moves = make(map[uint16]map[uint16]*roaring.Bitmap)
	}
	byDst, ok := p.moves[src]
	if !ok {
		byDst = make(map[uint16]*roaring.Bitmap)
		p.moves[src] = byDst
	}
	bm, ok := byDst[dst]
	if !ok {
		bm = roaring.New()
		byDst[dst] = bm
	}
	bm.Add(chunk)
}

// ChunksMoved returns a copy of the chunks moving from src to dst
func (p *ScalePlan) ChunksMoved(src, dst uint16) *roaring.Bitmap {
	if bm, ok := p.moves[src][dst]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// MovedInto counts the chunks a partition receives
func (p *ScalePlan) MovedInto(dst uint16) int {
	n := 0
	for _, byDst := range p.moves {
		if bm, ok := byDst[dst]; ok {
			n += int(bm.GetCardinality())
		}
	}
	return n
}

// MovedOutOf counts the chunks a partition gives away
func (p *ScalePlan) MovedOutOf(src uint16) int {
	n := 0
	for _, bm := range p.moves[src] {
		n += int(bm.GetCardinality())
	}
	return n
}

// TotalMoved counts every chunk that changes owner
func (p *ScalePlan) TotalMoved() int {
	n := 0
	for src := range p.moves {
		n += p.MovedOutOf(src)
	}
	return n
}

// MoveMap returns the per-partition move map with sorted chunk lists
func (p *ScalePlan) MoveMap() map[uint16]map[uint16][]uint32 {
	out := make(map[uint16]map[uint16][]uint32, len(p.moves))
	for src, byDst := range p.moves {
		out[src] = make(map[uint16][]uint32, len(byDst))
		for dst, bm := range byDst {
			out[src][dst] = bm.ToArray()
		}
	}
	return out
}

// Transfers lists the move map ordered by source, then destination
func (p *ScalePlan) Transfers() []ChunkTransfer {
	transfers := make([]ChunkTransfer, 0)
	for src, byDst := range p.moves {
		for dst, bm := range byDst {
			transfers = append(transfers, ChunkTransfer{Source: src, Destination: dst, Chunks: bm.ToArray()})
		}
	}
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].Source != transfers[j].Source {
			return transfers[i].Source < transfers[j].Source
		}
		return transfers[i].Destination < transfers[j].Destination
	})
	return transfers
}

// Validate checks the plan against both topologies: every destination
// receives exactly its deficit, every source gives exactly its surplus, each
// moved chunk is owned by its source before and its destination after, and
// no chunk moves twice.
func (p *ScalePlan) Validate() error {
	if p.Current == nil || p.New == nil {
		return errors.InternalError("scale plan is missing a topology", nil)
	}
	if p.Current.ChunkCount() != p.New.ChunkCount() {
		return errors.InternalError(fmt.Sprintf("chunk count changed from %d to %d",
			p.Current.ChunkCount(), p.New.ChunkCount()), nil)
	}

	chunkCount := p.New.ChunkCount()
	n := p.New.NumberOfInstances()
	maxID := n
	if p.Current.NumberOfInstances() > maxID {
		maxID = p.Current.NumberOfInstances()
	}

	for pid := 1; pid <= maxID; pid++ {
		current := p.Current.ChunkCountOf(pid)
		target := p.New.ChunkCountOf(pid)
		if want := TargetChunkCount(pid, n, chunkCount); target != want {
			return planViolation(fmt.Sprintf("partition %d owns %d chunks, even share is %d", pid, target, want))
		}
		if got, want := p.MovedInto(uint16(pid)), positive(target-current); got != want {
			return planViolation(fmt.Sprintf("partition %d receives %d chunks, deficit is %d", pid, got, want))
		}
		if got, want := p.MovedOutOf(uint16(pid)), positive(current-target); got != want {
			return planViolation(fmt.Sprintf("partition %d gives %d chunks, surplus is %d", pid, got, want))
		}
	}

	seen := roaring.New()
	for _, t := range p.Transfers() {
		for _, chunk := range t.Chunks {
			if !seen.CheckedAdd(chunk) {
				return planViolation(fmt.Sprintf("chunk %d is moved more than once", chunk))
			}
			if owner, _ := p.Current.PartitionOf(chunk); owner != t.Source {
				return planViolation(fmt.Sprintf("chunk %d moves from %d but is owned by %d", chunk, t.Source, owner))
			}
			if owner, _ := p.New.PartitionOf(chunk); owner != t.Destination {
				return planViolation(fmt.Sprintf("chunk %d moves to %d but ends up on %d", chunk, t.Destination, owner))
			}
		}
	}

	// chunks outside the move map keep their owner
	for chunk := 0; chunk < chunkCount; chunk++ {
		if seen.Contains(uint32(chunk)) {
			continue
		}
		before, _ := p.Current.PartitionOf(uint32(chunk))
		after, _ := p.New.PartitionOf(uint32(chunk))
		if before != after {
			return planViolation(fmt.Sprintf("chunk %d changes owner outside the plan", chunk))
		}
	}
	return nil
}

func planViolation(msg string) *errors.GridError {
	return errors.InternalError("scale plan invariant violated: "+msg, nil)
}

func positive(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

type planJSON struct {
	ID         string           `json:"plan_id"`
	Kind       PlanKind         `json:"kind"`
	Generation uint16           `json:"generation"`
	CreatedAt  time.Time        `json:"created_at"`
	Current    *ClusterTopology `json:"current_topology"`
	New        *ClusterTopology `json:"new_topology"`
	TotalMoved int              `json:"total_moved"`
	Moves      []ChunkTransfer  `json:"moves"`
}

// MarshalJSON encodes the plan with its move map as an ordered list
func (p *ScalePlan) MarshalJSON() ([]byte, error) {
	return json.Marshal(planJSON{
		ID:         p.ID,
		Kind:       p.Kind,
		Generation: p.Generation,
		CreatedAt:  p.CreatedAt,
		Current:    p.Current,
		New:        p.New,
		TotalMoved: p.TotalMoved(),
		Moves:      p.Transfers(),
	})
}

// UnmarshalJSON restores a stored plan
func (p *ScalePlan) UnmarshalJSON(data []byte) error {
	var raw planJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ScalePlan{
		ID:         raw.ID,
		Kind:       raw.Kind,
		Generation: raw.Generation,
		CreatedAt:  raw.CreatedAt,
		Current:    raw.Current,
		New:        raw.New,
	}
	for _, t := range raw.Moves {
		for _, chunk := range t.Chunks {
			p.addMove(t.Source, t.Destination, chunk)
		}
	}
	return nil
}

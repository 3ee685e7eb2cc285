// Package topology maps hash chunks to partitions and plans the chunk moves
// needed to change the number of partitions.
package topology

import (
	"encoding/json"
	"fmt"
	"math/bits"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/datagrid/internal/errors"
)

const (
	// DefaultChunkCount is the number of hash chunks (2^11)
	DefaultChunkCount = 2048

	// MaxPartitions is bounded by the 16-bit partition id on the wire
	MaxPartitions = 0xFFFF
)

// ClusterTopology is an immutable assignment of every chunk to a partition.
// Partition ids are 1-based.
type ClusterTopology struct {
	generation        uint16
	numberOfInstances int
	chunkToPartition  []uint16
	partitions        []*roaring.Bitmap // index partitionID-1
}

// NewClusterTopology distributes DefaultChunkCount chunks over
// numberOfInstances partitions
func NewClusterTopology(numberOfInstances int) (*ClusterTopology, error) {
	return NewClusterTopologyWithChunks(numberOfInstances, DefaultChunkCount, 0)
}

// NewClusterTopologyWithChunks distributes chunkCount chunks as evenly as
// possible: every partition gets chunkCount/n contiguous chunks and the first
// chunkCount%n partitions get one more.
func NewClusterTopologyWithChunks(numberOfInstances, chunkCount int, generation uint16) (*ClusterTopology, error) {
	if err := validateChunkCount(chunkCount); err != nil {
		return nil, err
	}
	if err := ValidateInstanceCount(numberOfInstances, chunkCount); err != nil {
		return nil, err
	}

	assignment := make([]uint16, chunkCount)
	chunk := 0
	for pid := 1; pid <= numberOfInstances; pid++ {
		for i := TargetChunkCount(pid, numberOfInstances, chunkCount); i > 0; i-- {
			assignment[chunk] = uint16(pid)
			chunk++
		}
	}
	return fromAssignment(generation, numberOfInstances, assignment), nil
}

func fromAssignment(generation uint16, numberOfInstances int, assignment []uint16) *ClusterTopology {
	t := &ClusterTopology{
		generation:        generation,
		numberOfInstances: numberOfInstances,
		chunkToPartition:  assignment,
		partitions:        make([]*roaring.Bitmap, numberOfInstances),
	}
	for i := range t.partitions {
		t.partitions[i] = roaring.New()
	}
	for chunk, pid := range assignment {
		t.partitions[pid-1].Add(uint32(chunk))
	}
	for _, bm := range t.partitions {
		bm.RunOptimize()
	}
	return t
}

func validateChunkCount(chunkCount int) error {
	if chunkCount <= 0 || bits.OnesCount(uint(chunkCount)) != 1 {
		return errors.InvalidArgument(fmt.Sprintf("chunk count %d is not a power of two", chunkCount), nil).
			WithDetail("chunk_count", chunkCount)
	}
	return nil
}

// ValidateInstanceCount rejects partition counts that would leave a
// partition without chunks
func ValidateInstanceCount(count, chunkCount int) error {
	limit := chunkCount
	if limit > MaxPartitions {
		limit = MaxPartitions
	}
	if count < 1 || count > limit {
		return errors.InvalidInstanceCount(count, limit)
	}
	return nil
}

// TargetChunkCount is the even-distribution share of partitionID
func TargetChunkCount(partitionID, numberOfInstances, chunkCount int) int {
	if partitionID < 1 || partitionID > numberOfInstances {
		return 0
	}
	share := chunkCount / numberOfInstances
	if partitionID <= chunkCount%numberOfInstances {
		share++
	}
	return share
}

// Generation returns the topology generation
func (t *ClusterTopology) Generation() uint16 {
	return t.generation
}

// NumberOfInstances returns the partition count
func (t *ClusterTopology) NumberOfInstances() int {
	return t.numberOfInstances
}

// ChunkCount returns the total number of chunks
func (t *ClusterTopology) ChunkCount() int {
	return len(t.chunkToPartition)
}

// PartitionChunks returns a copy of the chunks owned by partitionID; empty for
// unknown partitions
func (t *ClusterTopology) PartitionChunks(partitionID int) *roaring.Bitmap {
	if partitionID < 1 || partitionID > t.numberOfInstances {
		return roaring.New()
	}
	return t.partitions[partitionID-1].Clone()
}

// ChunkCountOf returns how many chunks partitionID owns
func (t *ClusterTopology) ChunkCountOf(partitionID int) int {
	if partitionID < 1 || partitionID > t.numberOfInstances {
		return 0
	}
	return int(t.partitions[partitionID-1].GetCardinality())
}

// PartitionOf returns the owner of chunk
func (t *ClusterTopology) PartitionOf(chunk uint32) (uint16, bool) {
	if int(chunk) >= len(t.chunkToPartition) {
		return 0, false
	}
	return t.chunkToPartition[chunk], true
}

// ChunkForKey hashes a key onto a chunk
func (t *ClusterTopology) ChunkForKey(key string) uint32 {
	return uint32(xxhash.Sum64String(key) & uint64(len(t.chunkToPartition)-1))
}

// PartitionForKey routes a key to its owning partition
func (t *ClusterTopology) PartitionForKey(key string) uint16 {
	return t.chunkToPartition[t.ChunkForKey(key)]
}

// Summary is the JSON view served to operators
type Summary struct {
	Generation        uint16         `json:"generation"`
	NumberOfInstances int            `json:"number_of_instances"`
	ChunkCount        int            `json:"chunk_count"`
	PartitionChunks   map[uint16]int `json:"partition_chunks"`
}

// Summary returns per-partition chunk counts
func (t *ClusterTopology) Summary() Summary {
	s := Summary{
		Generation:        t.generation,
		NumberOfInstances: t.numberOfInstances,
		ChunkCount:        len(t.chunkToPartition),
		PartitionChunks:   make(map[uint16]int, t.numberOfInstances),
	}
	for i, bm := range t.partitions {
		s.PartitionChunks[uint16(i+1)] = int(bm.GetCardinality())
	}
	return s
}

type topologyJSON struct {
	Generation        uint16   `json:"generation"`
	NumberOfInstances int      `json:"number_of_instances"`
	ChunkToPartition  []uint16 `json:"chunk_to_partition"`
}

// MarshalJSON encodes the full chunk assignment
func (t *ClusterTopology) MarshalJSON() ([]byte, error) {
	return json.Marshal(topologyJSON{
		Generation:        t.generation,
		NumberOfInstances: t.numberOfInstances,
		ChunkToPartition:  t.chunkToPartition,
	})
}

// UnmarshalJSON rebuilds a topology and checks every chunk has a valid owner
func (t *ClusterTopology) UnmarshalJSON(data []byte) error {
	var raw topologyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := validateChunkCount(len(raw.ChunkToPartition)); err != nil {
		return err
	}
	if err := ValidateInstanceCount(raw.NumberOfInstances, len(raw.ChunkToPartition)); err != nil {
		return err
	}
	for chunk, pid := range raw.ChunkToPartition {
		if pid < 1 || int(pid) > raw.NumberOfInstances {
			return errors.InvalidArgument(fmt.Sprintf("chunk %d assigned to unknown partition %d", chunk, pid), nil)
		}
	}
	*t = *fromAssignment(raw.Generation, raw.NumberOfInstances, raw.ChunkToPartition)
	return nil
}

package model

// PartitionGeneration is the topology generation a partition was assigned
type PartitionGeneration struct {
	PartitionID uint16 `json:"partition_id"`
	Generation  uint16 `json:"generation"`
}

// GenerationsState is a partition's view of MVCC progress, as broadcast to
// the rest of the cluster.
//
// Invariants: MinActiveGeneration <= CompletedGeneration, and every entry of
// UncompletedGenerations is greater than CompletedGeneration.
type GenerationsState struct {
	CompletedGeneration    GenerationID          `json:"completed_generation"`
	MinActiveGeneration    GenerationID          `json:"min_active_generation"`
	UncompletedGenerations []GenerationID        `json:"uncompleted_generations"` // ascending
	MaxTopologyGeneration  uint16                `json:"max_topology_generation"`
	PartitionGenerations   []PartitionGeneration `json:"partition_generations"` // ascending by partition
}

// IsUncompleted reports whether g is still in flight
func (s *GenerationsState) IsUncompleted(g GenerationID) bool {
	for _, u := range s.UncompletedGenerations {
		if u == g {
			return true
		}
		if u > g {
			return false
		}
	}
	return false
}

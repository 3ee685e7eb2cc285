package topology

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/google/uuid"
)

// CreateScaleOutPlan adds numberOfNewInstances partitions to current
func CreateScaleOutPlan(current *ClusterTopology, numberOfNewInstances int, generation int) (*ScalePlan, error) {
	if numberOfNewInstances < 1 {
		return nil, errors.InvalidInstanceCount(numberOfNewInstances, current.ChunkCount()-current.NumberOfInstances()).
			WithDetail("reason", "scale-out needs at least one new instance")
	}
	return CreatePlan(current, current.NumberOfInstances()+numberOfNewInstances, generation)
}

// CreateScaleInPlan removes the numberOfRemovedInstances highest partitions
func CreateScaleInPlan(current *ClusterTopology, numberOfRemovedInstances int, generation int) (*ScalePlan, error) {
	if numberOfRemovedInstances < 1 || numberOfRemovedInstances >= current.NumberOfInstances() {
		return nil, errors.InvalidInstanceCount(current.NumberOfInstances()-numberOfRemovedInstances, current.ChunkCount()).
			WithDetail("reason", "scale-in must keep at least one instance")
	}
	return CreatePlan(current, current.NumberOfInstances()-numberOfRemovedInstances, generation)
}

// CreatePlan computes the moves that take current to targetInstanceCount
// partitions. The result depends only on the inputs.
//
// Every partition with more chunks than its even share donates its highest
// chunk indices first. Donors are walked in ascending partition id and fill
// the receivers' deficits in ascending partition id. Partitions above
// targetInstanceCount have a share of zero and donate everything.
func CreatePlan(current *ClusterTopology, targetInstanceCount int, generation int) (*ScalePlan, error) {
	if current == nil {
		return nil, errors.InvalidArgument("current topology is required", nil)
	}
	if err := ValidateInstanceCount(targetInstanceCount, current.ChunkCount()); err != nil {
		return nil, err
	}
	if err := ValidateGeneration(generation, current.Generation()); err != nil {
		return nil, err
	}

	kind := PlanKindNoop
	switch {
	case targetInstanceCount > current.NumberOfInstances():
		kind = PlanKindScaleOut
	case targetInstanceCount < current.NumberOfInstances():
		kind = PlanKindScaleIn
	}

	plan := &ScalePlan{
		ID:         uuid.New().String(),
		Kind:       kind,
		Generation: uint16(generation),
		CreatedAt:  time.Now(),
		Current:    current,
	}

	chunkCount := current.ChunkCount()
	maxID := targetInstanceCount
	if current.NumberOfInstances() > maxID {
		maxID = current.NumberOfInstances()
	}

	type receiver struct {
		partitionID uint16
		need        int
	}
	receivers := make([]receiver, 0)
	for pid := 1; pid <= maxID; pid++ {
		deficit := TargetChunkCount(pid, targetInstanceCount, chunkCount) - current.ChunkCountOf(pid)
		if deficit > 0 {
			receivers = append(receivers, receiver{partitionID: uint16(pid), need: deficit})
		}
	}

	assignment := make([]uint16, chunkCount)
	copy(assignment, current.chunkToPartition)

	next := 0
	for pid := 1; pid <= maxID; pid++ {
		surplus := current.ChunkCountOf(pid) - TargetChunkCount(pid, targetInstanceCount, chunkCount)
		if surplus <= 0 {
			continue
		}
		it := current.partitions[pid-1].ReverseIterator()
		for ; surplus > 0 && it.HasNext(); surplus-- {
			if next >= len(receivers) {
				return nil, planViolation(fmt.Sprintf("partition %d has surplus but no receiver is short", pid))
			}
			r := &receivers[next]
			chunk := it.Next()
			plan.addMove(uint16(pid), r.partitionID, chunk)
			assignment[chunk] = r.partitionID
			if r.need--; r.need == 0 {
				next++
			}
		}
	}
	if next != len(receivers) {
		return nil, planViolation(fmt.Sprintf("%d receivers left short", len(receivers)-next))
	}

	plan.New = fromAssignment(uint16(generation), targetInstanceCount, assignment)
	return plan, nil
}

// ValidateGeneration requires a 16-bit topology generation above the current one
func ValidateGeneration(generation int, current uint16) error {
	if generation < 0 || generation > 0xFFFF {
		return errors.InvalidGeneration(generation, "out of the 16-bit range")
	}
	if generation <= int(current) {
		return errors.InvalidGeneration(generation,
			fmt.Sprintf("must be greater than the current topology generation %d", current))
	}
	return nil
}

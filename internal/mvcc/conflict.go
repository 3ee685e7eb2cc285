package mvcc

import (
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// ConflictPolicy controls writes on top of state that is not yet completed
// cluster-wide
type ConflictPolicy string

const (
	// PolicyRetry reports such writes as a retryable conflict
	PolicyRetry ConflictPolicy = "retry"
	// PolicyStrict forbids them outright
	PolicyStrict ConflictPolicy = "strict"
)

// Decision is the verdict of a write check
type Decision int

const (
	Proceed Decision = iota
	RetryLater
	Conflict
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case RetryLater:
		return "retry_later"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// WriteRequest describes a proposed write
type WriteRequest struct {
	Op             model.OperationType
	ID             string
	Generation     model.GenerationID // generation issued to this write
	ReadGeneration model.GenerationID // snapshot the writer based its write on
}

// Outcome is the typed result of CheckWrite. Expected is the version the
// write must supersede (nil for a first insert).
type Outcome struct {
	Decision Decision
	Expected *model.EntryHolder
	Err      *errors.GridError
}

// GenerationsView is the part of the generations state the detector reads
type GenerationsView interface {
	IsUncompleted(g model.GenerationID) bool
	ExpiredBelow() model.GenerationID
	ClusterCompleted() model.GenerationID
}

// ConflictDetector decides whether a write may proceed against a chain
type ConflictDetector struct {
	policy ConflictPolicy
}

// NewConflictDetector creates a detector; an unknown policy means retry
func NewConflictDetector(policy ConflictPolicy) *ConflictDetector {
	if policy != PolicyStrict {
		policy = PolicyRetry
	}
	return &ConflictDetector{policy: policy}
}

// Policy returns the configured policy
func (d *ConflictDetector) Policy() ConflictPolicy {
	return d.policy
}

// CheckWrite validates req against the chain head. It never blocks and never
// retries; retry is the caller's decision.
func (d *ConflictDetector) CheckWrite(req WriteRequest, chain *VersionChain, state GenerationsView) Outcome {
	tail := chain.Tail()

	if req.Op == model.OperationTypeInsert {
		return d.checkInsert(req, tail, state)
	}
	return d.checkModify(req, tail, state)
}

func (d *ConflictDetector) checkInsert(req WriteRequest, tail *model.EntryHolder, state GenerationsView) Outcome {
	switch {
	case tail == nil:
		return Outcome{Decision: Proceed}
	case !tail.IsActive():
		// superseded, successor not yet published
		return retryLater(req.ID, tail.OverwritingGeneration())
	case state.IsUncompleted(tail.CreationGeneration):
		// an in-flight remove may still be reverted
		return retryLater(req.ID, tail.CreationGeneration)
	case tail.LogicalDeleted:
		return Outcome{Decision: Proceed, Expected: tail}
	default:
		return conflict(errors.EntryAlreadyExists(req.ID, uint64(tail.CreationGeneration)))
	}
}

func (d *ConflictDetector) checkModify(req WriteRequest, tail *model.EntryHolder, state GenerationsView) Outcome {
	if expired := state.ExpiredBelow(); req.ReadGeneration < expired {
		return conflict(errors.ReadExpiredGeneration(uint64(req.ReadGeneration), uint64(expired)))
	}
	if tail == nil {
		return conflict(errors.EntryNotFound(req.ID))
	}
	if !tail.IsActive() {
		return conflict(errors.EntryModifyConflict(req.ID, uint64(tail.CreationGeneration), uint64(req.Generation),
			fmt.Sprintf("superseded by in-flight generation %d", tail.OverwritingGeneration())))
	}
	if tail.CreationGeneration > req.ReadGeneration {
		reason := fmt.Sprintf("committed after read generation %d", req.ReadGeneration)
		if state.IsUncompleted(tail.CreationGeneration) {
			reason = fmt.Sprintf("created by uncompleted generation %d after read generation %d",
				tail.CreationGeneration, req.ReadGeneration)
		}
		return conflict(errors.EntryModifyConflict(req.ID, uint64(tail.CreationGeneration), uint64(req.Generation), reason))
	}
	if tail.LogicalDeleted {
		return conflict(errors.EntryNotFound(req.ID))
	}
	if clusterCompleted := state.ClusterCompleted(); tail.CreationGeneration > clusterCompleted {
		return conflict(errors.ModifyOnUncompletedGeneration(req.ID, uint64(tail.CreationGeneration),
			uint64(clusterCompleted), d.policy == PolicyStrict))
	}
	return Outcome{Decision: Proceed, Expected: tail}
}

func retryLater(id string, pending model.GenerationID) Outcome {
	return Outcome{Decision: RetryLater, Err: errors.RetryLater(id, uint64(pending))}
}

func conflict(err *errors.GridError) Outcome {
	return Outcome{Decision: Conflict, Err: err}
}

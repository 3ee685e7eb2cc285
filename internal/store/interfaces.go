package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/topology"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// VersionRecord is the persisted form of one entry version
type VersionRecord struct {
	PartitionID        uint16             `json:"partition_id"`
	ID                 string             `json:"id"`
	Data               []byte             `json:"data,omitempty"`
	CreationGeneration model.GenerationID `json:"creation_generation"`
	LogicalDeleted     bool               `json:"logical_deleted"`
	Timestamp          time.Time          `json:"timestamp"`
}

// NewVersionRecord captures a holder for persistence
func NewVersionRecord(partitionID uint16, h *model.EntryHolder) VersionRecord {
	return VersionRecord{
		PartitionID:        partitionID,
		ID:                 h.ID,
		Data:               h.Data,
		CreationGeneration: h.CreationGeneration,
		LogicalDeleted:     h.LogicalDeleted,
		Timestamp:          time.Now(),
	}
}

type versionKey struct {
	partitionID uint16
	id          string
	generation  model.GenerationID
}

func keyOf(r VersionRecord) versionKey {
	return versionKey{partitionID: r.PartitionID, id: r.ID, generation: r.CreationGeneration}
}

// VersionStore persists entry versions
type VersionStore interface {
	PersistVersion(ctx context.Context, partitionID uint16, h *model.EntryHolder) error
	PurgeVersion(ctx context.Context, partitionID uint16, id string, creation model.GenerationID) error
	// Replay calls fn for every live version, oldest generation first per id
	Replay(ctx context.Context, fn func(VersionRecord) error) error
	Close() error
}

// PlanStore keeps computed scale plans until they are applied
type PlanStore interface {
	SavePlan(ctx context.Context, plan *topology.ScalePlan) error
	GetPlan(ctx context.Context, planID string) (*topology.ScalePlan, error)
	Close() error
}

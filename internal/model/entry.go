package model

import "sync/atomic"

// GenerationID is the MVCC timestamp. Zero is never issued.
type GenerationID uint64

// NoGeneration marks an absent generation (an active version slot)
const NoGeneration GenerationID = 0

// OperationType defines the type of write operation
type OperationType string

const (
	OperationTypeInsert OperationType = "insert"
	OperationTypeUpdate OperationType = "update"
	OperationTypeRemove OperationType = "remove"
)

// Valid reports whether op is a known write operation
func (op OperationType) Valid() bool {
	switch op {
	case OperationTypeInsert, OperationTypeUpdate, OperationTypeRemove:
		return true
	}
	return false
}

// EntryHolder is one version of a logical record. Everything except the
// overwriting slot is immutable once the holder is published.
type EntryHolder struct {
	ID                 string
	Data               []byte
	CreationGeneration GenerationID
	LogicalDeleted     bool // True if this version is a remove marker

	// 0 = active, otherwise the generation that superseded this version
	overwriting atomic.Uint64
}

// NewEntryHolder creates an active version
func NewEntryHolder(id string, data []byte, creation GenerationID, deleted bool) *EntryHolder {
	return &EntryHolder{
		ID:                 id,
		Data:               data,
		CreationGeneration: creation,
		LogicalDeleted:     deleted,
	}
}

// OverwritingGeneration returns the superseding generation, or NoGeneration
// while the holder is still the newest version.
func (h *EntryHolder) OverwritingGeneration() GenerationID {
	return GenerationID(h.overwriting.Load())
}

// IsActive reports whether no generation has superseded this version
func (h *EntryHolder) IsActive() bool {
	return h.overwriting.Load() == uint64(NoGeneration)
}

// Supersede marks the holder as overwritten by g. Exactly one caller wins;
// the rest get false.
func (h *EntryHolder) Supersede(g GenerationID) bool {
	return h.overwriting.CompareAndSwap(uint64(NoGeneration), uint64(g))
}

// Reactivate undoes a supersession by g (used when g is reverted)
func (h *EntryHolder) Reactivate(g GenerationID) bool {
	return h.overwriting.CompareAndSwap(uint64(g), uint64(NoGeneration))
}

// VisibleAt is the snapshot-isolation predicate
func (h *EntryHolder) VisibleAt(snapshot GenerationID) bool {
	if h.CreationGeneration > snapshot {
		return false
	}
	over := h.OverwritingGeneration()
	return over == NoGeneration || over > snapshot
}

// EntryVersion is a point-in-time copy of a holder, safe to serialize
type EntryVersion struct {
	ID                    string       `json:"id"`
	Data                  []byte       `json:"data,omitempty"`
	CreationGeneration    GenerationID `json:"creation_generation"`
	OverwritingGeneration GenerationID `json:"overwriting_generation,omitempty"`
	LogicalDeleted        bool         `json:"logical_deleted"`
}

// Version returns a serializable copy of the holder
func (h *EntryHolder) Version() EntryVersion {
	return EntryVersion{
		ID:                    h.ID,
		Data:                  h.Data,
		CreationGeneration:    h.CreationGeneration,
		OverwritingGeneration: h.OverwritingGeneration(),
		LogicalDeleted:        h.LogicalDeleted,
	}
}

// EntryMetaData lists the versions that exist for one id, oldest first
type EntryMetaData struct {
	ID       string         `json:"id"`
	Versions []*EntryHolder `json:"-"`
}

// Snapshot returns serializable copies of the listed versions
func (m *EntryMetaData) Snapshot() []EntryVersion {
	out := make([]EntryVersion, 0, len(m.Versions))
	for _, h := range m.Versions {
		out = append(out, h.Version())
	}
	return out
}

package validation

import (
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

const (
	// Size limits
	MaxIDSize   = 1024             // 1 KB
	MaxDataSize = 10 * 1024 * 1024 // 10 MB
)

// Validator validates requests before they reach a partition
type Validator struct {
	maxIDSize   int
	maxDataSize int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(MaxIDSize, MaxDataSize)
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxDataSize int) *Validator {
	return &Validator{
		maxIDSize:   maxIDSize,
		maxDataSize: maxDataSize,
	}
}

// ValidateWrite validates a write operation
func (v *Validator) ValidateWrite(op model.OperationType, id string, data []byte) error {
	if !op.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("unknown operation %q", op), nil)
	}
	if err := v.ValidateID(id); err != nil {
		return err
	}
	if op == model.OperationTypeRemove && len(data) > 0 {
		return errors.InvalidArgument("remove carries no data", nil)
	}
	return v.ValidateData(data)
}

// ValidateID validates an entry id
func (v *Validator) ValidateID(id string) error {
	if id == "" {
		return errors.InvalidArgument("entry id cannot be empty", nil)
	}
	if len(id) > v.maxIDSize {
		return errors.InvalidArgument(
			fmt.Sprintf("entry id exceeds maximum size of %d bytes", v.maxIDSize), nil).
			WithDetail("size", len(id))
	}
	if !utf8.ValidString(id) {
		return errors.InvalidArgument("entry id is not valid UTF-8", nil)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return errors.InvalidArgument("entry id must be printable", nil)
		}
	}
	return nil
}

// ValidateData validates an entry payload
func (v *Validator) ValidateData(data []byte) error {
	if len(data) > v.maxDataSize {
		return errors.InvalidArgument(
			fmt.Sprintf("data exceeds maximum size of %d bytes", v.maxDataSize), nil).
			WithDetail("size", len(data))
	}
	return nil
}

// ValidatePartitionID validates a partition id
func ValidatePartitionID(id int) error {
	if id < 1 || id > math.MaxUint16 {
		return errors.InvalidArgument(fmt.Sprintf("partition id %d must be between 1 and %d", id, math.MaxUint16), nil)
	}
	return nil
}

// ValidateScaleRequest validates a topology change request against a
// topology of chunkCount chunks
func ValidateScaleRequest(targetInstances, generation, chunkCount int) error {
	if targetInstances < 1 || targetInstances > chunkCount {
		return errors.InvalidInstanceCount(targetInstances, chunkCount)
	}
	if generation < 0 || generation > math.MaxUint16 {
		return errors.InvalidGeneration(generation, "generation must fit in 16 bits")
	}
	return nil
}

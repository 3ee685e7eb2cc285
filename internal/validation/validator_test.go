package validation_test

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/validation"
	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidateWrite(t *testing.T) {
	v := validation.NewValidator()

	tests := []struct {
		name    string
		op      model.OperationType
		id      string
		data    []byte
		wantErr bool
	}{
		{"insert", model.OperationTypeInsert, "user:1", []byte("x"), false},
		{"update without data", model.OperationTypeUpdate, "user:1", nil, false},
		{"remove", model.OperationTypeRemove, "user:1", nil, false},
		{"remove with data", model.OperationTypeRemove, "user:1", []byte("x"), true},
		{"unknown op", model.OperationType("upsert"), "user:1", nil, true},
		{"empty id", model.OperationTypeInsert, "", nil, true},
		{"id too long", model.OperationTypeInsert, strings.Repeat("a", validation.MaxIDSize+1), nil, true},
		{"id at limit", model.OperationTypeInsert, strings.Repeat("a", validation.MaxIDSize), nil, false},
		{"control character", model.OperationTypeInsert, "a\x00b", nil, true},
		{"invalid utf8", model.OperationTypeInsert, "a\xffb", nil, true},
		{"data too large", model.OperationTypeInsert, "k", make([]byte, validation.MaxDataSize+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateWrite(tt.op, tt.id, tt.data)
			if tt.wantErr {
				assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePartitionID(t *testing.T) {
	assert.NoError(t, validation.ValidatePartitionID(1))
	assert.NoError(t, validation.ValidatePartitionID(65535))
	assert.Error(t, validation.ValidatePartitionID(0))
	assert.Error(t, validation.ValidatePartitionID(65536))
}

func TestValidateScaleRequest(t *testing.T) {
	assert.NoError(t, validation.ValidateScaleRequest(16, 3, 16))
	assert.Equal(t, errors.ErrCodeInvalidInstanceCount, errors.GetCode(validation.ValidateScaleRequest(0, 3, 16)))
	assert.Equal(t, errors.ErrCodeInvalidInstanceCount, errors.GetCode(validation.ValidateScaleRequest(17, 3, 16)))
	assert.Equal(t, errors.ErrCodeInvalidGeneration, errors.GetCode(validation.ValidateScaleRequest(2, -1, 16)))
	assert.Equal(t, errors.ErrCodeInvalidGeneration, errors.GetCode(validation.ValidateScaleRequest(2, 70000, 16)))
}

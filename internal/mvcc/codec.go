package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/model"
)

// Wire layout, big endian:
//
//	version               uint8
//	completedGeneration   uint64
//	minActiveGeneration   uint64
//	uncompletedCount      uint32, then uncompletedCount x uint64
//	maxTopologyGeneration uint16
//	partitionCount        uint16, then partitionCount x (partitionID uint16, generation uint16)
const stateWireVersion uint8 = 1

const maxUncompletedOnWire = 1 << 20

// EncodeGenerationsState serializes a state snapshot
func EncodeGenerationsState(s *model.GenerationsState) ([]byte, error) {
	if err := ValidateGenerationsState(s); err != nil {
		return nil, err
	}
	if len(s.UncompletedGenerations) > maxUncompletedOnWire {
		return nil, errors.GenerationState(
			fmt.Sprintf("%d uncompleted generations exceed the wire limit", len(s.UncompletedGenerations)), nil)
	}
	if len(s.PartitionGenerations) > 0xFFFF {
		return nil, errors.GenerationState(
			fmt.Sprintf("%d partition generations exceed the wire limit", len(s.PartitionGenerations)), nil)
	}

	size := 1 + 8 + 8 + 4 + 8*len(s.UncompletedGenerations) + 2 + 2 + 4*len(s.PartitionGenerations)
	buf := make([]byte, 0, size)
	buf = append(buf, stateWireVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.CompletedGeneration))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.MinActiveGeneration))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.UncompletedGenerations)))
	for _, g := range s.UncompletedGenerations {
		buf = binary.BigEndian.AppendUint64(buf, uint64(g))
	}
	buf = binary.BigEndian.AppendUint16(buf, s.MaxTopologyGeneration)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.PartitionGenerations)))
	for _, pg := range s.PartitionGenerations {
		buf = binary.BigEndian.AppendUint16(buf, pg.PartitionID)
		buf = binary.BigEndian.AppendUint16(buf, pg.Generation)
	}
	return buf, nil
}

// DecodeGenerationsState parses a state snapshot. Malformed input yields a
// GenerationState error.
func DecodeGenerationsState(data []byte) (*model.GenerationsState, error) {
	r := &wireReader{buf: data}

	version := r.uint8()
	if r.err == nil && version != stateWireVersion {
		return nil, errors.GenerationState(fmt.Sprintf("unsupported generations state version %d", version), nil)
	}

	s := &model.GenerationsState{
		CompletedGeneration: model.GenerationID(r.uint64()),
		MinActiveGeneration: model.GenerationID(r.uint64()),
	}
	n := r.uint32()
	if r.err == nil && (n > maxUncompletedOnWire || int(n)*8 > r.remaining()) {
		return nil, errors.GenerationState(fmt.Sprintf("uncompleted generation count %d exceeds payload", n), nil)
	}
	if n > 0 {
		s.UncompletedGenerations = make([]model.GenerationID, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			s.UncompletedGenerations = append(s.UncompletedGenerations, model.GenerationID(r.uint64()))
		}
	}
	s.MaxTopologyGeneration = r.uint16()
	pn := r.uint16()
	if pn > 0 && r.err == nil {
		s.PartitionGenerations = make([]model.PartitionGeneration, 0, pn)
		for i := uint16(0); i < pn && r.err == nil; i++ {
			pid := r.uint16()
			gen := r.uint16()
			s.PartitionGenerations = append(s.PartitionGenerations, model.PartitionGeneration{PartitionID: pid, Generation: gen})
		}
	}
	if r.err != nil {
		return nil, errors.GenerationState("truncated generations state", r.err)
	}
	if r.remaining() != 0 {
		return nil, errors.GenerationState(fmt.Sprintf("%d trailing bytes after generations state", r.remaining()), nil)
	}
	if err := ValidateGenerationsState(s); err != nil {
		return nil, err
	}
	return s, nil
}

type wireReader struct {
	buf []byte
	off int
	err error
}

func (r *wireReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wireReader) uint8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *wireReader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *wireReader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *wireReader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrChecksumMismatch reports a record whose contents do not match its checksum
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum returns the CRC32-C of parts. Each part is prefixed with its
// length, so moving bytes from one part to the next changes the sum.
func Checksum(parts ...[]byte) uint32 {
	var sum uint32
	var length [4]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint32(length[:], uint32(len(p)))
		sum = crc32.Update(sum, castagnoli, length[:])
		sum = crc32.Update(sum, castagnoli, p)
	}
	return sum
}

// VerifyChecksum returns ErrChecksumMismatch unless parts sum to expected
func VerifyChecksum(expected uint32, parts ...[]byte) error {
	if actual := Checksum(parts...); actual != expected {
		return fmt.Errorf("%w: expected %08x, got %08x", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

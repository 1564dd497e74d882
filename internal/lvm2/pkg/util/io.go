// File: pkg/util/io.go
package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// SectorSize is the unit LVM2 uses for labels, pe_start and extent sizes
const SectorSize = 512

// ReadFullAt reads exactly len(buf) bytes at off. Short reads are I/O errors:
// every caller in the decoder needs the full structure or nothing.
func ReadFullAt(r io.ReaderAt, buf []byte, off int64) error {
	if off < 0 {
		return types.NewLVMError(types.ErrIO, "ReadFullAt", fmt.Sprintf("offset=%d", off), "negative offset")
	}
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return types.NewLVMError(types.ErrIO, "ReadFullAt", fmt.Sprintf("offset=%d length=%d", off, len(buf)),
		fmt.Sprintf("read %d bytes: %v", n, err))
}

// SectorsToBytes converts a count of 512-byte sectors into bytes
func SectorsToBytes(sectors uint64) uint64 {
	return sectors * SectorSize
}

// IsAligned checks whether a given offset is aligned to blockSize
func IsAligned(offset int64, blockSize uint32) bool {
	return offset%int64(blockSize) == 0
}

// ------------------ Endian Helpers ------------------

// ReadUint32LE reads a little-endian uint32 from 4 bytes
func ReadUint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// ReadUint64LE reads a little-endian uint64 from 8 bytes
func ReadUint64LE(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// ReadBytes returns a slice from a fixed offset and length safely
func ReadBytes(b []byte, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(b) {
		return nil, types.NewLVMError(types.ErrIO, "ReadBytes", "buffer", fmt.Sprintf("offset=%d length=%d size=%d", offset, length, len(b)))
	}
	return b[offset : offset+length], nil
}

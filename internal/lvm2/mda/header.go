// Package mda reads LVM2 metadata areas.
//
// A metadata area starts with a 512-byte header followed by a circular text
// buffer. The header lists raw location records pointing into the buffer;
// each record names one generation of the volume group text together with
// its checksum. Records are relative to the start of the area, and a
// generation that runs past the end of the area continues right after the
// header.
package mda

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/checksum"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

const (
	// HeaderSize is the size of the header at the start of every metadata area
	HeaderSize = 512
	// Version is the only metadata area format LVM2 has written
	Version = 1
	// FlagIgnored marks a location record that must not be used
	FlagIgnored = 0x00000001

	fixedHeaderSize = 40
	locationSize    = 24
	maxLocations    = (HeaderSize - fixedHeaderSize) / locationSize
)

// Magic is the fmtt signature stored after the header checksum
var Magic = [16]byte{' ', 'L', 'V', 'M', '2', ' ', 'x', '[', '5', 'A', '%', 'r', '0', 'N', '*', '>'}

type rawHeader struct {
	Checksum uint32
	Magic    [16]byte
	Version  uint32
	Start    uint64
	Size     uint64
}

type rawLocation struct {
	Offset   uint64
	Size     uint64
	Checksum uint32
	Flags    uint32
}

// Location is one raw location record from a metadata area header
type Location struct {
	Offset   uint64 // relative to the start of the metadata area
	Size     uint64 // bytes of text, including the terminating NUL
	Checksum uint32 // LVM2 CRC of the text
	Flags    uint32
}

// Ignored reports whether LVM2 flagged the record as not to be used
func (l Location) Ignored() bool {
	return l.Flags&FlagIgnored != 0
}

// Header is a decoded metadata area header
type Header struct {
	Checksum  uint32
	Version   uint32
	Start     uint64 // offset of the area within the physical volume
	Size      uint64 // size of the area, header included
	Locations []Location
}

// RingSize returns the number of bytes in the circular text buffer
func (h *Header) RingSize() uint64 {
	if h.Size <= HeaderSize {
		return 0
	}
	return h.Size - HeaderSize
}

// ReadHeader reads and validates the metadata area header described by area,
// for a physical volume that starts at byte offset base in r.
func ReadHeader(r io.ReaderAt, base int64, area label.Area) (*Header, error) {
	object := fmt.Sprintf("mda@%d", area.Offset)
	buf := make([]byte, HeaderSize)
	if err := util.ReadFullAt(r, buf, base+int64(area.Offset)); err != nil {
		return nil, types.NewLVMError(err, "mda.ReadHeader", object, "reading header")
	}
	return DecodeHeader(buf, area)
}

// DecodeHeader validates and decodes a 512-byte metadata area header
func DecodeHeader(buf []byte, area label.Area) (*Header, error) {
	object := fmt.Sprintf("mda@%d", area.Offset)
	if len(buf) < HeaderSize {
		return nil, types.NewLVMError(types.ErrIO, "mda.DecodeHeader", object, "short header buffer")
	}

	var raw rawHeader
	if err := restruct.Unpack(buf[:fixedHeaderSize], binary.LittleEndian, &raw); err != nil {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.DecodeHeader", object, err.Error())
	}
	if raw.Magic != Magic {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.DecodeHeader", object,
			fmt.Sprintf("magic %q", bytes.TrimRight(raw.Magic[:], "\x00")))
	}
	if computed := checksum.CRC(buf[4:HeaderSize]); computed != raw.Checksum {
		return nil, types.NewLVMError(types.ErrInvalidChecksum, "mda.DecodeHeader", object,
			fmt.Sprintf("stored %#08x computed %#08x", raw.Checksum, computed))
	}
	if raw.Version != Version {
		return nil, types.NewLVMError(types.ErrUnsupportedMetadataVersion, "mda.DecodeHeader", object,
			fmt.Sprintf("version %d", raw.Version))
	}
	if raw.Start != area.Offset {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.DecodeHeader", object,
			fmt.Sprintf("header start %d does not match area offset %d", raw.Start, area.Offset))
	}
	if raw.Size <= HeaderSize {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.DecodeHeader", object,
			fmt.Sprintf("area size %d", raw.Size))
	}

	h := &Header{
		Checksum: raw.Checksum,
		Version:  raw.Version,
		Start:    raw.Start,
		Size:     raw.Size,
	}
	if area.Size != 0 && area.Size < h.Size {
		h.Size = area.Size
	}

	for i := 0; i < maxLocations; i++ {
		off := fixedHeaderSize + i*locationSize
		var loc rawLocation
		if err := restruct.Unpack(buf[off:off+locationSize], binary.LittleEndian, &loc); err != nil {
			return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.DecodeHeader", object, err.Error())
		}
		if loc.Offset == 0 {
			break
		}
		h.Locations = append(h.Locations, Location(loc))
	}
	return h, nil
}

// EncodeHeader renders h as a 512-byte header sector with its checksum
func EncodeHeader(h *Header) ([]byte, error) {
	if len(h.Locations) >= maxLocations {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.EncodeHeader", "", fmt.Sprintf("%d locations", len(h.Locations)))
	}
	buf := make([]byte, HeaderSize)
	fixed, err := restruct.Pack(binary.LittleEndian, &rawHeader{Magic: Magic, Version: h.Version, Start: h.Start, Size: h.Size})
	if err != nil {
		return nil, err
	}
	copy(buf, fixed)
	for i, loc := range h.Locations {
		raw := rawLocation(loc)
		b, err := restruct.Pack(binary.LittleEndian, &raw)
		if err != nil {
			return nil, err
		}
		copy(buf[fixedHeaderSize+i*locationSize:], b)
	}
	binary.LittleEndian.PutUint32(buf[0:4], checksum.CRC(buf[4:]))
	return buf, nil
}

package mda

import (
	"fmt"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/checksum"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// Placement positions one copy of the metadata text when building an area
type Placement struct {
	Offset   uint64 // relative to the area start; 0 continues after the previous copy
	Text     []byte // a terminating NUL is appended
	Flags    uint32
	Unlisted bool // write the text but leave it out of the header
}

// Build lays out a complete metadata area of size bytes that sits at start
// within its physical volume. Copies that run past the end wrap to the first
// byte after the header, the way LVM2 writes them.
func Build(start, size uint64, placements []Placement) ([]byte, *Header, error) {
	if size <= HeaderSize {
		return nil, nil, types.NewLVMError(types.ErrInvalidMagic, "mda.Build", "", fmt.Sprintf("area size %d", size))
	}
	area := make([]byte, size)
	h := &Header{Version: Version, Start: start, Size: size}
	ring := size - HeaderSize

	next := uint64(HeaderSize)
	for i, p := range placements {
		text := append(append([]byte{}, p.Text...), 0)
		if uint64(len(text)) > ring {
			return nil, nil, types.NewLVMError(types.ErrInvalidMagic, "mda.Build", fmt.Sprintf("placement %d", i),
				fmt.Sprintf("%d bytes for ring of %d", len(text), ring))
		}
		off := p.Offset
		if off == 0 {
			off = next
		}
		if off < HeaderSize || off >= size {
			return nil, nil, types.NewLVMError(types.ErrInvalidMagic, "mda.Build", fmt.Sprintf("placement %d", i),
				fmt.Sprintf("offset %d", off))
		}

		for j, b := range text {
			pos := off + uint64(j)
			if pos >= size {
				pos = HeaderSize + (pos-HeaderSize)%ring
			}
			area[pos] = b
		}

		end := off + uint64(len(text))
		if end >= size {
			end = HeaderSize + (end-HeaderSize)%ring
		}
		next = alignUp(end)
		if next >= size {
			next = HeaderSize
		}

		if !p.Unlisted {
			h.Locations = append(h.Locations, Location{
				Offset:   off,
				Size:     uint64(len(text)),
				Checksum: checksum.CRC(text),
				Flags:    p.Flags,
			})
		}
	}

	hdr, err := EncodeHeader(h)
	if err != nil {
		return nil, nil, err
	}
	copy(area, hdr)
	h.Checksum = util.ReadUint32LE(hdr[0:4])
	return area, h, nil
}

func alignUp(v uint64) uint64 {
	return (v + util.SectorSize - 1) / util.SectorSize * util.SectorSize
}

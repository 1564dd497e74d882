package mda

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/checksum"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// MaxTextSize caps a single generation; real metadata stays well below it.
const MaxTextSize = 64 << 20

var (
	seqnoPattern  = regexp.MustCompile(`(?m)^\s*seqno\s*=\s*(\d+)`)
	vgNamePattern = regexp.MustCompile(`^\s*([A-Za-z0-9_.+\-]+)\s*\{`)
)

// Generation is one copy of the volume group text found in a metadata area
type Generation struct {
	Text     []byte // trailing NULs removed
	Seqno    uint64
	HasSeqno bool
	VGName   string
	Record   int    // index into Header.Locations, -1 when recovered by ScanHistory
	Offset   uint64 // relative to the start of the metadata area
	Size     uint64 // bytes occupied in the ring, terminator included
	Checksum uint32
	Verified bool
	Wrapped  bool
}

// ReadRecord reads the text that location i of h points at and verifies its
// checksum. Ignored records are still read; callers decide whether to use them.
func ReadRecord(r io.ReaderAt, base int64, h *Header, i int) (*Generation, error) {
	if i < 0 || i >= len(h.Locations) {
		return nil, types.NewLVMError(types.ErrNoValidMetadataGeneration, "mda.ReadRecord",
			fmt.Sprintf("mda@%d", h.Start), fmt.Sprintf("record %d of %d", i, len(h.Locations)))
	}
	loc := h.Locations[i]
	object := fmt.Sprintf("mda@%d record %d", h.Start, i)

	ring := h.RingSize()
	if loc.Offset < HeaderSize || loc.Offset >= h.Size {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.ReadRecord", object,
			fmt.Sprintf("offset %d outside ring", loc.Offset))
	}
	if loc.Size == 0 || loc.Size > ring || loc.Size > MaxTextSize {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.ReadRecord", object,
			fmt.Sprintf("size %d for ring of %d", loc.Size, ring))
	}

	text, wrapped, err := readRing(r, base, h, loc.Offset, loc.Size)
	if err != nil {
		return nil, types.NewLVMError(err, "mda.ReadRecord", object, "reading text")
	}
	if computed := checksum.CRC(text); computed != loc.Checksum {
		return nil, types.NewLVMError(types.ErrInvalidChecksum, "mda.ReadRecord", object,
			fmt.Sprintf("stored %#08x computed %#08x", loc.Checksum, computed))
	}

	g := newGeneration(text)
	g.Record = i
	g.Offset = loc.Offset
	g.Size = loc.Size
	g.Checksum = loc.Checksum
	g.Verified = true
	g.Wrapped = wrapped
	return g, nil
}

// readRing reads size bytes starting at off (relative to the area), wrapping
// back to the first byte after the header when the end of the area is reached.
func readRing(r io.ReaderAt, base int64, h *Header, off, size uint64) ([]byte, bool, error) {
	areaStart := base + int64(h.Start)
	buf := make([]byte, size)

	first := size
	wrapped := false
	if off+size > h.Size {
		first = h.Size - off
		wrapped = true
	}
	if err := util.ReadFullAt(r, buf[:first], areaStart+int64(off)); err != nil {
		return nil, wrapped, err
	}
	if wrapped {
		if err := util.ReadFullAt(r, buf[first:], areaStart+HeaderSize); err != nil {
			return nil, wrapped, err
		}
	}
	return buf, wrapped, nil
}

func newGeneration(text []byte) *Generation {
	g := &Generation{Text: bytes.TrimRight(text, "\x00"), Record: -1}
	if m := seqnoPattern.FindSubmatch(g.Text); m != nil {
		if n, err := strconv.ParseUint(string(m[1]), 10, 64); err == nil {
			g.Seqno = n
			g.HasSeqno = true
		}
	}
	if m := vgNamePattern.FindSubmatch(g.Text); m != nil {
		g.VGName = string(m[1])
	}
	return g
}

// Generations returns every verified, non-ignored generation listed in the
// header, most recent first. Records that fail to read or verify are returned
// as errors alongside the good ones.
func Generations(r io.ReaderAt, base int64, h *Header) ([]*Generation, []error) {
	var gens []*Generation
	var errs []error
	for i, loc := range h.Locations {
		if loc.Ignored() {
			continue
		}
		g, err := ReadRecord(r, base, h, i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		gens = append(gens, g)
	}
	// Stable sort keeps list order among equal sequence numbers.
	sort.SliceStable(gens, func(a, b int) bool {
		return gens[a].Seqno > gens[b].Seqno
	})
	return gens, errs
}

// Read reads the metadata area described by area and returns its most recent
// valid generation along with the decoded header.
func Read(r io.ReaderAt, base int64, area label.Area) (*Generation, *Header, error) {
	h, err := ReadHeader(r, base, area)
	if err != nil {
		return nil, nil, err
	}
	gens, errs := Generations(r, base, h)
	if len(gens) == 0 {
		detail := fmt.Sprintf("%d location records", len(h.Locations))
		if len(errs) > 0 {
			detail = fmt.Sprintf("%s, first failure: %v", detail, errs[0])
		}
		return nil, h, types.NewLVMError(types.ErrNoValidMetadataGeneration, "mda.Read",
			fmt.Sprintf("mda@%d", area.Offset), detail)
	}
	return gens[0], h, nil
}

// ScanHistory walks the ring for older copies of the text of volume group
// vgName. LVM2 starts every write on a sector boundary, so candidates are
// sector-aligned positions beginning with "<vgName> {". Copies overwritten in
// part are returned with whatever text survives; none of them are verified.
// Offsets already covered by a location record in h are skipped.
func ScanHistory(r io.ReaderAt, base int64, h *Header, vgName string) ([]*Generation, error) {
	ring := h.RingSize()
	if ring == 0 || vgName == "" {
		return nil, nil
	}
	if ring > MaxTextSize*4 {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "mda.ScanHistory",
			fmt.Sprintf("mda@%d", h.Start), fmt.Sprintf("ring of %d bytes", ring))
	}

	data := make([]byte, ring)
	if err := util.ReadFullAt(r, data, base+int64(h.Start)+HeaderSize); err != nil {
		return nil, types.NewLVMError(err, "mda.ScanHistory", fmt.Sprintf("mda@%d", h.Start), "reading ring")
	}

	listed := make(map[uint64]bool, len(h.Locations))
	for _, loc := range h.Locations {
		listed[loc.Offset] = true
	}

	prefix := []byte(vgName + " {")
	var out []*Generation
	for pos := uint64(0); pos < ring; pos += util.SectorSize {
		if listed[pos+HeaderSize] || !ringHasPrefix(data, pos, prefix) {
			continue
		}
		text, wrapped := ringUntilNUL(data, pos)
		g := newGeneration(text)
		g.Offset = pos + HeaderSize
		g.Size = uint64(len(text)) + 1
		g.Wrapped = wrapped
		g.Checksum = checksum.CRC(append(append([]byte{}, text...), 0))
		if g.VGName != vgName {
			continue
		}
		out = append(out, g)
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Seqno > out[b].Seqno
	})
	return out, nil
}

func ringHasPrefix(data []byte, pos uint64, prefix []byte) bool {
	n := uint64(len(data))
	for i := range prefix {
		if data[(pos+uint64(i))%n] != prefix[i] {
			return false
		}
	}
	return true
}

// ringUntilNUL copies from pos up to the first NUL, wrapping once around the ring
func ringUntilNUL(data []byte, pos uint64) ([]byte, bool) {
	if i := bytes.IndexByte(data[pos:], 0); i >= 0 {
		return append([]byte{}, data[pos:pos+uint64(i)]...), false
	}
	text := append([]byte{}, data[pos:]...)
	head := data[:pos]
	if i := bytes.IndexByte(head, 0); i >= 0 {
		head = head[:i]
	}
	return append(text, head...), true
}

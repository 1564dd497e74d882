// Package extent translates a logical volume's address space into byte
// ranges on its physical volumes.
package extent

import (
	"fmt"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/metadata"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// Kind tells the extractor what to do with a chunk
type Kind int

const (
	// Data chunks are read from a physical volume
	Data Kind = iota
	// Zero chunks are all zero bytes by definition
	Zero
	// Unreadable chunks cannot be reconstructed; Reason says why
	Unreadable
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Zero:
		return "zero"
	case Unreadable:
		return "unreadable"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MaxDepth bounds how many sub-volume levels a mapping may pass through.
// Real stacks (cache over raid over linear) stay well below it.
const MaxDepth = 8

// Chunk is a contiguous piece of a logical volume
type Chunk struct {
	PV      string // metadata name of the physical volume, empty unless Kind is Data
	Offset  uint64 // byte offset within the PV
	Length  uint64
	Logical uint64 // byte offset within the logical volume
	Kind    Kind
	Reason  string
}

// End returns the logical offset just past the chunk
func (c Chunk) End() uint64 {
	return c.Logical + c.Length
}

// Size returns the size of the logical volume in bytes
func Size(vg *metadata.VolumeGroup, lv *metadata.LogicalVolume) uint64 {
	return vg.ExtentBytes(lv.ExtentCount())
}

// Resolve returns the chunks covering the whole logical volume in logical order
func Resolve(vg *metadata.VolumeGroup, lv *metadata.LogicalVolume) ([]Chunk, error) {
	var chunks []Chunk
	err := Walk(vg, lv, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Walk calls fn for each chunk of lv in logical order. It stops at the first
// error fn returns. Large striped volumes produce millions of chunks, so the
// extractor walks instead of collecting.
func Walk(vg *metadata.VolumeGroup, lv *metadata.LogicalVolume, fn func(Chunk) error) error {
	r := &resolver{vg: vg, fn: fn}
	return r.walk(lv, 0, Size(vg, lv), 0, 0, "")
}

type resolver struct {
	vg *metadata.VolumeGroup
	fn func(Chunk) error
}

// walk emits the chunks of lv's bytes [from, to). Logical offsets in the
// emitted chunks are shifted by delta, and note is attached to data chunks
// that have no reason of their own.
func (r *resolver) walk(lv *metadata.LogicalVolume, from, to uint64, delta uint64, depth int, note string) error {
	if depth > MaxDepth {
		return &types.InconsistentExtentMapError{LV: lv.Name, Detail: "sub-volume nesting too deep"}
	}
	es := r.vg.ExtentSize

	cursor := from
	for _, seg := range lv.Segments {
		segStart := seg.StartExtent * es
		segEnd := seg.EndExtent() * es
		a, b := max64(segStart, cursor), min64(segEnd, to)
		if a >= b {
			continue
		}
		if a > cursor {
			if err := r.emit(Chunk{Logical: cursor + delta, Length: a - cursor, Kind: Unreadable,
				Reason: fmt.Sprintf("no segment of %s maps this range", lv.Name)}, ""); err != nil {
				return err
			}
		}
		if err := r.segment(lv, seg, a-segStart, b-segStart, a+delta, depth, note); err != nil {
			return err
		}
		cursor = b
		if cursor >= to {
			break
		}
	}
	if cursor < to {
		return r.emit(Chunk{Logical: cursor + delta, Length: to - cursor, Kind: Unreadable,
			Reason: fmt.Sprintf("beyond the last segment of %s", lv.Name)}, "")
	}
	return nil
}

// segment emits the segment-relative byte range [ra, rb) at logical offset logical
func (r *resolver) segment(lv *metadata.LogicalVolume, seg *metadata.Segment, ra, rb, logical uint64, depth int, note string) error {
	switch seg.Type {
	case metadata.Linear, metadata.Striped:
		return r.striped(lv, seg, ra, rb, logical, note)

	case metadata.Zero:
		return r.emit(Chunk{Logical: logical, Length: rb - ra, Kind: Zero}, "")

	case metadata.Mirrored:
		return r.leg(lv, seg, ra, rb, logical, depth, note)

	case metadata.Raid:
		switch seg.RaidLevel {
		case "raid1":
			return r.leg(lv, seg, ra, rb, logical, depth, note)
		case "raid0", "raid0_meta":
			return r.raid0(lv, seg, ra, rb, logical, depth, note)
		}
		return r.unreadable(logical, rb-ra, fmt.Sprintf("%s parity is not reconstructed", seg.RaidLevel))

	case metadata.Cache:
		if note == "" {
			note = fmt.Sprintf("%s: blocks dirty in cache %s are not merged", seg.TypeName, seg.Pool)
		}
		return r.leg(lv, seg, ra, rb, logical, depth, note)

	case metadata.ThinPool:
		return r.unreadable(logical, rb-ra, "thin pool data is only reachable through thin volumes")
	case metadata.Thin:
		return r.unreadable(logical, rb-ra, fmt.Sprintf("thin volume mapping in pool %s is not reconstructed", seg.Pool))
	case metadata.Snapshot:
		return r.unreadable(logical, rb-ra, fmt.Sprintf("snapshot of %s is not reconstructed", seg.Origin))
	}
	return r.unreadable(logical, rb-ra, fmt.Sprintf("segment type %q is not supported", seg.TypeName))
}

func (r *resolver) striped(lv *metadata.LogicalVolume, seg *metadata.Segment, ra, rb, logical uint64, note string) error {
	es := r.vg.ExtentSize
	n := uint64(len(seg.Stripes))
	if n == 0 {
		return r.unreadable(logical, rb-ra, "segment has no stripes")
	}
	area := seg.ExtentCount / n * es

	bases := make([]uint64, n)
	for i, st := range seg.Stripes {
		pv := r.vg.PV(st.PV)
		if pv == nil {
			// the builder already recorded the dangling reference
			bases[i] = ^uint64(0)
			continue
		}
		if st.StartExtent+seg.ExtentCount/n > pv.PECount {
			return &types.ExtentOutOfRangeError{
				LV: lv.Name, SegmentIndex: seg.Index, PV: st.PV,
				Extent: st.StartExtent + seg.ExtentCount/n, Limit: pv.PECount,
			}
		}
		bases[i] = pv.PEStart + st.StartExtent*es
	}

	emitStripe := func(s int, pvOff, length, at uint64) error {
		if bases[s] == ^uint64(0) {
			return r.unreadable(at, length, fmt.Sprintf("physical volume %s is not declared", seg.Stripes[s].PV))
		}
		return r.emit(Chunk{PV: seg.Stripes[s].PV, Offset: bases[s] + pvOff, Length: length, Logical: at, Kind: Data}, note)
	}

	if n == 1 {
		return emitStripe(0, ra, rb-ra, logical)
	}

	return r.layout(seg, area, int(n), ra, rb, logical, func(s int, off, length, rel uint64) error {
		return emitStripe(s, off, length, logical+(rel-ra))
	})
}

// raid0 stripes over image sub-volumes instead of PV areas
func (r *resolver) raid0(lv *metadata.LogicalVolume, seg *metadata.Segment, ra, rb, logical uint64, depth int, note string) error {
	n := len(seg.Legs)
	if n == 0 {
		return r.unreadable(logical, rb-ra, "raid0 segment lists no images")
	}
	if seg.StripeSize == 0 {
		return &types.InconsistentExtentMapError{LV: lv.Name, Detail: fmt.Sprintf("segment %d: raid0 without stripe_size", seg.Index)}
	}
	area := seg.ExtentCount / uint64(n) * r.vg.ExtentSize
	return r.layout(seg, area, n, ra, rb, logical, func(s int, off, length, rel uint64) error {
		leg := seg.Legs[s]
		sub := r.vg.LV(leg.LV)
		at := logical + (rel - ra)
		if sub == nil {
			return r.unreadable(at, length, fmt.Sprintf("sub-volume %s is missing", leg.LV))
		}
		from := leg.StartExtent*r.vg.ExtentSize + off
		return r.walk(sub, from, from+length, at-from, depth+1, note)
	})
}

// layout runs stripeLayout over the part of [ra, rb) the n stripe areas
// hold. Extents left over when extent_count is not a multiple of n belong to
// no stripe and are emitted as unreadable, so later segments keep their
// logical offsets.
func (r *resolver) layout(seg *metadata.Segment, area uint64, n int, ra, rb, logical uint64, fn func(s int, off, length, rel uint64) error) error {
	covered := area * uint64(n)
	if ra < covered {
		if err := stripeLayout(area, seg.StripeSize, n, ra, min64(rb, covered), fn); err != nil {
			return err
		}
	}
	if rb <= covered {
		return nil
	}
	from := max64(ra, covered)
	return r.unreadable(logical+(from-ra), rb-from,
		fmt.Sprintf("segment %d: %d extents do not divide over %d stripes", seg.Index, seg.ExtentCount, n))
}

// leg follows the primary leg of a mirrored, raid1 or cache segment
func (r *resolver) leg(lv *metadata.LogicalVolume, seg *metadata.Segment, ra, rb, logical uint64, depth int, note string) error {
	if len(seg.Legs) == 0 {
		return r.unreadable(logical, rb-ra, fmt.Sprintf("%s segment lists no sub-volumes", seg.TypeName))
	}
	leg := seg.Legs[0]
	sub := r.vg.LV(leg.LV)
	if sub == nil {
		return r.unreadable(logical, rb-ra, fmt.Sprintf("sub-volume %s is missing", leg.LV))
	}
	from := leg.StartExtent*r.vg.ExtentSize + ra
	return r.walk(sub, from, from+(rb-ra), logical-from, depth+1, note)
}

func (r *resolver) unreadable(logical, length uint64, reason string) error {
	return r.emit(Chunk{Logical: logical, Length: length, Kind: Unreadable, Reason: reason}, "")
}

func (r *resolver) emit(c Chunk, note string) error {
	if c.Length == 0 {
		return nil
	}
	if c.Kind == Data && c.Reason == "" {
		c.Reason = note
	}
	return r.fn(c)
}

// stripeLayout walks the segment-relative range [ra, rb) of a striped
// mapping. Each of n stripes holds area bytes laid out in rows of
// stripeSize; when area is not a multiple of stripeSize the last row is
// shorter on every stripe. fn receives the stripe, the offset within that
// stripe's area, the length and the segment-relative offset of the piece.
func stripeLayout(area, stripeSize uint64, n int, ra, rb uint64, fn func(s int, off, length, rel uint64) error) error {
	if stripeSize == 0 {
		stripeSize = area
	}
	if area == 0 {
		return nil
	}
	rowBytes := stripeSize * uint64(n)
	fullRows := area / stripeSize

	row := ra / rowBytes
	for {
		var width uint64
		var rowStart uint64
		if row < fullRows {
			width = stripeSize
			rowStart = row * rowBytes
		} else {
			width = area - fullRows*stripeSize
			rowStart = fullRows * rowBytes
			if width == 0 || row > fullRows {
				return nil
			}
		}
		if rowStart >= rb {
			return nil
		}
		for s := 0; s < n; s++ {
			pieceStart := rowStart + uint64(s)*width
			pieceEnd := pieceStart + width
			a, b := max64(pieceStart, ra), min64(pieceEnd, rb)
			if a >= b {
				continue
			}
			off := row*stripeSize + (a - pieceStart)
			if err := fn(s, off, b-a, a); err != nil {
				return err
			}
		}
		row++
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

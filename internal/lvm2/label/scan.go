package label

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// Scan searches the first sectors of a physical volume that starts at byte
// offset base for a valid label. A signature whose checksum does not verify
// is reported as ErrInvalidChecksum unless a later sector holds a good label.
func Scan(r io.ReaderAt, base int64, sectors int) (*Label, error) {
	if sectors <= 0 {
		sectors = DefaultScanSectors
	}

	var firstBad error
	sector := make([]byte, util.SectorSize)
	for i := 0; i < sectors; i++ {
		off := base + int64(i)*util.SectorSize
		if err := util.ReadFullAt(r, sector, off); err != nil {
			// A body shorter than the scan window still gets its leading sectors checked.
			if i > 0 {
				break
			}
			return nil, types.NewLVMError(err, "label.Scan", fmt.Sprintf("offset=%d", base), "reading label window")
		}

		lbl, err := Decode(sector, uint64(i))
		if err == nil {
			lbl.Base = base
			return lbl, nil
		}
		if errors.Is(err, errNoSignature) {
			continue
		}
		if firstBad == nil {
			firstBad = err
		}
	}

	if firstBad != nil {
		return nil, firstBad
	}
	return nil, types.NewLVMError(types.ErrLabelNotFound, "label.Scan", fmt.Sprintf("offset=%d", base),
		fmt.Sprintf("searched %d sectors", sectors))
}

// Hit is a label signature found by Probe. Err is set when the signature
// was present but the label did not validate.
type Hit struct {
	Offset int64 // byte offset of the label sector
	Base   int64 // implied start of the physical volume
	Label  *Label
	Err    error
}

const probeBlockSize = 1 << 20

// Probe walks [from, to) in step-byte increments looking for label sectors,
// for captures where the partition table that would point at the PV is
// missing. step must be a multiple of the sector size; 0 means one sector.
func Probe(ctx context.Context, r io.ReaderAt, from, to int64, step int64) ([]Hit, error) {
	if step <= 0 {
		step = util.SectorSize
	}
	if step%util.SectorSize != 0 {
		return nil, types.NewLVMError(types.ErrIO, "label.Probe", fmt.Sprintf("step=%d", step), "step must be sector aligned")
	}
	if from < 0 || to <= from {
		return nil, nil
	}

	var hits []Hit
	buf := make([]byte, probeBlockSize)
	for blockStart := from; blockStart < to; blockStart += probeBlockSize {
		if err := ctx.Err(); err != nil {
			return hits, err
		}
		want := int64(probeBlockSize)
		if to-blockStart < want {
			want = to - blockStart
		}
		n, err := r.ReadAt(buf[:want], blockStart)
		if err != nil && !errors.Is(err, io.EOF) {
			return hits, types.NewLVMError(types.ErrIO, "label.Probe", fmt.Sprintf("offset=%d", blockStart), err.Error())
		}

		for pos := int64(0); pos+util.SectorSize <= int64(n); pos += util.SectorSize {
			off := blockStart + pos
			if (off-from)%step != 0 {
				continue
			}
			sector := buf[pos : pos+util.SectorSize]
			if string(sector[:len(LabelID)]) != LabelID {
				continue
			}
			idx := util.ReadUint64LE(sector[8:16])
			if idx >= DefaultScanSectors || int64(idx)*util.SectorSize > off {
				continue
			}
			hit := Hit{Offset: off, Base: off - int64(idx)*util.SectorSize}
			lbl, derr := Decode(sector, idx)
			if derr != nil {
				hit.Err = derr
			} else {
				lbl.Base = hit.Base
				hit.Label = lbl
			}
			hits = append(hits, hit)
		}

		if int64(n) < want {
			break
		}
	}
	return hits, nil
}

package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/stream"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/extent"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/metadata"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// Warning is a range of the output that was zero-filled instead of read
type Warning struct {
	Logical uint64 `json:"logical" yaml:"logical"`
	Length  uint64 `json:"length" yaml:"length"`
	Reason  string `json:"reason" yaml:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("bytes [%d, %d) zero-filled: %s", w.Logical, w.Logical+w.Length, w.Reason)
}

// Report describes what an extraction wrote
type Report struct {
	VG       string            `json:"vg" yaml:"vg"`
	LV       string            `json:"lv" yaml:"lv"`
	Size     uint64            `json:"size" yaml:"size"`
	Bytes    uint64            `json:"bytes" yaml:"bytes"` // committed to the sink
	Chunks   int               `json:"chunks" yaml:"chunks"`
	Data     uint64            `json:"data" yaml:"data"`     // bytes read from devices
	Zero     uint64            `json:"zero" yaml:"zero"`     // bytes of zero segments
	Filled   uint64            `json:"filled" yaml:"filled"` // bytes zero-filled with a warning
	Warnings []Warning         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Hashes   map[string]string `json:"hashes,omitempty" yaml:"hashes,omitempty"`
	Aborted  bool              `json:"aborted" yaml:"aborted"`
	Elapsed  time.Duration     `json:"elapsed" yaml:"elapsed"`
}

func (r *Report) addWarning(logical, length uint64, reason string) {
	r.Filled += length
	if n := len(r.Warnings); n > 0 {
		last := &r.Warnings[n-1]
		if last.Reason == reason && last.Logical+last.Length == logical {
			last.Length += length
			return
		}
	}
	r.Warnings = append(r.Warnings, Warning{Logical: logical, Length: length, Reason: reason})
}

var errStopped = errors.New("extraction stopped")

// piece is one bounded unit of work: either bytes read from a device or a
// run to be zero-filled
type piece struct {
	chunk  extent.Chunk
	data   []byte
	fill   bool
	reason string
	err    error
}

// Extract streams the reconstructed bytes of a logical volume into w in
// logical order. Reads fan out over Options.Workers goroutines while a
// single writer commits pieces in order. Unreadable ranges and ranges on
// devices that were not supplied are zero-filled and recorded as warnings.
// The first read or write error, or cancellation of ctx, stops the
// extraction; the partial report is returned with Aborted set.
func (e *Extractor) Extract(ctx context.Context, vgName, lvName string, w io.Writer) (*Report, error) {
	g, lv, err := e.lookup(vgName, lvName)
	if err != nil {
		return nil, err
	}
	return e.extract(ctx, g, lv, w)
}

func (e *Extractor) extract(ctx context.Context, g *Group, lv *metadata.LogicalVolume, w io.Writer) (*Report, error) {
	started := time.Now()
	report := &Report{VG: g.VG.Name, LV: lv.Name, Size: extent.Size(g.VG, lv)}

	p, err := planExtraction(g, lv)
	if err != nil {
		return report, err
	}
	log := e.log.With(zap.String("vg", g.VG.Name), zap.String("lv", lv.Name))
	log.Info("extracting",
		zap.Uint64("size", report.Size),
		zap.Int("chunks", p.chunks),
		zap.Uint64("unreadable", p.unreadable),
		zap.Uint64("missing", p.missing),
		zap.Int("workers", e.opts.Workers))
	for _, perr := range lv.Problems {
		log.Warn("volume has metadata problems", zap.Error(perr))
	}

	zeros := make([]byte, min64(e.opts.ReadBlockSize, 1<<20))
	var failed atomic.Bool
	var firstErr error

	// commit runs on the stream's callback goroutine only
	commit := func(pc *piece) {
		if failed.Load() {
			return
		}
		if pc.err != nil {
			firstErr = pc.err
			failed.Store(true)
			return
		}

		c := pc.chunk
		var werr error
		if pc.fill {
			werr = writeZeros(w, zeros, c.Length)
		} else {
			_, werr = w.Write(pc.data)
		}
		if werr != nil {
			firstErr = types.NewLVMError(types.ErrIO, "extractor.Extract", fmt.Sprintf("%s/%s", g.VG.Name, lv.Name),
				fmt.Sprintf("writing logical offset %d: %v", c.Logical, werr))
			failed.Store(true)
			return
		}

		report.Bytes += c.Length
		report.Chunks++
		switch {
		case pc.reason != "":
			report.addWarning(c.Logical, c.Length, pc.reason)
		case c.Kind == extent.Zero:
			report.Zero += c.Length
		default:
			report.Data += c.Length
		}
	}

	// physically adjacent chunks are merged before being cut into reads
	s := stream.New().WithMaxGoroutines(e.opts.Workers)
	merge := extent.NewCoalescer(func(c extent.Chunk) error {
		for _, part := range extent.Split(clip(g, c), e.opts.ReadBlockSize) {
			part := part
			if failed.Load() {
				return errStopped
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			s.Go(func() stream.Callback {
				pc := e.read(ctx, g, part)
				return func() { commit(pc) }
			})
		}
		return nil
	})
	walkErr := extent.Walk(g.VG, lv, merge.Add)
	if walkErr == nil {
		walkErr = merge.Flush()
	}
	s.Wait()

	report.Elapsed = time.Since(started)
	if firstErr == nil && walkErr != nil && !errors.Is(walkErr, errStopped) {
		firstErr = walkErr
	}
	if firstErr != nil {
		report.Aborted = true
		log.Error("extraction aborted", zap.Uint64("written", report.Bytes), zap.Error(firstErr))
		return report, firstErr
	}

	for _, warn := range report.Warnings {
		log.Warn("zero-filled range", zap.Uint64("logical", warn.Logical), zap.Uint64("length", warn.Length), zap.String("reason", warn.Reason))
	}
	log.Info("extraction complete",
		zap.Uint64("bytes", report.Bytes),
		zap.Uint64("filled", report.Filled),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// read fetches one piece. It runs on a worker goroutine.
func (e *Extractor) read(ctx context.Context, g *Group, c extent.Chunk) *piece {
	pc := &piece{chunk: c}
	if err := ctx.Err(); err != nil {
		pc.err = err
		return pc
	}

	switch c.Kind {
	case extent.Zero:
		pc.fill = true
		return pc
	case extent.Unreadable:
		pc.fill = true
		pc.reason = c.Reason
		return pc
	}

	m := g.member(c.PV)
	if m == nil {
		pc.fill = true
		pc.reason = fmt.Sprintf("physical volume %s was not supplied", c.PV)
		return pc
	}
	dev := &m.dev

	pos := m.label.Base + int64(c.Offset)
	if end := pos + int64(c.Length); pos < 0 || end > dev.Source.Size() {
		pc.fill = true
		pc.reason = fmt.Sprintf("physical volume %s is truncated in %s", c.PV, dev.Name)
		return pc
	}

	pc.data = make([]byte, c.Length)
	if err := util.ReadFullAt(dev.Source, pc.data, pos); err != nil {
		pc.data = nil
		pc.err = types.NewLVMError(err, "extractor.Extract", dev.Name,
			fmt.Sprintf("pv %s offset %d length %d", c.PV, pos, c.Length))
	}
	return pc
}

// clip splits a data chunk where its device ends, so the readable part of a
// truncated capture is still read
func clip(g *Group, c extent.Chunk) []extent.Chunk {
	if c.Kind != extent.Data {
		return []extent.Chunk{c}
	}
	m := g.member(c.PV)
	if m == nil {
		return []extent.Chunk{c}
	}
	pos := m.label.Base + int64(c.Offset)
	avail := m.dev.Source.Size() - pos
	if avail <= 0 || uint64(avail) >= c.Length {
		return []extent.Chunk{c}
	}
	head, tail := c, c
	head.Length = uint64(avail)
	tail.Offset += head.Length
	tail.Logical += head.Length
	tail.Length -= head.Length
	return []extent.Chunk{head, tail}
}

func writeZeros(w io.Writer, zeros []byte, n uint64) error {
	for n > 0 {
		k := min64(n, uint64(len(zeros)))
		if _, err := w.Write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

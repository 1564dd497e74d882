package extractor

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-lvm-extractor/internal/common/encodeutil"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/grammar"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/mda"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/metadata"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// DumpMode selects what DumpMetadata writes
type DumpMode string

const (
	// DumpRaw writes the metadata text as stored on disk
	DumpRaw DumpMode = "raw"
	// DumpTree writes the parsed syntax tree
	DumpTree DumpMode = "tree"
	// DumpModel writes the typed volume group model
	DumpModel DumpMode = "model"
)

// ParseDumpMode validates a dump mode name; the empty string means raw
func ParseDumpMode(s string) (DumpMode, error) {
	switch m := DumpMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DumpRaw, nil
	case DumpRaw, DumpTree, DumpModel:
		return m, nil
	}
	return "", fmt.Errorf("%w: dump mode %q", commonerrors.ErrInvalidArgument, s)
}

// DumpOptions select the generation and rendering of a metadata dump
type DumpOptions struct {
	Mode    DumpMode
	Format  encodeutil.Format // for tree and model
	Seqno   uint64            // 0 selects the current generation
	History bool              // also search the ring for overwritten generations
}

// GenerationInfo describes one copy of a volume group's metadata
type GenerationInfo struct {
	Seqno    uint64 `json:"seqno" yaml:"seqno"`
	Device   string `json:"device" yaml:"device"`
	Area     int    `json:"area" yaml:"area"`
	Record   int    `json:"record" yaml:"record"`
	Offset   uint64 `json:"offset" yaml:"offset"`
	Size     uint64 `json:"size" yaml:"size"`
	Checksum uint32 `json:"checksum" yaml:"checksum"`
	Verified bool   `json:"verified" yaml:"verified"`
	Wrapped  bool   `json:"wrapped" yaml:"wrapped"`
	Current  bool   `json:"current" yaml:"current"`

	gen *mda.Generation
}

// Generations lists every copy of the metadata of a volume group found in
// the metadata areas of its devices, most recent first. With history set the
// rings are also searched for older, overwritten generations.
func (e *Extractor) Generations(vgName string, history bool) ([]GenerationInfo, error) {
	g, err := e.Group(vgName)
	if err != nil {
		return nil, err
	}

	var out []GenerationInfo
	for _, p := range g.copies {
		for _, a := range p.areas {
			for _, gen := range a.gens {
				out = append(out, e.info(g, p, a, gen))
			}
			if !history {
				continue
			}
			old, err := mda.ScanHistory(p.dev.Source, p.label.Base, a.header, g.VG.Name)
			if err != nil {
				e.log.Warn("history scan failed", zap.String("device", p.dev.Name), zap.Int("area", a.index), zap.Error(err))
				continue
			}
			for _, gen := range old {
				out = append(out, e.info(g, p, a, gen))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Seqno > out[j].Seqno
	})
	return out, nil
}

func (e *Extractor) info(g *Group, p *physical, a *area, gen *mda.Generation) GenerationInfo {
	return GenerationInfo{
		Seqno:    gen.Seqno,
		Device:   p.dev.Name,
		Area:     a.index,
		Record:   gen.Record,
		Offset:   gen.Offset,
		Size:     gen.Size,
		Checksum: gen.Checksum,
		Verified: gen.Verified,
		Wrapped:  gen.Wrapped,
		Current:  gen == g.Current,
		gen:      gen,
	}
}

// DumpMetadata writes the metadata of a volume group to w. Verified copies
// are preferred over recovered ones when several hold the same seqno.
func (e *Extractor) DumpMetadata(w io.Writer, vgName string, opts DumpOptions) error {
	g, err := e.Group(vgName)
	if err != nil {
		return err
	}
	if opts.Mode == "" {
		opts.Mode = DumpRaw
	}
	if opts.Format == "" {
		opts.Format = encodeutil.JSON
	}

	gen := g.Current
	if opts.Seqno != 0 && opts.Seqno != g.Current.Seqno {
		gen, err = e.findGeneration(vgName, opts.Seqno, opts.History)
		if err != nil {
			return err
		}
	}

	switch opts.Mode {
	case DumpRaw:
		text := gen.Text
		if len(text) > 0 && text[len(text)-1] != '\n' {
			text = append(append([]byte(nil), text...), '\n')
		}
		_, err := w.Write(text)
		return err

	case DumpTree:
		root := g.Root
		if gen != g.Current {
			if root, err = grammar.Parse(gen.Text); err != nil {
				return err
			}
		}
		return encodeutil.Encode(w, opts.Format, root)

	case DumpModel:
		vg := g.VG
		if gen != g.Current {
			root, err := grammar.Parse(gen.Text)
			if err != nil {
				return err
			}
			if vg, err = metadata.Build(root); err != nil {
				return err
			}
		}
		return encodeutil.Encode(w, opts.Format, vg)
	}
	return fmt.Errorf("%w: dump mode %q", commonerrors.ErrInvalidArgument, opts.Mode)
}

func (e *Extractor) findGeneration(vgName string, seqno uint64, history bool) (*mda.Generation, error) {
	infos, err := e.Generations(vgName, history)
	if err != nil {
		return nil, err
	}
	var found *mda.Generation
	for _, info := range infos {
		if info.Seqno != seqno {
			continue
		}
		if info.Verified {
			return info.gen, nil
		}
		if found == nil {
			found = info.gen
		}
	}
	if found == nil {
		detail := fmt.Sprintf("seqno %d not found", seqno)
		if !history {
			detail += ", try searching the history"
		}
		return nil, types.NewLVMError(types.ErrNoValidMetadataGeneration, "extractor.DumpMetadata", vgName, detail)
	}
	return found, nil
}

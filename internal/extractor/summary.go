package extractor

import (
	"fmt"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/extent"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/metadata"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// VolumeGroupSummary is one row of a volume group listing
type VolumeGroupSummary struct {
	Name       string   `json:"name" yaml:"name"`
	ID         string   `json:"id" yaml:"id"`
	Seqno      uint64   `json:"seqno" yaml:"seqno"`
	ExtentSize uint64   `json:"extent_size" yaml:"extent_size"`
	Size       uint64   `json:"size" yaml:"size"`
	PVCount    int      `json:"pv_count" yaml:"pv_count"`
	LVCount    int      `json:"lv_count" yaml:"lv_count"`
	Devices    []string `json:"devices" yaml:"devices"`
	MissingPVs []string `json:"missing_pvs,omitempty" yaml:"missing_pvs,omitempty"`
}

// LogicalVolumeSummary is one row of a logical volume listing
type LogicalVolumeSummary struct {
	Name        string   `json:"name" yaml:"name"`
	ID          string   `json:"id" yaml:"id"`
	Size        uint64   `json:"size" yaml:"size"`
	Segments    int      `json:"segments" yaml:"segments"`
	Types       []string `json:"types" yaml:"types"`
	Status      []string `json:"status,omitempty" yaml:"status,omitempty"`
	Visible     bool     `json:"visible" yaml:"visible"`
	Extractable bool     `json:"extractable" yaml:"extractable"`
	Partial     bool     `json:"partial" yaml:"partial"`
	Problems    []string `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// VolumeGroups lists every assembled volume group
func (e *Extractor) VolumeGroups() []VolumeGroupSummary {
	out := make([]VolumeGroupSummary, 0, len(e.groups))
	for _, g := range e.groups {
		vg := g.VG
		s := VolumeGroupSummary{
			Name:       vg.Name,
			ID:         vg.ID,
			Seqno:      vg.Seqno,
			ExtentSize: vg.ExtentSize,
			PVCount:    len(vg.PhysicalVolumes),
			LVCount:    len(vg.LogicalVolumes),
			MissingPVs: g.Missing(),
		}
		for _, pv := range vg.PhysicalVolumes {
			s.Size += vg.ExtentBytes(pv.PECount)
			if dev := g.Device(pv.Name); dev != nil {
				s.Devices = append(s.Devices, dev.Name)
			}
		}
		out = append(out, s)
	}
	return out
}

// LogicalVolumes lists the logical volumes of a volume group, hidden
// sub-volumes included
func (e *Extractor) LogicalVolumes(vgName string) ([]LogicalVolumeSummary, error) {
	g, err := e.Group(vgName)
	if err != nil {
		return nil, err
	}
	out := make([]LogicalVolumeSummary, 0, len(g.VG.LogicalVolumes))
	for _, lv := range g.VG.LogicalVolumes {
		out = append(out, summarize(g, lv))
	}
	return out, nil
}

func summarize(g *Group, lv *metadata.LogicalVolume) LogicalVolumeSummary {
	s := LogicalVolumeSummary{
		Name:     lv.Name,
		ID:       lv.ID,
		Size:     extent.Size(g.VG, lv),
		Segments: len(lv.Segments),
		Types:    lv.Types(),
		Status:   lv.Status,
		Visible:  lv.Visible(),
	}
	for _, perr := range lv.Problems {
		s.Problems = append(s.Problems, perr.Error())
	}

	plan, err := planExtraction(g, lv)
	if err != nil {
		s.Problems = append(s.Problems, err.Error())
		return s
	}
	s.Extractable = true
	s.Partial = len(lv.Problems) > 0 || plan.unreadable > 0 || plan.missing > 0
	return s
}

// plan is the outcome of resolving a volume without reading it
type plan struct {
	chunks     int
	data       uint64
	zero       uint64
	unreadable uint64
	missing    uint64 // bytes on physical volumes that were not supplied
}

// planExtraction resolves the whole volume once so that mapping errors
// surface before anything is written
func planExtraction(g *Group, lv *metadata.LogicalVolume) (*plan, error) {
	if lv.ExtentCount() == 0 {
		return nil, types.NewLVMError(types.ErrNotExtractable, "extractor.plan", lv.Name, "volume has no extents")
	}
	p := &plan{}
	merge := extent.NewCoalescer(func(c extent.Chunk) error {
		p.chunks++
		switch c.Kind {
		case extent.Data:
			if g.Device(c.PV) == nil {
				p.missing += c.Length
			} else {
				p.data += c.Length
			}
		case extent.Zero:
			p.zero += c.Length
		default:
			p.unreadable += c.Length
		}
		return nil
	})
	err := extent.Walk(g.VG, lv, merge.Add)
	if err == nil {
		err = merge.Flush()
	}
	if err != nil {
		return nil, types.NewLVMError(err, "extractor.plan", lv.Name, "")
	}
	if p.data == 0 && p.zero == 0 {
		return nil, types.NewLVMError(types.ErrNotExtractable, "extractor.plan", lv.Name,
			fmt.Sprintf("none of its %d bytes can be read", p.unreadable+p.missing))
	}
	return p, nil
}

// Package extractor ties the LVM2 decoders together. It scans a set of
// captured devices for physical volume labels, assembles volume groups from
// their metadata areas and streams logical volumes out of them.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/grammar"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/mda"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/metadata"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

const (
	// DefaultWorkers is the read fan-out used when Options.Workers is unset
	DefaultWorkers = 4
	// DefaultReadBlockSize caps a single read against a device
	DefaultReadBlockSize = 4 << 20
)

// Device is one captured body and the byte offset where its physical volume
// starts
type Device struct {
	Name   string
	Source body.Source
	Offset int64
}

// Options tune scanning and extraction
type Options struct {
	LabelSectors  int    // leading sectors searched for a label, 0 means the LVM2 default
	Workers       int    // concurrent reads during extraction
	ReadBlockSize uint64 // largest single read in bytes
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.LabelSectors <= 0 {
		o.LabelSectors = label.DefaultScanSectors
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ReadBlockSize == 0 {
		o.ReadBlockSize = DefaultReadBlockSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// physical is a device that carries a valid label
type physical struct {
	dev   Device
	label *label.Label
	areas []*area
}

// area is one metadata area of a physical volume
type area struct {
	index  int
	header *mda.Header
	gens   []*mda.Generation // verified, most recent first
}

// candidates returns the verified generations of every metadata area, most
// recent first
func (p *physical) candidates() []*mda.Generation {
	var out []*mda.Generation
	for _, a := range p.areas {
		out = append(out, a.gens...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seqno > out[j].Seqno })
	return out
}

// Group is an assembled volume group. Its model is immutable and may be
// shared by concurrent extractions.
type Group struct {
	VG      *metadata.VolumeGroup
	Root    *grammar.Node
	Current *mda.Generation

	source  *physical
	members map[string]*physical // by PV id without dashes
	copies  []*physical          // physical volumes holding metadata of this group
	used    map[*physical]*mda.Generation
}

// Device returns the capture holding the physical volume with the given
// metadata name, or nil when it was not supplied
func (g *Group) Device(pvName string) *Device {
	if p := g.member(pvName); p != nil {
		return &p.dev
	}
	return nil
}

func (g *Group) member(pvName string) *physical {
	pv := g.VG.PV(pvName)
	if pv == nil {
		return nil
	}
	return g.members[util.NormalizeID(pv.ID)]
}

// Missing lists the declared physical volumes no device was found for
func (g *Group) Missing() []string {
	var out []string
	for _, pv := range g.VG.PhysicalVolumes {
		if g.members[util.NormalizeID(pv.ID)] == nil {
			out = append(out, pv.Name)
		}
	}
	return out
}

// Extractor holds the volume groups found on a set of devices
type Extractor struct {
	opts     Options
	log      *zap.Logger
	devices  []Device
	pvs      []*physical
	groups   []*Group
	warnings []error
}

// Open scans every device and assembles the volume groups they describe.
// Devices without a usable label or metadata are reported through Warnings.
// Open fails only when no volume group could be assembled at all.
func Open(ctx context.Context, devices []Device, opts Options) (*Extractor, error) {
	opts = opts.withDefaults()
	e := &Extractor{opts: opts, log: opts.Logger, devices: devices}

	seen := make(map[string]*physical)
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.scanDevice(dev)
		if err != nil {
			e.warn(err)
			continue
		}
		key := util.NormalizeID(p.label.PVUUID)
		if prev, dup := seen[key]; dup {
			e.warn(fmt.Errorf("device %s: physical volume %s already found on %s, ignoring", dev.Name, p.label.ID(), prev.dev.Name))
			continue
		}
		seen[key] = p
		e.pvs = append(e.pvs, p)
	}

	e.assemble()
	if len(e.groups) == 0 {
		err := types.NewLVMError(types.ErrNoValidMetadataGeneration, "extractor.Open",
			fmt.Sprintf("%d devices", len(devices)), "no volume group could be assembled")
		return nil, multierr.Append(err, multierr.Combine(e.warnings...))
	}

	for _, g := range e.groups {
		e.log.Info("volume group assembled",
			zap.String("vg", g.VG.Name),
			zap.String("id", g.VG.ID),
			zap.Uint64("seqno", g.VG.Seqno),
			zap.Int("pvs", len(g.VG.PhysicalVolumes)),
			zap.Int("lvs", len(g.VG.LogicalVolumes)),
			zap.Strings("missing", g.Missing()))
	}
	return e, nil
}

func (e *Extractor) warn(err error) {
	e.warnings = append(e.warnings, err)
	e.log.Warn("scan problem", zap.Error(err))
}

// scanDevice reads the label and every metadata area of one device
func (e *Extractor) scanDevice(dev Device) (*physical, error) {
	lbl, err := label.Scan(dev.Source, dev.Offset, e.opts.LabelSectors)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.Name, err)
	}
	e.log.Debug("label found",
		zap.String("device", dev.Name),
		zap.String("pv", lbl.ID()),
		zap.Int64("position", lbl.Position()),
		zap.Int("metadata_areas", len(lbl.MetadataAreas)))

	p := &physical{dev: dev, label: lbl}
	for i, desc := range lbl.MetadataAreas {
		h, err := mda.ReadHeader(dev.Source, lbl.Base, desc)
		if err != nil {
			e.warn(fmt.Errorf("device %s: metadata area %d: %w", dev.Name, i, err))
			continue
		}
		gens, errs := mda.Generations(dev.Source, lbl.Base, h)
		for _, gerr := range errs {
			e.warn(fmt.Errorf("device %s: metadata area %d: %w", dev.Name, i, gerr))
		}
		if len(gens) == 0 {
			e.warn(fmt.Errorf("device %s: metadata area %d: %w", dev.Name, i, types.ErrNoValidMetadataGeneration))
		}
		p.areas = append(p.areas, &area{index: i, header: h, gens: gens})
	}
	return p, nil
}

// parsed is a generation decoded into its syntax tree and model
type parsed struct {
	root *grammar.Node
	vg   *metadata.VolumeGroup
}

// decode returns the most recent generation of p whose text parses and
// builds. Every newer generation that does not is reported, and the
// outcome is remembered in cache since PVs of one group share copies.
func (e *Extractor) decode(p *physical, cache map[string]*parsed) (*mda.Generation, *parsed) {
	var failed *mda.Generation
	for _, gen := range p.candidates() {
		key := fmt.Sprintf("%s/%d/%08x/%d", gen.VGName, gen.Seqno, gen.Checksum, len(gen.Text))
		res, ok := cache[key]
		if !ok {
			res = &parsed{}
			var err error
			if res.root, err = grammar.Parse(gen.Text); err == nil {
				res.vg, err = metadata.Build(res.root)
			}
			if err != nil {
				e.warn(fmt.Errorf("device %s: seqno %d: %w", p.dev.Name, gen.Seqno, err))
				res = nil
			}
			cache[key] = res
		}
		if res == nil {
			if failed == nil {
				failed = gen
			}
			continue
		}
		if failed != nil {
			e.warn(fmt.Errorf("device %s: falling back to metadata seqno %d, seqno %d is unusable",
				p.dev.Name, gen.Seqno, failed.Seqno))
		}
		return gen, res
	}
	return nil, nil
}

// assemble builds one group per volume group id from the most recent
// usable metadata any member carries, then attaches every labelled device
// the metadata declares.
func (e *Extractor) assemble() {
	cache := make(map[string]*parsed)
	byID := make(map[string]*Group)

	for _, p := range e.pvs {
		gen, res := e.decode(p, cache)
		if res == nil {
			continue
		}

		id := util.NormalizeID(res.vg.ID)
		g := byID[id]
		switch {
		case g == nil:
			g = &Group{VG: res.vg, Root: res.root, Current: gen, source: p, used: make(map[*physical]*mda.Generation)}
			byID[id] = g
			e.groups = append(e.groups, g)
		case res.vg.Seqno > g.VG.Seqno:
			e.log.Debug("newer metadata found",
				zap.String("vg", res.vg.Name), zap.String("device", p.dev.Name),
				zap.Uint64("seqno", res.vg.Seqno), zap.Uint64("previous", g.VG.Seqno))
			g.VG, g.Root, g.Current, g.source = res.vg, res.root, gen, p
		}
		g.copies = append(g.copies, p)
		g.used[p] = gen
	}

	for _, g := range e.groups {
		g.members = make(map[string]*physical)
		for _, p := range e.pvs {
			if g.VG.PVByID(p.label.ID()) != nil {
				g.members[util.NormalizeID(p.label.PVUUID)] = p
			}
		}
		for _, p := range g.copies {
			if gen := g.used[p]; gen.Seqno < g.VG.Seqno {
				e.warn(fmt.Errorf("device %s: metadata of %s is stale (seqno %d, current %d)",
					p.dev.Name, g.VG.Name, gen.Seqno, g.VG.Seqno))
			}
		}
		if err := g.VG.Err(); err != nil {
			for _, perr := range multierr.Errors(err) {
				e.warn(fmt.Errorf("volume group %s: %w", g.VG.Name, perr))
			}
		}
	}

	for _, p := range e.pvs {
		owned := false
		for _, g := range e.groups {
			if g.members[util.NormalizeID(p.label.PVUUID)] != nil {
				owned = true
				break
			}
		}
		if !owned {
			e.warn(fmt.Errorf("device %s: physical volume %s belongs to no assembled volume group", p.dev.Name, p.label.ID()))
		}
	}

	sort.SliceStable(e.groups, func(i, j int) bool {
		return e.groups[i].VG.Name < e.groups[j].VG.Name
	})
}

// Warnings returns every non-fatal problem met while scanning
func (e *Extractor) Warnings() []error {
	return append([]error(nil), e.warnings...)
}

// Groups returns the assembled volume groups ordered by name
func (e *Extractor) Groups() []*Group {
	return append([]*Group(nil), e.groups...)
}

// Group returns the volume group with the given name or id
func (e *Extractor) Group(name string) (*Group, error) {
	for _, g := range e.groups {
		if g.VG.Name == name {
			return g, nil
		}
	}
	want := util.NormalizeID(name)
	for _, g := range e.groups {
		if util.NormalizeID(g.VG.ID) == want {
			return g, nil
		}
	}
	return nil, types.NewLVMError(types.ErrVolumeGroupNotFound, "extractor.Group", name, "")
}

func (e *Extractor) lookup(vgName, lvName string) (*Group, *metadata.LogicalVolume, error) {
	g, err := e.Group(vgName)
	if err != nil {
		return nil, nil, err
	}
	lv := g.VG.LV(lvName)
	if lv == nil {
		return nil, nil, types.NewLVMError(types.ErrLogicalVolumeNotFound, "extractor.lookup", vgName+"/"+lvName, "")
	}
	return g, lv, nil
}

// Close releases every device
func (e *Extractor) Close() error {
	var err error
	closed := make(map[body.Source]bool)
	for _, dev := range e.devices {
		if dev.Source == nil || closed[dev.Source] {
			continue
		}
		closed[dev.Source] = true
		err = multierr.Append(err, dev.Source.Close())
	}
	return err
}

// IsLookupError reports whether err names a volume that does not exist
func IsLookupError(err error) bool {
	return errors.Is(err, types.ErrVolumeGroupNotFound) || errors.Is(err, types.ErrLogicalVolumeNotFound)
}

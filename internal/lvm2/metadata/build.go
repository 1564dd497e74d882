package metadata

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/grammar"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

var segmentName = regexp.MustCompile(`^segment(\d+)$`)

// Build converts a parsed metadata document into a VolumeGroup. Anomalies
// confined to one logical volume are recorded on it and Build carries on;
// only a document that cannot describe a volume group is an error.
func Build(root *grammar.Node) (*VolumeGroup, error) {
	sections := root.Sections()
	switch len(sections) {
	case 0:
		return nil, types.NewLVMError(types.ErrMissingField, "metadata.Build", "", "no volume group section")
	case 1:
	default:
		names := make([]string, 0, len(sections))
		for _, s := range sections {
			names = append(names, s.Name)
		}
		return nil, types.NewLVMError(types.ErrMultipleVolumeGroups, "metadata.Build", strings.Join(names, ","), "")
	}

	sec := sections[0]
	vg := &VolumeGroup{
		Name: sec.Name,
		pvs:  make(map[string]*PhysicalVolume),
		lvs:  make(map[string]*LogicalVolume),
	}

	var ok bool
	if vg.ID, ok = sec.String("id"); !ok {
		return nil, missing(vg.Name, "id")
	}
	extentSize, ok := sec.Int("extent_size")
	if !ok {
		return nil, missing(vg.Name, "extent_size")
	}
	if extentSize <= 0 {
		return nil, types.NewLVMError(types.ErrMissingField, "metadata.Build", vg.Name,
			fmt.Sprintf("extent_size %d", extentSize))
	}
	vg.ExtentSize = util.SectorsToBytes(uint64(extentSize))

	if seqno, ok := sec.Int("seqno"); ok && seqno >= 0 {
		vg.Seqno = uint64(seqno)
	}
	vg.Format, _ = sec.String("format")
	vg.Status, _ = sec.StringList("status")
	vg.Flags, _ = sec.StringList("flags")
	vg.Tags, _ = sec.StringList("tags")
	vg.MaxLV, _ = sec.Int("max_lv")
	vg.MaxPV, _ = sec.Int("max_pv")
	vg.MetadataCopies, _ = sec.Int("metadata_copies")
	vg.SystemID, _ = sec.String("system_id")

	vg.Contents, _ = root.String("contents")
	vg.Version, _ = root.Int("version")
	vg.Description, _ = root.String("description")
	vg.CreationHost, _ = root.String("creation_host")
	vg.CreationTime, _ = root.Int("creation_time")

	if pvs := sec.Section("physical_volumes"); pvs != nil {
		for _, s := range pvs.Sections() {
			pv, err := buildPV(vg.Name, s)
			if err != nil {
				return nil, err
			}
			vg.PhysicalVolumes = append(vg.PhysicalVolumes, pv)
			vg.pvs[pv.Name] = pv
		}
	}

	if lvs := sec.Section("logical_volumes"); lvs != nil {
		for _, s := range lvs.Sections() {
			lv := buildLV(vg, s)
			vg.LogicalVolumes = append(vg.LogicalVolumes, lv)
			vg.lvs[lv.Name] = lv
		}
	}

	// Sub-volume references can point forward, so they are checked once
	// every volume is known.
	for _, lv := range vg.LogicalVolumes {
		checkLegs(vg, lv)
	}
	return vg, nil
}

func missing(object, field string) error {
	return types.NewLVMError(types.ErrMissingField, "metadata.Build", object, field)
}

func buildPV(vgName string, s *grammar.Node) (*PhysicalVolume, error) {
	object := vgName + "/" + s.Name
	pv := &PhysicalVolume{Name: s.Name}

	var ok bool
	if pv.ID, ok = s.String("id"); !ok {
		return nil, missing(object, "id")
	}
	peStart, ok := s.Int("pe_start")
	if !ok || peStart < 0 {
		return nil, missing(object, "pe_start")
	}
	peCount, ok := s.Int("pe_count")
	if !ok || peCount < 0 {
		return nil, missing(object, "pe_count")
	}
	pv.PEStart = util.SectorsToBytes(uint64(peStart))
	pv.PECount = uint64(peCount)

	if devSize, ok := s.Int("dev_size"); ok && devSize > 0 {
		pv.DevSize = util.SectorsToBytes(uint64(devSize))
	}
	pv.Device, _ = s.String("device")
	pv.Status, _ = s.StringList("status")
	pv.Flags, _ = s.StringList("flags")
	pv.Tags, _ = s.StringList("tags")
	return pv, nil
}

func buildLV(vg *VolumeGroup, s *grammar.Node) *LogicalVolume {
	lv := &LogicalVolume{Name: s.Name}
	lv.ID, _ = s.String("id")
	lv.Status, _ = s.StringList("status")
	lv.Flags, _ = s.StringList("flags")
	lv.Tags, _ = s.StringList("tags")
	lv.CreationHost, _ = s.String("creation_host")
	lv.CreationTime, _ = s.Int("creation_time")

	declared, hasCount := s.Int("segment_count")
	lv.SegmentCount = int(declared)

	for _, c := range s.Sections() {
		m := segmentName.FindStringSubmatch(c.Name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		seg, err := buildSegment(lv.Name, c, idx)
		if err != nil {
			lv.Problems = append(lv.Problems, err)
			continue
		}
		lv.Segments = append(lv.Segments, seg)
	}
	sort.SliceStable(lv.Segments, func(a, b int) bool {
		return lv.Segments[a].Index < lv.Segments[b].Index
	})

	if !hasCount {
		lv.SegmentCount = len(lv.Segments)
		lv.Problems = append(lv.Problems, &types.InconsistentExtentMapError{LV: lv.Name, Detail: "segment_count missing"})
	} else if int(declared) != len(lv.Segments) {
		lv.Problems = append(lv.Problems, &types.InconsistentExtentMapError{
			LV:     lv.Name,
			Detail: fmt.Sprintf("segment_count is %d but %d segments decoded", declared, len(lv.Segments)),
		})
	}

	var next uint64
	for _, seg := range lv.Segments {
		if seg.StartExtent != next {
			detail := "gap before segment"
			if seg.StartExtent < next {
				detail = "overlapping segment"
			}
			lv.Problems = append(lv.Problems, &types.InconsistentExtentMapError{
				LV: lv.Name, Detail: fmt.Sprintf("%s %d", detail, seg.Index), Start: next, End: seg.StartExtent,
			})
		}
		next = seg.EndExtent()
		checkStripes(vg, lv, seg)
	}
	return lv
}

func buildSegment(lvName string, s *grammar.Node, idx int) (*Segment, error) {
	seg := &Segment{Index: idx}

	start, ok := s.Int("start_extent")
	if !ok || start < 0 {
		return nil, &types.InconsistentExtentMapError{LV: lvName, Detail: fmt.Sprintf("segment %d: start_extent missing", idx)}
	}
	count, ok := s.Int("extent_count")
	if !ok || count < 0 {
		return nil, &types.InconsistentExtentMapError{LV: lvName, Detail: fmt.Sprintf("segment %d: extent_count missing", idx)}
	}
	seg.StartExtent = uint64(start)
	seg.ExtentCount = uint64(count)
	seg.TypeName, _ = s.String("type")
	seg.Tags, _ = s.StringList("tags")

	if size, ok := s.Int("stripe_size"); ok && size > 0 {
		seg.StripeSize = util.SectorsToBytes(uint64(size))
	}
	if size, ok := s.Int("region_size"); ok && size > 0 {
		seg.RegionSize = util.SectorsToBytes(uint64(size))
	}
	if size, ok := s.Int("chunk_size"); ok && size > 0 {
		seg.ChunkSize = util.SectorsToBytes(uint64(size))
	}

	switch t := seg.TypeName; {
	case t == "striped" || t == "linear":
		pairs, err := targetPairs(s, "stripes")
		if err != nil {
			return nil, &types.InconsistentExtentMapError{LV: lvName, Detail: fmt.Sprintf("segment %d: %v", idx, err)}
		}
		for _, p := range pairs {
			seg.Stripes = append(seg.Stripes, StripeTarget{PV: p.name, StartExtent: p.extent})
		}
		if n, ok := s.Int("stripe_count"); ok && int(n) != len(seg.Stripes) {
			return nil, &types.InconsistentExtentMapError{LV: lvName,
				Detail: fmt.Sprintf("segment %d: stripe_count %d with %d stripes", idx, n, len(seg.Stripes))}
		}
		if len(seg.Stripes) == 0 {
			return nil, &types.InconsistentExtentMapError{LV: lvName, Detail: fmt.Sprintf("segment %d: no stripes", idx)}
		}
		if len(seg.Stripes) == 1 {
			seg.Type = Linear
		} else {
			seg.Type = Striped
			if seg.StripeSize == 0 {
				return nil, &types.InconsistentExtentMapError{LV: lvName, Detail: fmt.Sprintf("segment %d: stripe_size missing", idx)}
			}
		}

	case t == "mirror":
		seg.Type = Mirrored
		pairs, err := targetPairs(s, "mirrors")
		if err != nil {
			return nil, &types.InconsistentExtentMapError{LV: lvName, Detail: fmt.Sprintf("segment %d: %v", idx, err)}
		}
		for _, p := range pairs {
			seg.Legs = append(seg.Legs, LegTarget{LV: p.name, StartExtent: p.extent})
		}
		seg.MirrorLog, _ = s.String("mirror_log")

	case strings.HasPrefix(t, "raid"):
		seg.Type = Raid
		seg.RaidLevel = t
		names, _ := s.StringList("raids")
		devices, hasDevices := s.Int("device_count")
		images, metas := splitRaids(names, devices, hasDevices)
		for _, name := range images {
			seg.Legs = append(seg.Legs, LegTarget{LV: name})
		}
		seg.MetaLVs = metas

	case t == "thin-pool":
		seg.Type = ThinPool
		seg.Metadata, _ = s.String("metadata")
		seg.Pool, _ = s.String("pool")

	case t == "thin":
		seg.Type = Thin
		seg.Pool, _ = s.String("thin_pool")
		seg.Origin, _ = s.String("origin")
		seg.DeviceID, _ = s.Int("device_id")

	case t == "cache" || t == "writecache":
		seg.Type = Cache
		if t == "cache" {
			seg.Pool, _ = s.String("cache_pool")
		} else {
			seg.Pool, _ = s.String("writecache")
		}
		seg.Origin, _ = s.String("origin")
		if seg.Origin != "" {
			seg.Legs = []LegTarget{{LV: seg.Origin}}
		}

	case t == "snapshot":
		seg.Type = Snapshot
		seg.Origin, _ = s.String("origin")
		seg.CowStore, _ = s.String("cow_store")

	case t == "zero":
		seg.Type = Zero

	default:
		seg.Type = Unsupported
	}
	return seg, nil
}

type targetPair struct {
	name   string
	extent uint64
}

// targetPairs decodes ["name", extent, "name", extent, ...]
func targetPairs(s *grammar.Node, key string) ([]targetPair, error) {
	items, ok := s.Array(key)
	if !ok {
		return nil, fmt.Errorf("%s missing", key)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("%s has %d items", key, len(items))
	}
	out := make([]targetPair, 0, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		name, ext := items[i], items[i+1]
		if name.Kind != grammar.StringValue || ext.Kind != grammar.IntegerValue || ext.Int < 0 {
			return nil, fmt.Errorf("%s item %d is not a name/extent pair", key, i/2)
		}
		out = append(out, targetPair{name: name.Str, extent: uint64(ext.Int)})
	}
	return out, nil
}

// splitRaids separates the image and metadata sub-volumes of a raid segment.
// With metadata devices the list alternates rmeta, rimage.
func splitRaids(names []string, devices int64, hasDevices bool) (images, metas []string) {
	if hasDevices && int64(len(names)) == 2*devices {
		for i := 0; i+1 < len(names); i += 2 {
			metas = append(metas, names[i])
			images = append(images, names[i+1])
		}
		return images, metas
	}
	for _, n := range names {
		if strings.Contains(n, "_rmeta_") {
			metas = append(metas, n)
		} else {
			images = append(images, n)
		}
	}
	return images, metas
}

func checkStripes(vg *VolumeGroup, lv *LogicalVolume, seg *Segment) {
	if len(seg.Stripes) == 0 {
		return
	}
	n := uint64(len(seg.Stripes))
	if seg.ExtentCount%n != 0 {
		lv.Problems = append(lv.Problems, &types.InconsistentExtentMapError{
			LV: lv.Name, Detail: fmt.Sprintf("segment %d: %d extents over %d stripes", seg.Index, seg.ExtentCount, n),
			Start: seg.StartExtent, End: seg.EndExtent(),
		})
	}
	area := seg.ExtentCount / n
	for _, st := range seg.Stripes {
		pv := vg.PV(st.PV)
		if pv == nil {
			lv.Problems = append(lv.Problems, &types.UnresolvedPvReferenceError{PV: st.PV, LV: lv.Name, Segment: seg.Index})
			continue
		}
		if st.StartExtent+area > pv.PECount {
			lv.Problems = append(lv.Problems, &types.ExtentOutOfRangeError{
				LV: lv.Name, SegmentIndex: seg.Index, PV: st.PV, Extent: st.StartExtent + area, Limit: pv.PECount,
			})
		}
	}
}

func checkLegs(vg *VolumeGroup, lv *LogicalVolume) {
	for _, seg := range lv.Segments {
		for _, leg := range seg.Legs {
			if vg.LV(leg.LV) == nil {
				lv.Problems = append(lv.Problems, &types.UnresolvedLvReferenceError{Target: leg.LV, LV: lv.Name, Segment: seg.Index})
			}
		}
	}
}

// Package metadata turns a parsed LVM2 metadata tree into a typed volume
// group model. The model is immutable once built and safe to share between
// goroutines.
package metadata

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// SegmentType is the mapping a segment applies to its extents
type SegmentType int

const (
	Linear SegmentType = iota
	Striped
	Mirrored
	Raid
	ThinPool
	Thin
	Cache
	Snapshot
	Zero
	Unsupported
)

var segmentTypeNames = map[SegmentType]string{
	Linear:      "linear",
	Striped:     "striped",
	Mirrored:    "mirror",
	Raid:        "raid",
	ThinPool:    "thin-pool",
	Thin:        "thin",
	Cache:       "cache",
	Snapshot:    "snapshot",
	Zero:        "zero",
	Unsupported: "unsupported",
}

func (t SegmentType) String() string {
	if s, ok := segmentTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("SegmentType(%d)", int(t))
}

// MarshalText renders the type by name in metadata dumps
func (t SegmentType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// StripeTarget is one PV area of a linear or striped segment
type StripeTarget struct {
	PV          string `json:"pv" yaml:"pv" plist:"pv"`
	StartExtent uint64 `json:"start_extent" yaml:"start_extent" plist:"start_extent"`
}

// LegTarget is one sub-volume a mirror, raid or cache segment maps onto
type LegTarget struct {
	LV          string `json:"lv" yaml:"lv" plist:"lv"`
	StartExtent uint64 `json:"start_extent" yaml:"start_extent" plist:"start_extent"`
}

// Segment maps a contiguous run of logical extents. Which fields are set
// depends on Type.
type Segment struct {
	Index       int         `json:"index" yaml:"index" plist:"index"`
	StartExtent uint64      `json:"start_extent" yaml:"start_extent" plist:"start_extent"`
	ExtentCount uint64      `json:"extent_count" yaml:"extent_count" plist:"extent_count"`
	Type        SegmentType `json:"type" yaml:"type" plist:"type"`
	TypeName    string      `json:"type_name" yaml:"type_name" plist:"type_name"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty" plist:"tags,omitempty"`

	// Linear and Striped
	StripeSize uint64         `json:"stripe_size,omitempty" yaml:"stripe_size,omitempty" plist:"stripe_size,omitempty"`
	Stripes    []StripeTarget `json:"stripes,omitempty" yaml:"stripes,omitempty" plist:"stripes,omitempty"`

	// Mirrored, Raid and Cache
	RaidLevel  string      `json:"raid_level,omitempty" yaml:"raid_level,omitempty" plist:"raid_level,omitempty"`
	RegionSize uint64      `json:"region_size,omitempty" yaml:"region_size,omitempty" plist:"region_size,omitempty"`
	Legs       []LegTarget `json:"legs,omitempty" yaml:"legs,omitempty" plist:"legs,omitempty"`
	MirrorLog  string      `json:"mirror_log,omitempty" yaml:"mirror_log,omitempty" plist:"mirror_log,omitempty"`
	MetaLVs    []string    `json:"meta_lvs,omitempty" yaml:"meta_lvs,omitempty" plist:"meta_lvs,omitempty"`

	// Thin, ThinPool, Cache and Snapshot
	Pool      string `json:"pool,omitempty" yaml:"pool,omitempty" plist:"pool,omitempty"`
	Metadata  string `json:"metadata,omitempty" yaml:"metadata,omitempty" plist:"metadata,omitempty"`
	Origin    string `json:"origin,omitempty" yaml:"origin,omitempty" plist:"origin,omitempty"`
	CowStore  string `json:"cow_store,omitempty" yaml:"cow_store,omitempty" plist:"cow_store,omitempty"`
	ChunkSize uint64 `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty" plist:"chunk_size,omitempty"`
	DeviceID  int64  `json:"device_id,omitempty" yaml:"device_id,omitempty" plist:"device_id,omitempty"`
}

// EndExtent returns the first logical extent after the segment
func (s *Segment) EndExtent() uint64 {
	return s.StartExtent + s.ExtentCount
}

// PhysicalVolume is a PV as declared by the volume group metadata
type PhysicalVolume struct {
	Name    string   `json:"name" yaml:"name" plist:"name"`
	ID      string   `json:"id" yaml:"id" plist:"id"`
	Device  string   `json:"device,omitempty" yaml:"device,omitempty" plist:"device,omitempty"`
	Status  []string `json:"status,omitempty" yaml:"status,omitempty" plist:"status,omitempty"`
	Flags   []string `json:"flags,omitempty" yaml:"flags,omitempty" plist:"flags,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty" plist:"tags,omitempty"`
	DevSize uint64   `json:"dev_size" yaml:"dev_size" plist:"dev_size"` // bytes
	PEStart uint64   `json:"pe_start" yaml:"pe_start" plist:"pe_start"` // bytes
	PECount uint64   `json:"pe_count" yaml:"pe_count" plist:"pe_count"`
}

// LogicalVolume is an LV with its segments sorted by start extent. Problems
// lists anomalies found while building it; such a volume may still be
// partially extractable.
type LogicalVolume struct {
	Name         string     `json:"name" yaml:"name" plist:"name"`
	ID           string     `json:"id" yaml:"id" plist:"id"`
	Status       []string   `json:"status,omitempty" yaml:"status,omitempty" plist:"status,omitempty"`
	Flags        []string   `json:"flags,omitempty" yaml:"flags,omitempty" plist:"flags,omitempty"`
	Tags         []string   `json:"tags,omitempty" yaml:"tags,omitempty" plist:"tags,omitempty"`
	CreationHost string     `json:"creation_host,omitempty" yaml:"creation_host,omitempty" plist:"creation_host,omitempty"`
	CreationTime int64      `json:"creation_time,omitempty" yaml:"creation_time,omitempty" plist:"creation_time,omitempty"`
	SegmentCount int        `json:"segment_count" yaml:"segment_count" plist:"segment_count"`
	Segments     []*Segment `json:"segments" yaml:"segments" plist:"segments"`
	Problems     []error    `json:"-" yaml:"-" plist:"-"`
}

// ExtentCount returns the number of logical extents the segments cover
func (lv *LogicalVolume) ExtentCount() uint64 {
	if len(lv.Segments) == 0 {
		return 0
	}
	return lv.Segments[len(lv.Segments)-1].EndExtent()
}

// Visible reports whether LVM2 shows the volume to users. Mirror images,
// raid images and pool internals are hidden.
func (lv *LogicalVolume) Visible() bool {
	return hasFlag(lv.Status, "VISIBLE")
}

// Err combines the problems recorded for the volume
func (lv *LogicalVolume) Err() error {
	return multierr.Combine(lv.Problems...)
}

// Types returns the distinct segment types in segment order
func (lv *LogicalVolume) Types() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range lv.Segments {
		if !seen[s.TypeName] {
			seen[s.TypeName] = true
			out = append(out, s.TypeName)
		}
	}
	return out
}

// VolumeGroup is one generation of a volume group's metadata
type VolumeGroup struct {
	Name            string            `json:"name" yaml:"name" plist:"name"`
	ID              string            `json:"id" yaml:"id" plist:"id"`
	Seqno           uint64            `json:"seqno" yaml:"seqno" plist:"seqno"`
	Format          string            `json:"format,omitempty" yaml:"format,omitempty" plist:"format,omitempty"`
	Status          []string          `json:"status,omitempty" yaml:"status,omitempty" plist:"status,omitempty"`
	Flags           []string          `json:"flags,omitempty" yaml:"flags,omitempty" plist:"flags,omitempty"`
	Tags            []string          `json:"tags,omitempty" yaml:"tags,omitempty" plist:"tags,omitempty"`
	ExtentSize      uint64            `json:"extent_size" yaml:"extent_size" plist:"extent_size"` // bytes
	MaxLV           int64             `json:"max_lv" yaml:"max_lv" plist:"max_lv"`
	MaxPV           int64             `json:"max_pv" yaml:"max_pv" plist:"max_pv"`
	MetadataCopies  int64             `json:"metadata_copies,omitempty" yaml:"metadata_copies,omitempty" plist:"metadata_copies,omitempty"`
	SystemID        string            `json:"system_id,omitempty" yaml:"system_id,omitempty" plist:"system_id,omitempty"`
	PhysicalVolumes []*PhysicalVolume `json:"physical_volumes" yaml:"physical_volumes" plist:"physical_volumes"`
	LogicalVolumes  []*LogicalVolume  `json:"logical_volumes" yaml:"logical_volumes" plist:"logical_volumes"`

	Contents     string `json:"contents,omitempty" yaml:"contents,omitempty" plist:"contents,omitempty"`
	Version      int64  `json:"version,omitempty" yaml:"version,omitempty" plist:"version,omitempty"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty" plist:"description,omitempty"`
	CreationHost string `json:"creation_host,omitempty" yaml:"creation_host,omitempty" plist:"creation_host,omitempty"`
	CreationTime int64  `json:"creation_time,omitempty" yaml:"creation_time,omitempty" plist:"creation_time,omitempty"`

	pvs map[string]*PhysicalVolume
	lvs map[string]*LogicalVolume
}

// PV returns the physical volume declared under name (pv0, pv1, ...)
func (vg *VolumeGroup) PV(name string) *PhysicalVolume {
	return vg.pvs[name]
}

// PVByID returns the physical volume whose id matches, dashes ignored
func (vg *VolumeGroup) PVByID(id string) *PhysicalVolume {
	want := util.NormalizeID(id)
	for _, pv := range vg.PhysicalVolumes {
		if util.NormalizeID(pv.ID) == want {
			return pv
		}
	}
	return nil
}

// LV returns the logical volume called name
func (vg *VolumeGroup) LV(name string) *LogicalVolume {
	return vg.lvs[name]
}

// Err aggregates the problems of every logical volume, nil when there are none
func (vg *VolumeGroup) Err() error {
	var err error
	for _, lv := range vg.LogicalVolumes {
		err = multierr.Append(err, lv.Err())
	}
	return err
}

// ExtentBytes converts a count of extents to bytes
func (vg *VolumeGroup) ExtentBytes(extents uint64) uint64 {
	return extents * vg.ExtentSize
}

func hasFlag(list []string, flag string) bool {
	for _, f := range list {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/grammar"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

const vgHeader = `vg0 {
	id = "mW1dfu-2Jk3-mz4Q-3b1V-vVFD-UZkE-6pLhCw"
	seqno = 7
	format = "lvm2"
	status = ["RESIZEABLE", "READ", "WRITE"]
	flags = []
	extent_size = 8
	max_lv = 0
	max_pv = 0
	metadata_copies = 0

	physical_volumes {
		pv0 {
			id = "Kq2lTQ-0fWb-Vd6r-PXYQ-CjSa-f1mV-3yJxNe"
			device = "/dev/sdb"
			status = ["ALLOCATABLE"]
			flags = []
			dev_size = 4096
			pe_start = 2048
			pe_count = 100
		}
		pv1 {
			id = "AAAAAA-0000-BBBB-1111-CCCC-2222-DDDDDD"
			device = "/dev/sdc"
			dev_size = 4096
			pe_start = 2048
			pe_count = 100
		}
	}
`

func build(t *testing.T, lvs string) *VolumeGroup {
	t.Helper()
	text := vgHeader + "\tlogical_volumes {\n" + lvs + "\t}\n}\n" +
		"contents = \"Text Format Volume Group\"\nversion = 1\ndescription = \"\"\ncreation_host = \"forensics\"\ncreation_time = 1700000000\n"
	root, err := grammar.Parse([]byte(text))
	require.NoError(t, err)
	vg, err := Build(root)
	require.NoError(t, err)
	return vg
}

const linearLV = `
		data {
			id = "cX0X2V-ePzJ-3rQb-Gx4g-aCdc-1d3V-IRm7yA"
			status = ["READ", "WRITE", "VISIBLE"]
			flags = []
			creation_host = "forensics"
			creation_time = 1700000001
			segment_count = 1

			segment1 {
				start_extent = 0
				extent_count = 10
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 5]
			}
		}
`

func TestBuildLinear(t *testing.T) {
	vg := build(t, linearLV)

	assert.Equal(t, "vg0", vg.Name)
	assert.Equal(t, uint64(7), vg.Seqno)
	assert.Equal(t, uint64(8*512), vg.ExtentSize)
	assert.Equal(t, []string{"RESIZEABLE", "READ", "WRITE"}, vg.Status)
	assert.Equal(t, "Text Format Volume Group", vg.Contents)
	assert.Equal(t, "forensics", vg.CreationHost)
	assert.Equal(t, int64(1700000000), vg.CreationTime)

	require.Len(t, vg.PhysicalVolumes, 2)
	pv := vg.PV("pv0")
	require.NotNil(t, pv)
	assert.Equal(t, uint64(2048*512), pv.PEStart)
	assert.Equal(t, uint64(100), pv.PECount)
	assert.Equal(t, uint64(4096*512), pv.DevSize)
	assert.Same(t, pv, vg.PVByID("Kq2lTQ0fWbVd6rPXYQCjSaf1mV3yJxNe"))

	lv := vg.LV("data")
	require.NotNil(t, lv)
	assert.True(t, lv.Visible())
	assert.Equal(t, int64(1700000001), lv.CreationTime)
	require.Len(t, lv.Segments, 1)
	seg := lv.Segments[0]
	assert.Equal(t, Linear, seg.Type)
	assert.Equal(t, "striped", seg.TypeName)
	assert.Equal(t, []StripeTarget{{PV: "pv0", StartExtent: 5}}, seg.Stripes)
	assert.Equal(t, uint64(10), lv.ExtentCount())
	assert.Empty(t, lv.Problems)
	assert.NoError(t, vg.Err())
}

func TestBuildSortsSegmentsNumerically(t *testing.T) {
	vg := build(t, `
		data {
			id = "x"
			segment_count = 3
			segment10 {
				start_extent = 3
				extent_count = 1
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 3]
			}
			segment2 {
				start_extent = 1
				extent_count = 2
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 1]
			}
			segment1 {
				start_extent = 0
				extent_count = 1
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 0]
			}
		}
`)
	lv := vg.LV("data")
	require.Len(t, lv.Segments, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{lv.Segments[0].Index, lv.Segments[1].Index, lv.Segments[2].Index})
	assert.Empty(t, lv.Problems)
	assert.Equal(t, uint64(4), lv.ExtentCount())
}

func TestBuildSegmentTypes(t *testing.T) {
	vg := build(t, `
		striped {
			id = "a"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 20
				type = "striped"
				stripe_count = 2
				stripe_size = 128
				stripes = ["pv0", 0, "pv1", 0]
			}
		}
		mirrored {
			id = "b"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 4
				type = "mirror"
				mirror_count = 2
				mirror_log = "mirrored_mlog"
				region_size = 1024
				mirrors = ["striped", 0, "r1", 0]
			}
		}
		r1 {
			id = "c"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 4
				type = "raid1"
				device_count = 2
				region_size = 1024
				raids = ["r1_rmeta_0", "striped", "r1_rmeta_1", "mirrored"]
			}
		}
		thinvol {
			id = "d"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 4
				type = "thin"
				thin_pool = "pool"
				transaction_id = 1
				device_id = 3
			}
		}
		odd {
			id = "e"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 4
				type = "vdo"
			}
		}
		blank {
			id = "f"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 4
				type = "zero"
			}
		}
`)

	seg := vg.LV("striped").Segments[0]
	assert.Equal(t, Striped, seg.Type)
	assert.Equal(t, uint64(128*512), seg.StripeSize)
	assert.Len(t, seg.Stripes, 2)

	seg = vg.LV("mirrored").Segments[0]
	assert.Equal(t, Mirrored, seg.Type)
	assert.Equal(t, []LegTarget{{LV: "striped"}, {LV: "r1"}}, seg.Legs)
	assert.Equal(t, "mirrored_mlog", seg.MirrorLog)
	assert.Equal(t, uint64(1024*512), seg.RegionSize)

	seg = vg.LV("r1").Segments[0]
	assert.Equal(t, Raid, seg.Type)
	assert.Equal(t, "raid1", seg.RaidLevel)
	assert.Equal(t, []LegTarget{{LV: "striped"}, {LV: "mirrored"}}, seg.Legs)
	assert.Equal(t, []string{"r1_rmeta_0", "r1_rmeta_1"}, seg.MetaLVs)

	seg = vg.LV("thinvol").Segments[0]
	assert.Equal(t, Thin, seg.Type)
	assert.Equal(t, "pool", seg.Pool)
	assert.Equal(t, int64(3), seg.DeviceID)

	seg = vg.LV("odd").Segments[0]
	assert.Equal(t, Unsupported, seg.Type)
	assert.Equal(t, "vdo", seg.TypeName)

	assert.Equal(t, Zero, vg.LV("blank").Segments[0].Type)
	assert.Equal(t, []string{"zero"}, vg.LV("blank").Types())
}

func TestBuildRecordsUnresolvedPV(t *testing.T) {
	vg := build(t, linearLV+`
		broken {
			id = "y"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 4
				type = "striped"
				stripe_count = 1
				stripes = ["pv9", 0]
			}
		}
`)

	assert.Empty(t, vg.LV("data").Problems)

	broken := vg.LV("broken")
	require.NotNil(t, broken)
	require.Len(t, broken.Problems, 1)
	var perr *types.UnresolvedPvReferenceError
	require.True(t, errors.As(broken.Problems[0], &perr))
	assert.Equal(t, "pv9", perr.PV)
	assert.Equal(t, "broken", perr.LV)

	assert.ErrorIs(t, vg.Err(), types.ErrUnresolvedPvReference)
	assert.True(t, types.IsVolumeScoped(vg.Err()))
}

func TestBuildExtentMapProblems(t *testing.T) {
	tests := []struct {
		name    string
		lv      string
		wantErr error
	}{
		{
			name: "gap",
			lv: `
		v {
			id = "g"
			segment_count = 2
			segment1 {
				start_extent = 0
				extent_count = 2
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 0]
			}
			segment2 {
				start_extent = 5
				extent_count = 2
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 5]
			}
		}
`,
			wantErr: types.ErrInconsistentExtentMap,
		},
		{
			name: "not starting at zero",
			lv: `
		v {
			id = "g"
			segment_count = 1
			segment1 {
				start_extent = 1
				extent_count = 2
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 0]
			}
		}
`,
			wantErr: types.ErrInconsistentExtentMap,
		},
		{
			name: "segment count mismatch",
			lv: `
		v {
			id = "g"
			segment_count = 2
			segment1 {
				start_extent = 0
				extent_count = 2
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 0]
			}
		}
`,
			wantErr: types.ErrInconsistentExtentMap,
		},
		{
			name: "beyond pe_count",
			lv: `
		v {
			id = "g"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 10
				type = "striped"
				stripe_count = 1
				stripes = ["pv0", 95]
			}
		}
`,
			wantErr: types.ErrExtentOutOfRange,
		},
		{
			name: "unresolved sub-volume",
			lv: `
		v {
			id = "g"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 2
				type = "mirror"
				mirrors = ["v_mimage_0", 0, "v_mimage_1", 0]
			}
		}
`,
			wantErr: types.ErrUnresolvedLvReference,
		},
		{
			name: "malformed stripes",
			lv: `
		v {
			id = "g"
			segment_count = 1
			segment1 {
				start_extent = 0
				extent_count = 2
				type = "striped"
				stripes = ["pv0"]
			}
		}
`,
			wantErr: types.ErrInconsistentExtentMap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vg := build(t, tt.lv)
			lv := vg.LV("v")
			require.NotNil(t, lv)
			require.NotEmpty(t, lv.Problems)
			assert.ErrorIs(t, lv.Err(), tt.wantErr)
		})
	}
}

func TestBuildStructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"empty", `contents = "x"`, types.ErrMissingField},
		{"two volume groups", `a { id = "1" extent_size = 8 } b { id = "2" extent_size = 8 }`, types.ErrMultipleVolumeGroups},
		{"missing id", `a { extent_size = 8 }`, types.ErrMissingField},
		{"missing extent size", `a { id = "1" }`, types.ErrMissingField},
		{"zero extent size", `a { id = "1" extent_size = 0 }`, types.ErrMissingField},
		{"pv without pe_start", `a { id = "1" extent_size = 8 physical_volumes { pv0 { id = "p" pe_count = 1 } } }`, types.ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := grammar.Parse([]byte(tt.text))
			require.NoError(t, err)
			_, err = Build(root)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, types.IsStructural(err))
		})
	}
}

func TestBuildMinimal(t *testing.T) {
	root, err := grammar.Parse([]byte(`vg1 { id = "X" extent_size = 4096 }`))
	require.NoError(t, err)
	vg, err := Build(root)
	require.NoError(t, err)
	assert.Equal(t, "vg1", vg.Name)
	assert.Equal(t, "X", vg.ID)
	assert.Equal(t, uint64(4096*512), vg.ExtentSize)
	assert.Empty(t, vg.PhysicalVolumes)
	assert.Empty(t, vg.LogicalVolumes)
	assert.NoError(t, vg.Err())
}

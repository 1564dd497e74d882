package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/mda"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// Every fixture PV has its label in sector 1, a metadata area at 4 KiB and
// sixteen 4 KiB extents starting at 64 KiB.
const (
	testMDAOffset = 4096
	testMDASize   = 61440
	testPEStart   = 65536
	testExtent    = 4096
	testPECount   = 16
	testPVSize    = testPEStart + testPECount*testExtent

	testVGID = "vgid0000000000000000000000000000"
)

func testPVID(i int) string {
	return fmt.Sprintf("pv%030d", i)
}

func vgText(seqno int, lvs ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "vg0 {\nid = %q\nseqno = %d\nformat = \"lvm2\"\n", util.FormatID(testVGID), seqno)
	b.WriteString("status = [\"RESIZEABLE\", \"READ\", \"WRITE\"]\nextent_size = 8\nmax_lv = 0\nmax_pv = 0\n\n")
	b.WriteString("physical_volumes {\n")
	for i := 0; i < 2; i++ {
		fmt.Fprintf(&b, "pv%d {\nid = %q\ndevice = \"/dev/sd%c\"\nstatus = [\"ALLOCATABLE\"]\ndev_size = %d\npe_start = 128\npe_count = %d\n}\n",
			i, util.FormatID(testPVID(i)), 'b'+i, testPVSize/util.SectorSize, testPECount)
	}
	b.WriteString("}\n\nlogical_volumes {\n")
	for _, lv := range lvs {
		b.WriteString(lv)
	}
	b.WriteString("}\n}\n")
	b.WriteString("# Generated by LVM2\ncontents = \"Text Format Volume Group\"\nversion = 1\ndescription = \"\"\ncreation_host = \"case-host\"\ncreation_time = 1700000000\n")
	return []byte(b.String())
}

func lvText(name string, segments ...string) string {
	return fmt.Sprintf("%s {\nid = \"%s-id\"\nstatus = [\"READ\", \"WRITE\", \"VISIBLE\"]\nsegment_count = %d\n%s}\n",
		name, name, len(segments), strings.Join(segments, ""))
}

func linearSeg(idx, start, count int, pv string, pvExtent int) string {
	return fmt.Sprintf("segment%d {\nstart_extent = %d\nextent_count = %d\ntype = \"striped\"\nstripe_count = 1\nstripes = [\n%q, %d\n]\n}\n",
		idx, start, count, pv, pvExtent)
}

func typedSeg(idx, start, count int, typ string) string {
	return fmt.Sprintf("segment%d {\nstart_extent = %d\nextent_count = %d\ntype = %q\n}\n", idx, start, count, typ)
}

// standardLVs:
//
//	lin    4 extents on pv0 from extent 2
//	str    4 extents striped over pv0 (from 8) and pv1 (from 0), 1 KiB stripes
//	mixed  2 extents on pv1 from extent 4, then a zero extent, then 2 unsupported
//	thin   a thin volume, not reconstructable
var standardLVs = []string{
	lvText("lin", linearSeg(1, 0, 4, "pv0", 2)),
	lvText("str", "segment1 {\nstart_extent = 0\nextent_count = 4\ntype = \"striped\"\nstripe_count = 2\nstripe_size = 2\nstripes = [\n\"pv0\", 8,\n\"pv1\", 0\n]\n}\n"),
	lvText("mixed", linearSeg(1, 0, 2, "pv1", 4), typedSeg(2, 2, 1, "zero"), typedSeg(3, 3, 2, "error")),
	lvText("thin", typedSeg(1, 0, 4, "thin")),
}

// pattern is the content of byte i of fixture PV pv
func pattern(pv, i int) byte {
	return byte(uint32(i)*2654435761>>24) ^ byte(pv*0x5a+1)
}

// pvImage renders fixture PV pv with the given metadata copies. Without
// placements the PV carries no metadata area.
func pvImage(t *testing.T, pv int, placements ...mda.Placement) []byte {
	t.Helper()
	img := make([]byte, testPVSize)
	for i := testPEStart; i < testPVSize; i++ {
		img[i] = pattern(pv, i)
	}

	lbl := &label.Label{
		PVUUID:     testPVID(pv),
		DeviceSize: testPVSize,
		Sector:     1,
		DataAreas:  []label.Area{{Offset: testPEStart}},
	}
	if len(placements) > 0 {
		lbl.MetadataAreas = []label.Area{{Offset: testMDAOffset, Size: testMDASize}}
		area, _, err := mda.Build(testMDAOffset, testMDASize, placements)
		require.NoError(t, err)
		copy(img[testMDAOffset:], area)
	}

	sector, err := label.Encode(lbl)
	require.NoError(t, err)
	copy(img[util.SectorSize:], sector)
	return img
}

func standardImages(t *testing.T) ([]byte, []byte) {
	t.Helper()
	text := vgText(5, standardLVs...)
	return pvImage(t, 0, mda.Placement{Text: text}), pvImage(t, 1, mda.Placement{Text: text})
}

func device(name string, img []byte) Device {
	return Device{Name: name, Source: body.NewMemory(img)}
}

func openTest(t *testing.T, opts Options, devices ...Device) *Extractor {
	t.Helper()
	e, err := Open(context.Background(), devices, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// extentBytes returns extents [first, first+count) of a fixture image
func extentBytes(img []byte, first, count int) []byte {
	start := testPEStart + first*testExtent
	return img[start : start+count*testExtent]
}

// failingSource fails every read that reaches past from
type failingSource struct {
	*body.Memory
	from int64
}

func (f *failingSource) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.from {
		return 0, errors.New("medium error")
	}
	return f.Memory.ReadAt(p, off)
}

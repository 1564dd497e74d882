package mda

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/checksum"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

const (
	testAreaOffset = 4096
	testAreaSize   = 4096
)

var testArea = label.Area{Offset: testAreaOffset, Size: testAreaSize}

func vgText(name string, seqno int, pad int) []byte {
	return []byte(fmt.Sprintf("%s {\nid = \"abc\"\nseqno = %d\n# %s\n}\n", name, seqno, strings.Repeat("x", pad)))
}

// pvImage embeds a built metadata area in a PV-sized buffer at base
func pvImage(t *testing.T, base int64, placements []Placement) ([]byte, *Header) {
	t.Helper()
	area, h, err := Build(testAreaOffset, testAreaSize, placements)
	require.NoError(t, err)
	img := make([]byte, base+testAreaOffset+testAreaSize+4096)
	copy(img[base+testAreaOffset:], area)
	return img, h
}

func TestReadHeader(t *testing.T) {
	img, built := pvImage(t, 0, []Placement{{Text: vgText("vg0", 1, 10)}})

	h, err := ReadHeader(bytes.NewReader(img), 0, testArea)
	require.NoError(t, err)
	assert.Equal(t, uint32(Version), h.Version)
	assert.Equal(t, uint64(testAreaOffset), h.Start)
	assert.Equal(t, uint64(testAreaSize), h.Size)
	assert.Equal(t, built.Locations, h.Locations)
	assert.Equal(t, built.Checksum, h.Checksum)
}

func TestReadHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(hdr []byte)
		wantErr error
	}{
		{
			name:    "bad magic",
			mutate:  func(hdr []byte) { hdr[5] = 'X' },
			wantErr: types.ErrInvalidMagic,
		},
		{
			name:    "bad checksum",
			mutate:  func(hdr []byte) { hdr[300] ^= 0xff },
			wantErr: types.ErrInvalidChecksum,
		},
		{
			name: "unsupported version",
			mutate: func(hdr []byte) {
				binary.LittleEndian.PutUint32(hdr[20:24], 2)
				binary.LittleEndian.PutUint32(hdr[0:4], checksum.CRC(hdr[4:512]))
			},
			wantErr: types.ErrUnsupportedMetadataVersion,
		},
		{
			name: "start mismatch",
			mutate: func(hdr []byte) {
				binary.LittleEndian.PutUint64(hdr[24:32], 8192)
				binary.LittleEndian.PutUint32(hdr[0:4], checksum.CRC(hdr[4:512]))
			},
			wantErr: types.ErrInvalidMagic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, _ := pvImage(t, 0, []Placement{{Text: vgText("vg0", 1, 10)}})
			tt.mutate(img[testAreaOffset : testAreaOffset+HeaderSize])
			_, err := ReadHeader(bytes.NewReader(img), 0, testArea)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReadSelectsHighestSeqno(t *testing.T) {
	img, _ := pvImage(t, 0, []Placement{
		{Text: vgText("vg0", 3, 10)},
		{Text: vgText("vg0", 5, 20)},
		{Text: vgText("vg0", 4, 30)},
	})

	g, h, err := Read(bytes.NewReader(img), 0, testArea)
	require.NoError(t, err)
	require.Len(t, h.Locations, 3)
	assert.Equal(t, uint64(5), g.Seqno)
	assert.True(t, g.HasSeqno)
	assert.Equal(t, 1, g.Record)
	assert.Equal(t, "vg0", g.VGName)
	assert.True(t, g.Verified)
	assert.Equal(t, vgText("vg0", 5, 20), g.Text)
}

func TestReadTieKeepsListOrder(t *testing.T) {
	img, _ := pvImage(t, 0, []Placement{
		{Text: vgText("vg0", 7, 1)},
		{Text: vgText("vg0", 7, 2)},
	})

	g, _, err := Read(bytes.NewReader(img), 0, testArea)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Record)
}

func TestReadSkipsIgnoredRecords(t *testing.T) {
	img, _ := pvImage(t, 0, []Placement{
		{Text: vgText("vg0", 2, 10)},
		{Text: vgText("vg0", 9, 10), Flags: FlagIgnored},
	})

	g, _, err := Read(bytes.NewReader(img), 0, testArea)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g.Seqno)
}

func TestReadSkipsCorruptRecord(t *testing.T) {
	img, h := pvImage(t, 0, []Placement{
		{Text: vgText("vg0", 2, 10)},
		{Text: vgText("vg0", 3, 10)},
	})
	img[testAreaOffset+int(h.Locations[1].Offset)+4] ^= 0x20

	g, _, err := Read(bytes.NewReader(img), 0, testArea)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g.Seqno)

	gens, errs := Generations(bytes.NewReader(img), 0, h)
	assert.Len(t, gens, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrInvalidChecksum)
}

func TestReadNoValidGeneration(t *testing.T) {
	img, h := pvImage(t, 0, []Placement{{Text: vgText("vg0", 2, 10)}})
	img[testAreaOffset+int(h.Locations[0].Offset)] ^= 0x01

	_, _, err := Read(bytes.NewReader(img), 0, testArea)
	assert.ErrorIs(t, err, types.ErrNoValidMetadataGeneration)

	img, _ = pvImage(t, 0, []Placement{{Text: vgText("vg0", 2, 10), Flags: FlagIgnored}})
	_, _, err = Read(bytes.NewReader(img), 0, testArea)
	assert.ErrorIs(t, err, types.ErrNoValidMetadataGeneration)
}

func TestReadWrappedEqualsUnwrapped(t *testing.T) {
	text := vgText("vg0", 11, 900)

	straight, _ := pvImage(t, 0, []Placement{{Text: text}})
	wrapped, h := pvImage(t, 0, []Placement{{Offset: testAreaSize - 512, Text: text}})
	require.Greater(t, h.Locations[0].Offset+h.Locations[0].Size, uint64(testAreaSize))

	a, _, err := Read(bytes.NewReader(straight), 0, testArea)
	require.NoError(t, err)
	b, _, err := Read(bytes.NewReader(wrapped), 0, testArea)
	require.NoError(t, err)

	assert.False(t, a.Wrapped)
	assert.True(t, b.Wrapped)
	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Seqno, b.Seqno)
}

func TestReadAtBaseOffset(t *testing.T) {
	base := int64(1 << 20)
	img, _ := pvImage(t, base, []Placement{{Text: vgText("vg0", 1, 10)}})

	g, _, err := Read(bytes.NewReader(img), base, testArea)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.Seqno)
}

func TestReadRecordOutsideRing(t *testing.T) {
	h := &Header{Version: Version, Start: testAreaOffset, Size: testAreaSize,
		Locations: []Location{{Offset: testAreaSize + 512, Size: 10}}}
	_, err := ReadRecord(bytes.NewReader(make([]byte, 16384)), 0, h, 0)
	assert.ErrorIs(t, err, types.ErrInvalidMagic)
}

func TestReadShortBody(t *testing.T) {
	img, _ := pvImage(t, 0, []Placement{{Text: vgText("vg0", 1, 10)}})
	_, _, err := Read(bytes.NewReader(img[:testAreaOffset+100]), 0, testArea)
	assert.ErrorIs(t, err, types.ErrIO)
}

func TestScanHistory(t *testing.T) {
	img, h := pvImage(t, 0, []Placement{
		{Text: vgText("vg0", 1, 10), Unlisted: true},
		{Text: vgText("vg0", 2, 10), Unlisted: true},
		{Text: vgText("vg0", 3, 10)},
		{Text: vgText("other", 9, 10), Unlisted: true},
	})

	history, err := ScanHistory(bytes.NewReader(img), 0, h, "vg0")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(2), history[0].Seqno)
	assert.Equal(t, uint64(1), history[1].Seqno)
	for _, g := range history {
		assert.False(t, g.Verified)
		assert.Equal(t, -1, g.Record)
		assert.Equal(t, "vg0", g.VGName)
	}
	assert.Equal(t, vgText("vg0", 2, 10), history[0].Text)
}

func TestScanHistoryWrapped(t *testing.T) {
	text := vgText("vg0", 4, 900)
	img, h := pvImage(t, 0, []Placement{
		{Offset: testAreaSize - 512, Text: text, Unlisted: true},
		{Offset: 2048, Text: vgText("vg0", 5, 10)},
	})

	history, err := ScanHistory(bytes.NewReader(img), 0, h, "vg0")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Wrapped)
	assert.Equal(t, text, history[0].Text)
	assert.Equal(t, checksum.CRC(append(append([]byte{}, text...), 0)), history[0].Checksum)
}

func TestBuildRejectsOversizedText(t *testing.T) {
	_, _, err := Build(testAreaOffset, testAreaSize, []Placement{{Text: make([]byte, testAreaSize)}})
	assert.Error(t, err)
}

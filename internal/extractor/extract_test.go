package extractor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/cryptoutil"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/mda"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// stripedExpected interleaves the two 8 KiB stripe areas of "str" in 1 KiB rows
func stripedExpected(img0, img1 []byte) []byte {
	a := extentBytes(img0, 8, 2)
	b := extentBytes(img1, 0, 2)
	var out []byte
	for row := 0; row < 8; row++ {
		out = append(out, a[row*1024:(row+1)*1024]...)
		out = append(out, b[row*1024:(row+1)*1024]...)
	}
	return out
}

func TestExtractLinear(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0), device("disk1", img1))

	var buf bytes.Buffer
	report, err := e.Extract(context.Background(), "vg0", "lin", &buf)
	require.NoError(t, err)

	assert.Equal(t, extentBytes(img0, 2, 4), buf.Bytes())
	assert.Equal(t, uint64(4*testExtent), report.Size)
	assert.Equal(t, report.Size, report.Bytes)
	assert.Equal(t, report.Size, report.Data)
	assert.Empty(t, report.Warnings)
	assert.False(t, report.Aborted)
}

func TestExtractStriped(t *testing.T) {
	img0, img1 := standardImages(t)
	want := stripedExpected(img0, img1)

	tests := []struct {
		name string
		opts Options
	}{
		{name: "defaults", opts: Options{}},
		{name: "single worker", opts: Options{Workers: 1}},
		{name: "small reads many workers", opts: Options{Workers: 8, ReadBlockSize: 512}},
		{name: "odd read size", opts: Options{Workers: 3, ReadBlockSize: 700}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := openTest(t, tt.opts, device("disk0", img0), device("disk1", img1))
			var buf bytes.Buffer
			report, err := e.Extract(context.Background(), "vg0", "str", &buf)
			require.NoError(t, err)
			assert.Equal(t, want, buf.Bytes(), "stripes must be interleaved in logical order")
			assert.Equal(t, uint64(len(want)), report.Bytes)
		})
	}
}

func TestExtractZeroAndUnreadable(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0), device("disk1", img1))

	var buf bytes.Buffer
	report, err := e.Extract(context.Background(), "vg0", "mixed", &buf)
	require.NoError(t, err)

	want := append([]byte{}, extentBytes(img1, 4, 2)...)
	want = append(want, make([]byte, 3*testExtent)...)
	assert.Equal(t, want, buf.Bytes())

	assert.Equal(t, uint64(2*testExtent), report.Data)
	assert.Equal(t, uint64(testExtent), report.Zero)
	assert.Equal(t, uint64(2*testExtent), report.Filled)
	require.Len(t, report.Warnings, 1, "adjacent fills with one reason are merged")
	assert.Equal(t, Warning{Logical: 3 * testExtent, Length: 2 * testExtent, Reason: `segment type "error" is not supported`}, report.Warnings[0])
}

func TestExtractStripedUnevenExtentCount(t *testing.T) {
	uneven := lvText("uneven",
		"segment1 {\nstart_extent = 0\nextent_count = 3\ntype = \"striped\"\nstripe_count = 2\nstripe_size = 8\nstripes = [\n\"pv0\", 8,\n\"pv1\", 0\n]\n}\n",
		linearSeg(2, 3, 1, "pv0", 12))
	text := vgText(5, uneven)
	img0 := pvImage(t, 0, mda.Placement{Text: text})
	img1 := pvImage(t, 1, mda.Placement{Text: text})
	e := openTest(t, Options{ReadBlockSize: 1024}, device("disk0", img0), device("disk1", img1))

	lvs, err := e.LogicalVolumes("vg0")
	require.NoError(t, err)
	require.Len(t, lvs, 1)
	assert.True(t, lvs[0].Extractable)
	assert.True(t, lvs[0].Partial)

	var buf bytes.Buffer
	report, err := e.Extract(context.Background(), "vg0", "uneven", &buf)
	require.NoError(t, err)

	want := append([]byte{}, extentBytes(img0, 8, 1)...)
	want = append(want, extentBytes(img1, 0, 1)...)
	want = append(want, make([]byte, testExtent)...)
	want = append(want, extentBytes(img0, 12, 1)...)
	require.Len(t, buf.Bytes(), len(want))
	assert.Equal(t, want, buf.Bytes(), "the segment after the leftover extent keeps its offset")

	assert.Equal(t, uint64(4*testExtent), report.Bytes)
	assert.Equal(t, uint64(3*testExtent), report.Data)
	assert.Equal(t, uint64(testExtent), report.Filled)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, uint64(2*testExtent), report.Warnings[0].Logical)
	assert.Equal(t, uint64(testExtent), report.Warnings[0].Length)
	assert.Contains(t, report.Warnings[0].Reason, "do not divide over 2 stripes")
}

func TestExtractMissingPV(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0))

	var buf bytes.Buffer
	report, err := e.Extract(context.Background(), "vg0", "str", &buf)
	require.NoError(t, err)

	full := stripedExpected(img0, img1)
	want := make([]byte, len(full))
	for row := 0; row < 8; row++ {
		copy(want[row*2048:row*2048+1024], full[row*2048:])
	}
	assert.Equal(t, want, buf.Bytes(), "ranges on the absent PV are zero-filled")
	assert.Equal(t, uint64(8192), report.Filled)
	assert.Len(t, report.Warnings, 8)
	for _, w := range report.Warnings {
		assert.Contains(t, w.Reason, "pv1 was not supplied")
	}
}

func TestExtractTruncatedCapture(t *testing.T) {
	img0, img1 := standardImages(t)
	cut := testPEStart + 3*testExtent + 100
	e := openTest(t, Options{}, device("disk0", img0[:cut]), device("disk1", img1))

	var buf bytes.Buffer
	report, err := e.Extract(context.Background(), "vg0", "lin", &buf)
	require.NoError(t, err)

	readable := cut - (testPEStart + 2*testExtent)
	want := make([]byte, 4*testExtent)
	copy(want, extentBytes(img0, 2, 4)[:readable])
	assert.Equal(t, want, buf.Bytes())
	assert.Equal(t, uint64(readable), report.Data)
	assert.Equal(t, uint64(4*testExtent-readable), report.Filled)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0].Reason, "truncated")
}

func TestExtractNotExtractable(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0), device("disk1", img1))

	var buf bytes.Buffer
	_, err := e.Extract(context.Background(), "vg0", "thin", &buf)
	assert.ErrorIs(t, err, types.ErrNotExtractable)
	assert.Zero(t, buf.Len(), "nothing is written for a volume that cannot be extracted")
}

func TestExtractIOErrorAborts(t *testing.T) {
	img0, img1 := standardImages(t)
	src := &failingSource{Memory: body.NewMemory(img0), from: testPEStart + 3*testExtent}
	e := openTest(t, Options{ReadBlockSize: testExtent}, Device{Name: "disk0", Source: src}, device("disk1", img1))

	var buf bytes.Buffer
	report, err := e.Extract(context.Background(), "vg0", "lin", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIO)
	assert.Contains(t, err.Error(), "disk0")
	require.NotNil(t, report)
	assert.True(t, report.Aborted)
	assert.Equal(t, uint64(testExtent), report.Bytes, "only the pieces before the failure are committed")
	assert.Equal(t, extentBytes(img0, 2, 1), buf.Bytes())
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("disk full")
	}
	w.after--
	return len(p), nil
}

func TestExtractWriteErrorAborts(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{ReadBlockSize: testExtent}, device("disk0", img0), device("disk1", img1))

	report, err := e.Extract(context.Background(), "vg0", "lin", &failingWriter{after: 2})
	assert.ErrorIs(t, err, types.ErrIO)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, report.Aborted)
	assert.Equal(t, uint64(2*testExtent), report.Bytes)
}

func TestExtractCancelled(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0), device("disk1", img1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	report, err := e.Extract(ctx, "vg0", "str", &buf)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Aborted)
	assert.Zero(t, buf.Len())
}

func TestExtractToFile(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0), device("disk1", img1))
	want := stripedExpected(img0, img1)
	sum := sha256.Sum256(want)

	tests := []struct {
		name   string
		method compression.Method
		file   string
	}{
		{name: "plain", method: compression.None, file: "str.img"},
		{name: "gzip", method: compression.GZIP, file: "str.img.gz"},
		{name: "xz", method: compression.XZ, file: "str.img.xz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tt.file)

			report, err := e.ExtractToFile(context.Background(), "vg0", "str", path, FileOptions{
				Compression: tt.method,
				Hashes:      []cryptoutil.HashAlgorithm{cryptoutil.SHA256, cryptoutil.MD5},
			})
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(sum[:]), report.Hashes["sha256"], "hashes cover the recovered bytes")
			assert.Len(t, report.Hashes, 2)

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()
			r, err := compression.NewReader(tt.method, f)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "no temporary files are left behind")
		})
	}
}

func TestExtractToFileFailureLeavesTargetUntouched(t *testing.T) {
	img0, img1 := standardImages(t)
	src := &failingSource{Memory: body.NewMemory(img0), from: testPEStart + 3*testExtent}
	e := openTest(t, Options{}, Device{Name: "disk0", Source: src}, device("disk1", img1))

	dir := t.TempDir()
	path := filepath.Join(dir, "lin.img")
	require.NoError(t, os.WriteFile(path, []byte("previous extraction"), 0644))

	report, err := e.ExtractToFile(context.Background(), "vg0", "lin", path, FileOptions{Overwrite: true})
	assert.ErrorIs(t, err, types.ErrIO)
	require.NotNil(t, report)
	assert.True(t, report.Aborted)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous extraction", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExtractToFileRefusesOverwrite(t *testing.T) {
	img0, img1 := standardImages(t)
	e := openTest(t, Options{}, device("disk0", img0), device("disk1", img1))

	path := filepath.Join(t.TempDir(), "lin.img")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0644))

	_, err := e.ExtractToFile(context.Background(), "vg0", "lin", path, FileOptions{})
	assert.ErrorIs(t, err, commonerrors.ErrFileExistsError)

	_, err = e.ExtractToFile(context.Background(), "vg0", "thin", filepath.Join(t.TempDir(), "thin.img"), FileOptions{})
	assert.ErrorIs(t, err, types.ErrNotExtractable)
}

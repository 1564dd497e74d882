package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/mda"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

const (
	pvPEStart = 65536
	pvExtent  = 4096
	pvExtents = 8
	pvSize    = pvPEStart + pvExtents*pvExtent
	pvID      = "wfpv0000000000000000000000000000"
)

// writeCapture writes a single PV of volume group "data" holding "home",
// two extents from extent 1, and "swap", one extent at extent 5
func writeCapture(t *testing.T, dir string) (string, []byte, []byte) {
	t.Helper()
	text := fmt.Sprintf(`data {
id = "wfvg00-0000-0000-0000-0000-0000-000000"
seqno = 7
status = ["READ", "WRITE"]
extent_size = 8
physical_volumes {
pv0 {
id = %q
status = ["ALLOCATABLE"]
pe_start = 128
pe_count = %d
}
}
logical_volumes {
home {
id = "home"
status = ["READ", "WRITE", "VISIBLE"]
segment_count = 1
segment1 {
start_extent = 0
extent_count = 2
type = "striped"
stripe_count = 1
stripes = ["pv0", 1]
}
}
swap {
id = "swap"
status = ["READ", "WRITE", "VISIBLE"]
segment_count = 1
segment1 {
start_extent = 0
extent_count = 1
type = "striped"
stripe_count = 1
stripes = ["pv0", 5]
}
}
}
}
`, util.FormatID(pvID), pvExtents)

	pv := make([]byte, pvSize)
	for i := pvPEStart; i < pvSize; i++ {
		pv[i] = byte(i*13 + i>>10)
	}
	area, _, err := mda.Build(4096, 61440, []mda.Placement{{Text: []byte(text)}})
	require.NoError(t, err)
	copy(pv[4096:], area)
	sector, err := label.Encode(&label.Label{
		PVUUID:        pvID,
		DeviceSize:    pvSize,
		Sector:        1,
		DataAreas:     []label.Area{{Offset: pvPEStart}},
		MetadataAreas: []label.Area{{Offset: 4096, Size: 61440}},
	})
	require.NoError(t, err)
	copy(pv[util.SectorSize:], sector)

	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, pv, 0644))
	home := pv[pvPEStart+pvExtent : pvPEStart+3*pvExtent]
	swap := pv[pvPEStart+5*pvExtent : pvPEStart+6*pvExtent]
	return path, home, swap
}

func openerFor(path string) Opener {
	return func(ctx context.Context) (*extractor.Extractor, error) {
		src, err := body.Open(path, body.Options{Format: body.FormatRaw})
		if err != nil {
			return nil, err
		}
		e, err := extractor.Open(ctx, []extractor.Device{{Name: "disk", Source: src}}, extractor.Options{})
		if err != nil {
			src.Close()
			return nil, err
		}
		return e, nil
	}
}

func withHash(t *testing.T, hash string) {
	t.Helper()
	saved := config.Instance
	config.Instance.Extract.Hash = hash
	config.Instance.Extract.Compress = ""
	t.Cleanup(func() { config.Instance = saved })
}

func writeWorkflow(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func sum256(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestLoadWorkflow(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkflow(t, dir, "plan.yaml", `
name: case-42
case: "42"
examiner: jdoe
bodies:
  - "{{ .evidence }}/disk.img@1048576"
variables:
  evidence: /cases/42
  out: /recovered
steps:
  - name: image home
    type: extract
    volume: data/home
    output: "{{ .out }}/case-{{ .case }}-home.img"
    hash: [sha256, md5]
  - name: inventory
    type: list
`)

	wf, err := LoadWorkflow(path)
	require.NoError(t, err)

	assert.Equal(t, "case-42", wf.Name)
	assert.Equal(t, "jdoe", wf.Examiner)
	assert.Equal(t, []string{"/cases/42/disk.img@1048576"}, wf.Bodies)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "extract", wf.Steps[0].Type)
	assert.Equal(t, "data/home", wf.Steps[0].Parameters["volume"])
	assert.Equal(t, "/recovered/case-42-home.img", wf.Steps[0].Parameters["output"])
	assert.Len(t, wf.Steps[0].Parameters["hash"], 2)

	for _, key := range []string{"temp_dir", "workflow_dir", "current_dir", "timestamp", "date"} {
		assert.Contains(t, wf.Variables, key)
	}
	assert.Empty(t, ValidateWorkflow(wf))
}

func TestLoadWorkflowErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadWorkflow(filepath.Join(dir, "absent.yaml"))
	assert.ErrorContains(t, err, "workflow file not found")

	path := writeWorkflow(t, dir, "bad.yaml", `
name: bad
steps:
  - name: image
    type: extract
    volume: data/home
    output: "{{ .undefined }}/home.img"
`)
	_, err = LoadWorkflow(path)
	assert.ErrorContains(t, err, "error processing templates")
}

func TestValidateWorkflow(t *testing.T) {
	tests := []struct {
		name     string
		workflow Workflow
		errors   []string
	}{
		{
			name:     "empty",
			workflow: Workflow{},
			errors:   []string{"workflow name is required", "at least one step"},
		},
		{
			name: "unknown type",
			workflow: Workflow{Name: "w", Steps: []Step{
				{Name: "s", Type: "upload"},
			}},
			errors: []string{"invalid type 'upload'"},
		},
		{
			name: "missing parameters",
			workflow: Workflow{Name: "w", Steps: []Step{
				{Name: "s", Type: "extract_all", Parameters: map[string]interface{}{"vg": "data"}},
			}},
			errors: []string{"missing required parameter 'directory'"},
		},
		{
			name: "volume without group",
			workflow: Workflow{Name: "w", Steps: []Step{
				{Name: "s", Type: "extract", Parameters: map[string]interface{}{"volume": "home", "output": "x"}},
			}},
			errors: []string{"must be <vg>/<lv>"},
		},
		{
			name: "duplicate names",
			workflow: Workflow{Name: "w", Steps: []Step{
				{Name: "s", Type: "list"},
				{Name: "s", Type: "list"},
			}},
			errors: []string{"duplicate name 's'"},
		},
		{
			name: "valid",
			workflow: Workflow{Name: "w", Steps: []Step{
				{Name: "ls", Type: "list"},
				{Name: "meta", Type: "dump", Parameters: map[string]interface{}{"vg": "data", "output": "meta.txt"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateWorkflow(&tt.workflow)
			require.Len(t, errs, len(tt.errors))
			for i, want := range tt.errors {
				assert.Contains(t, errs[i].Error(), want)
			}
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]interface{}{"enabled": true, "count": 2, "name": "data"}

	tests := []struct {
		condition string
		want      bool
	}{
		{"{{ .enabled }}", true},
		{"{{ if gt .count 1 }}yes{{ end }}", true},
		{"{{ if eq .name \"other\" }}1{{ end }}", false},
		{"false", false},
		{" TRUE ", true},
	}
	for _, tt := range tests {
		got, err := evaluateCondition(tt.condition, vars)
		require.NoError(t, err, tt.condition)
		assert.Equal(t, tt.want, got, tt.condition)
	}

	_, err := evaluateCondition("{{ .missing }}", vars)
	assert.Error(t, err)
}

func TestResultKey(t *testing.T) {
	assert.Equal(t, "image_home_sha256", resultKey("image home", "sha256"))
	assert.Equal(t, "step_1_sha3_256", resultKey("Step-1", "sha3-256"))
}

func TestExecuteWorkflow(t *testing.T) {
	withHash(t, "md5")
	dir := t.TempDir()
	capture, home, swap := writeCapture(t, dir)
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0755))

	path := writeWorkflow(t, dir, "plan.yaml", fmt.Sprintf(`
name: recover data
variables:
  out: %s
  run_dump: false
steps:
  - name: inventory
    type: list
    output: "{{ .out }}/inventory.yaml"
    format: yaml
  - name: image home
    type: extract
    condition: "{{ if gt .inventory_volume_groups 0 }}yes{{ end }}"
    volume: data/home
    output: "{{ .out }}/home.img.gz"
    hash: sha256
  - name: skipped dump
    type: dump
    condition: "{{ .run_dump }}"
    vg: data
    output: "{{ .out }}/skipped.txt"
  - name: metadata
    type: dump
    vg: data
    output: "{{ .out }}/data.vg"
  - name: everything
    type: extract_all
    vg: data
    directory: "{{ .out }}/all"
`, out))

	wf, err := LoadWorkflow(path)
	require.NoError(t, err)
	require.Empty(t, ValidateWorkflow(wf))
	require.NoError(t, ExecuteWorkflow(context.Background(), wf, openerFor(capture)))

	assert.Equal(t, 1, wf.Variables["inventory_volume_groups"])
	assert.Equal(t, 2, wf.Variables["inventory_logical_volumes"])
	assert.Equal(t, sum256(home), wf.Variables["image_home_sha256"])
	assert.Equal(t, uint64(0), wf.Variables["image_home_filled"])
	assert.Equal(t, 2, wf.Variables["everything_count"])

	inventory, err := os.ReadFile(filepath.Join(out, "inventory.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(inventory), "name: data")
	assert.Contains(t, string(inventory), "name: swap")

	f, err := os.Open(filepath.Join(out, "home.img.gz"))
	require.NoError(t, err)
	defer f.Close()
	r, err := compression.NewReader(compression.GZIP, f)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, home, got)

	meta, err := os.ReadFile(filepath.Join(out, "data.vg"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "logical_volumes")

	assert.NoFileExists(t, filepath.Join(out, "skipped.txt"))

	got, err = os.ReadFile(filepath.Join(out, "all", "swap.img"))
	require.NoError(t, err)
	assert.Equal(t, swap, got)
	got, err = os.ReadFile(filepath.Join(out, "all", "home.img"))
	require.NoError(t, err)
	assert.Equal(t, home, got)
}

func TestExecuteWorkflowDecompressesBeforeOpening(t *testing.T) {
	withHash(t, "sha256")
	dir := t.TempDir()
	capture, home, _ := writeCapture(t, dir)

	raw, err := os.ReadFile(capture)
	require.NoError(t, err)
	packed, err := os.Create(capture + ".xz")
	require.NoError(t, err)
	w, err := compression.NewWriter(compression.XZ, packed)
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, packed.Close())
	unpacked := filepath.Join(dir, "unpacked.img")

	wf := &Workflow{
		Name:      "unpack",
		Variables: map[string]interface{}{},
		Steps: []Step{
			{Name: "unpack", Type: "decompress", Parameters: map[string]interface{}{
				"source":      capture + ".xz",
				"destination": unpacked,
				"hash":        "sha256",
			}},
			{Name: "home", Type: "extract", Parameters: map[string]interface{}{
				"volume": "data/home",
				"output": filepath.Join(dir, "home.img"),
			}},
		},
	}
	require.Empty(t, ValidateWorkflow(wf))
	require.NoError(t, ExecuteWorkflow(context.Background(), wf, openerFor(unpacked)))

	assert.Equal(t, sum256(raw), wf.Variables["unpack_sha256"])
	assert.Equal(t, sum256(home), wf.Variables["home_sha256"])
}

func TestExecuteWorkflowStopsAtFailedStep(t *testing.T) {
	withHash(t, "sha256")
	dir := t.TempDir()
	capture, _, _ := writeCapture(t, dir)
	existing := filepath.Join(dir, "home.img")
	require.NoError(t, os.WriteFile(existing, []byte("keep"), 0644))

	wf := &Workflow{
		Name:      "fail",
		Variables: map[string]interface{}{},
		Steps: []Step{
			{Name: "home", Type: "extract", Parameters: map[string]interface{}{
				"volume": "data/home",
				"output": existing,
			}},
			{Name: "inventory", Type: "list"},
		},
	}
	err := ExecuteWorkflow(context.Background(), wf, openerFor(capture))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "error executing step 'home'"))
	assert.NotContains(t, wf.Variables, "inventory_volume_groups")

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestExecuteWorkflowWithoutCaptures(t *testing.T) {
	wf := &Workflow{
		Name:      "nothing",
		Variables: map[string]interface{}{},
		Steps:     []Step{{Name: "inventory", Type: "list"}},
	}
	err := ExecuteWorkflow(context.Background(), wf, nil)
	assert.ErrorContains(t, err, "no captures")
}

func TestExtractAllContinuesPastFailedVolume(t *testing.T) {
	withHash(t, "")
	dir := t.TempDir()
	capture, _, swap := writeCapture(t, dir)
	all := filepath.Join(dir, "all")
	require.NoError(t, os.MkdirAll(all, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(all, "home.img"), []byte("keep"), 0644))

	wf := &Workflow{
		Name:      "all",
		Variables: map[string]interface{}{},
		Steps: []Step{
			{Name: "everything", Type: "extract_all", Parameters: map[string]interface{}{
				"vg":        "data",
				"directory": all,
			}},
		},
	}
	err := ExecuteWorkflow(context.Background(), wf, openerFor(capture))
	require.Error(t, err)
	assert.ErrorContains(t, err, "data/home")
	assert.NotContains(t, err.Error(), "data/swap")

	data, err := os.ReadFile(filepath.Join(all, "swap.img"))
	require.NoError(t, err)
	assert.Equal(t, swap, data, "a failed volume does not stop the others")

	kept, err := os.ReadFile(filepath.Join(all, "home.img"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(kept))
}

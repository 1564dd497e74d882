package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/multierr"

	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/encodeutil"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/fsutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/logger"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// StepHandler executes a workflow step. The returned values are added to
// the workflow variables, prefixed with the step name.
type StepHandler func(ctx context.Context, r *runner, step Step) (map[string]interface{}, error)

var stepHandlers map[string]StepHandler

func init() {
	stepHandlers = map[string]StepHandler{
		"decompress":  handleDecompressStep,
		"list":        handleListStep,
		"dump":        handleDumpStep,
		"extract":     handleExtractStep,
		"extract_all": handleExtractAllStep,
	}
}

func stringParam(step Step, key, def string) string {
	if v, ok := step.Parameters[key]; ok && v != nil {
		if s := cast.ToString(v); s != "" {
			return s
		}
	}
	return def
}

func boolParam(step Step, key string, def bool) bool {
	v, ok := step.Parameters[key]
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// pathParam expands a leading ~ in a path parameter
func pathParam(step Step, key string) (string, error) {
	p := stringParam(step, key, "")
	if p == "" {
		return "", fmt.Errorf("%w: step %s requires parameter '%s'", commonerrors.ErrInvalidArgument, step.Name, key)
	}
	return fsutil.ExpandTilde(p)
}

// hashParam accepts either a comma separated string or a list
func hashParam(step Step) ([]cryptoutil.HashAlgorithm, error) {
	v, ok := step.Parameters["hash"]
	if !ok || v == nil {
		return cryptoutil.ParseAlgorithms(config.Instance.Extract.Hash)
	}
	if s, isString := v.(string); isString {
		return cryptoutil.ParseAlgorithms(s)
	}
	list, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, fmt.Errorf("%w: hash parameter of step %s: %v", commonerrors.ErrInvalidArgument, step.Name, err)
	}
	return cryptoutil.ParseAlgorithms(strings.Join(list, ","))
}

// compressionParam picks the output compression from the step, the
// configuration or the output extension, in that order
func compressionParam(step Step, path string) (compression.Method, error) {
	if s := stringParam(step, "compress", config.Instance.Extract.Compress); s != "" {
		return compression.ParseMethod(s)
	}
	return compression.MethodFromExtension(path), nil
}

func formatParam(step Step, def string) (encodeutil.Format, error) {
	if def == "" {
		def = string(encodeutil.JSON)
	}
	return encodeutil.ParseFormat(stringParam(step, "format", def))
}

// writeAtomic writes data produced by fn to path, leaving any existing file
// alone on failure
func writeAtomic(path string, overwrite bool, fn func(f *fsutil.AtomicFile) error) error {
	out, err := fsutil.CreateAtomic(path, overwrite)
	if err != nil {
		return err
	}
	if err := fn(out); err != nil {
		return multierr.Append(err, out.Abort())
	}
	return out.Commit()
}

// handleDecompressStep unpacks a compressed capture so later steps can
// open it without spooling
func handleDecompressStep(ctx context.Context, r *runner, step Step) (map[string]interface{}, error) {
	src, err := pathParam(step, "source")
	if err != nil {
		return nil, err
	}
	dst, err := pathParam(step, "destination")
	if err != nil {
		return nil, err
	}

	method := compression.MethodFromExtension(src)
	if s := stringParam(step, "format", ""); s != "" {
		if method, err = compression.ParseMethod(s); err != nil {
			return nil, err
		}
	}
	if method == compression.None {
		return nil, fmt.Errorf("%w: cannot tell the compression of %s, set 'format'",
			commonerrors.ErrUnsupportedCompression, src)
	}
	if !boolParam(step, "overwrite", false) && fsutil.FileExists(dst) {
		return nil, fmt.Errorf("%w: %s", commonerrors.ErrFileExistsError, dst)
	}

	logger.LogInfo("decompressing capture", map[string]interface{}{
		"source":      src,
		"destination": dst,
		"method":      string(method),
	})
	if err := compression.ExtractFile(method, src, dst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", commonerrors.ErrDecompressionFailed, src, err)
	}

	result := map[string]interface{}{"output": dst}
	if _, ok := step.Parameters["hash"]; ok {
		algs, err := hashParam(step)
		if err != nil {
			return nil, err
		}
		for _, alg := range algs {
			sum, err := cryptoutil.HashFile(alg, dst)
			if err != nil {
				return nil, err
			}
			result[string(alg)] = sum
		}
	}
	return result, nil
}

// listing is what the list step writes
type listing struct {
	VolumeGroups   []extractor.VolumeGroupSummary              `json:"volume_groups" yaml:"volume_groups"`
	LogicalVolumes map[string][]extractor.LogicalVolumeSummary `json:"logical_volumes" yaml:"logical_volumes"`
	Warnings       []string                                    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// handleListStep records the volume groups and logical volumes found
func handleListStep(ctx context.Context, r *runner, step Step) (map[string]interface{}, error) {
	e, err := r.extractor(ctx)
	if err != nil {
		return nil, err
	}

	l := listing{
		VolumeGroups:   e.VolumeGroups(),
		LogicalVolumes: make(map[string][]extractor.LogicalVolumeSummary),
	}
	lvCount := 0
	for _, vg := range l.VolumeGroups {
		lvs, err := e.LogicalVolumes(vg.Name)
		if err != nil {
			return nil, err
		}
		l.LogicalVolumes[vg.Name] = lvs
		lvCount += len(lvs)
	}
	for _, w := range e.Warnings() {
		l.Warnings = append(l.Warnings, w.Error())
	}

	if stringParam(step, "output", "") != "" {
		path, err := pathParam(step, "output")
		if err != nil {
			return nil, err
		}
		format, err := formatParam(step, string(encodeutil.JSON))
		if err != nil {
			return nil, err
		}
		err = writeAtomic(path, boolParam(step, "overwrite", false), func(f *fsutil.AtomicFile) error {
			return encodeutil.Encode(f, format, l)
		})
		if err != nil {
			return nil, err
		}
	}

	for _, vg := range l.VolumeGroups {
		logger.LogInfo("volume group", map[string]interface{}{
			"vg":      vg.Name,
			"seqno":   vg.Seqno,
			"lvs":     vg.LVCount,
			"missing": vg.MissingPVs,
		})
	}
	return map[string]interface{}{
		"volume_groups":   len(l.VolumeGroups),
		"logical_volumes": lvCount,
	}, nil
}

// handleDumpStep writes the metadata of a volume group to a file
func handleDumpStep(ctx context.Context, r *runner, step Step) (map[string]interface{}, error) {
	vg := stringParam(step, "vg", "")
	path, err := pathParam(step, "output")
	if err != nil {
		return nil, err
	}
	mode, err := extractor.ParseDumpMode(stringParam(step, "mode", ""))
	if err != nil {
		return nil, err
	}
	format, err := formatParam(step, config.Instance.Metadata.DumpFormat)
	if err != nil {
		return nil, err
	}
	seqno, err := cast.ToUint64E(step.Parameters["generation"])
	if err != nil {
		return nil, fmt.Errorf("%w: generation of step %s: %v", commonerrors.ErrInvalidArgument, step.Name, err)
	}

	e, err := r.extractor(ctx)
	if err != nil {
		return nil, err
	}
	err = writeAtomic(path, boolParam(step, "overwrite", false), func(f *fsutil.AtomicFile) error {
		return e.DumpMetadata(f, vg, extractor.DumpOptions{
			Mode:    mode,
			Format:  format,
			Seqno:   seqno,
			History: boolParam(step, "history", config.Instance.Metadata.History),
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"output": path}, nil
}

// handleExtractStep writes one logical volume as a flat image
func handleExtractStep(ctx context.Context, r *runner, step Step) (map[string]interface{}, error) {
	vg, lv, ok := strings.Cut(stringParam(step, "volume", ""), "/")
	if !ok || vg == "" || lv == "" {
		return nil, fmt.Errorf("%w: step %s: volume must be <vg>/<lv>", commonerrors.ErrInvalidArgument, step.Name)
	}
	path, err := pathParam(step, "output")
	if err != nil {
		return nil, err
	}

	e, err := r.extractor(ctx)
	if err != nil {
		return nil, err
	}
	report, err := extractOne(ctx, e, step, vg, lv, path)
	if err != nil {
		return nil, err
	}
	return reportResult(report, path), nil
}

// handleExtractAllStep writes every extractable logical volume of a volume
// group into a directory, named after the volume. A failed volume does not
// stop the others.
func handleExtractAllStep(ctx context.Context, r *runner, step Step) (map[string]interface{}, error) {
	vg := stringParam(step, "vg", "")
	dir, err := pathParam(step, "directory")
	if err != nil {
		return nil, err
	}
	if err := fsutil.CreateDirIfNotExists(dir); err != nil {
		return nil, err
	}

	e, err := r.extractor(ctx)
	if err != nil {
		return nil, err
	}
	lvs, err := e.LogicalVolumes(vg)
	if err != nil {
		return nil, err
	}

	method, err := compressionParam(step, "")
	if err != nil {
		return nil, err
	}
	hidden := boolParam(step, "hidden", false)
	log := logger.WithFields(map[string]interface{}{"step": step.Name, "vg": vg})

	var errs error
	count, partial := 0, 0
	for _, lv := range lvs {
		if !lv.Extractable || (!lv.Visible && !hidden) {
			log.Debugw("skipping logical volume", "lv", lv.Name, "problems", lv.Problems)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, multierr.Append(errs, err)
		}

		path := filepath.Join(dir, lv.Name+".img"+method.Extension())
		report, err := extractOne(ctx, e, step, vg, lv.Name, path)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", vg, lv.Name, err))
			log.Warnw("logical volume not extracted", "lv", lv.Name, "kind", types.Kind(err), "error", err)
			// broken metadata fails every volume the same way
			if types.IsStructural(err) {
				return nil, errs
			}
			continue
		}
		count++
		if report.Filled > 0 {
			partial++
		}
	}
	if errs != nil {
		return nil, errs
	}
	return map[string]interface{}{
		"count":   count,
		"partial": partial,
	}, nil
}

func extractOne(ctx context.Context, e *extractor.Extractor, step Step, vg, lv, path string) (*extractor.Report, error) {
	algs, err := hashParam(step)
	if err != nil {
		return nil, err
	}
	method, err := compressionParam(step, path)
	if err != nil {
		return nil, err
	}

	report, err := e.ExtractToFile(ctx, vg, lv, path, extractor.FileOptions{
		Compression: method,
		Hashes:      algs,
		Overwrite:   boolParam(step, "overwrite", false),
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"vg":     vg,
		"lv":     lv,
		"path":   path,
		"bytes":  report.Bytes,
		"filled": report.Filled,
	}
	for alg, sum := range report.Hashes {
		fields[alg] = sum
	}
	logger.LogInfo("logical volume extracted", fields)
	for _, w := range report.Warnings {
		logger.LogWarn("zero-filled range", map[string]interface{}{
			"vg":      vg,
			"lv":      lv,
			"warning": w.String(),
		})
	}
	return report, nil
}

func reportResult(report *extractor.Report, path string) map[string]interface{} {
	result := map[string]interface{}{
		"output":   path,
		"bytes":    report.Bytes,
		"filled":   report.Filled,
		"warnings": len(report.Warnings),
	}
	for alg, sum := range report.Hashes {
		result[alg] = sum
	}
	return result
}

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/encodeutil"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/fsutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/logger"
)

var (
	extractOutput    string
	extractOverwrite bool
	extractVerify    bool
	extractExpect    string
	extractReport    string
)

// extractCmd writes a logical volume out as a flat image
var extractCmd = &cobra.Command{
	Use:   "extract <vg>/<lv> -o <path>",
	Short: "Extract a logical volume as a flat image",
	Long: `Extract a logical volume as a flat image. The image is written to a
temporary file next to the output and only renamed into place when the
extraction completed. Ranges that cannot be read, such as segments on
physical volumes that were not supplied, are zero-filled and reported.

Use -o - to stream the image to standard output.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vg, lv, err := volumeArgs(args)
		if err != nil {
			return err
		}
		if extractOutput == "" {
			return fmt.Errorf("%w: an output path is required (-o)", commonerrors.ErrInvalidArgument)
		}

		algs, err := cryptoutil.ParseAlgorithms(config.Instance.Extract.Hash)
		if err != nil {
			return err
		}
		var expected string
		if extractExpect != "" {
			var alg cryptoutil.HashAlgorithm
			expected, alg = cryptoutil.ParseHashWithAlgorithm(extractExpect)
			if alg == "" {
				alg = cryptoutil.SHA256
			}
			algs = append(algs, alg)
			expected = string(alg) + ":" + strings.ToLower(expected)
		}

		e, err := openExtractor(cmd.Context(), bodyArgs)
		if err != nil {
			return err
		}
		defer e.Close()
		reportScanWarnings(e)

		var report *extractor.Report
		var method compression.Method
		if extractOutput == "-" {
			report, err = extractToStdout(cmd, e, vg, lv, algs)
		} else {
			var path string
			if path, err = fsutil.ExpandTilde(extractOutput); err != nil {
				return err
			}
			if method, err = outputCompression(path); err != nil {
				return err
			}
			report, err = e.ExtractToFile(cmd.Context(), vg, lv, path, extractor.FileOptions{
				Compression: method,
				Hashes:      algs,
				Overwrite:   extractOverwrite,
			})
			if err == nil && extractVerify {
				err = verifyOutput(path, method, report.Hashes)
			}
		}
		if report != nil {
			printReport(cmd.ErrOrStderr(), report)
			if extractReport != "" {
				if rerr := writeReport(extractReport, report); rerr != nil {
					logger.LogError("failed to write report", rerr, map[string]interface{}{"path": extractReport})
				}
			}
		}
		if err != nil {
			return err
		}

		if expected != "" {
			parts := strings.SplitN(expected, ":", 2)
			if got := report.Hashes[parts[0]]; got != parts[1] {
				return fmt.Errorf("%s of %s/%s is %s, expected %s", parts[0], vg, lv, got, parts[1])
			}
		}
		return nil
	},
}

func init() {
	f := extractCmd.Flags()
	f.StringVarP(&extractOutput, "output", "o", "", "output path, - for standard output")
	f.Int("workers", 4, "concurrent reads")
	f.String("read-block-size", "4MiB", "largest single read")
	f.String("hash", "sha256", "comma separated hashes of the recovered bytes (md5, sha1, sha256, sha512, sha3-256, blake2b-256)")
	f.String("compress", "", "compress the output: xz, bzip2 or gzip (default from the output extension)")
	f.BoolVar(&extractOverwrite, "overwrite", false, "replace an existing output file")
	f.BoolVar(&extractVerify, "verify", false, "re-read the written file and check its hashes")
	f.StringVar(&extractExpect, "expect", "", "fail unless the image has this hash, as [algorithm:]hex")
	f.StringVar(&extractReport, "report", "", "write the extraction report to this file (.json, .yaml or .plist)")

	bindConfig(extractCmd, "workers", "extract.workers")
	bindConfig(extractCmd, "read-block-size", "extract.read_block_size")
	bindConfig(extractCmd, "hash", "extract.hash")
	bindConfig(extractCmd, "compress", "extract.compress")
}

// volumeArgs accepts either "vg/lv" or "vg lv"
func volumeArgs(args []string) (string, string, error) {
	if len(args) == 2 {
		return args[0], args[1], nil
	}
	vg, lv, ok := strings.Cut(args[0], "/")
	if !ok || vg == "" || lv == "" {
		return "", "", fmt.Errorf("%w: volume %q, expected <vg>/<lv>", commonerrors.ErrInvalidArgument, args[0])
	}
	return vg, lv, nil
}

func outputCompression(path string) (compression.Method, error) {
	if config.Instance.Extract.Compress != "" {
		return compression.ParseMethod(config.Instance.Extract.Compress)
	}
	return compression.MethodFromExtension(path), nil
}

func extractToStdout(cmd *cobra.Command, e *extractor.Extractor, vg, lv string, algs []cryptoutil.HashAlgorithm) (*extractor.Report, error) {
	hw, err := cryptoutil.NewHashWriter(algs...)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(io.MultiWriter(cmd.OutOrStdout(), hw), 1<<20)
	report, err := e.Extract(cmd.Context(), vg, lv, bw)
	if ferr := bw.Flush(); err == nil && ferr != nil {
		err = ferr
	}
	if err == nil && len(algs) > 0 {
		report.Hashes = make(map[string]string)
		for alg, sum := range hw.Sums() {
			report.Hashes[string(alg)] = sum
		}
	}
	return report, err
}

// verifyOutput hashes the file as written, decompressing it first
func verifyOutput(path string, method compression.Method, want map[string]string) error {
	for name, sum := range want {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		r, err := compression.NewReader(method, f)
		if err != nil {
			f.Close()
			return err
		}
		got, err := cryptoutil.HashReader(cryptoutil.HashAlgorithm(name), r)
		r.Close()
		f.Close()
		if err != nil {
			return err
		}
		if got != sum {
			return fmt.Errorf("%w: %s of %s is %s after writing, %s while extracting",
				commonerrors.ErrFileWriteError, name, path, got, sum)
		}
		logger.LogInfo("output verified", map[string]interface{}{"path": path, "hash": name})
	}
	return nil
}

func printReport(w io.Writer, r *extractor.Report) {
	state := "complete"
	if r.Aborted {
		state = "aborted"
	}
	fmt.Fprintf(w, "%s/%s: %s, %s of %s written (%s read, %s zero, %s zero-filled) in %s\n",
		r.VG, r.LV, state,
		units.BytesSize(float64(r.Bytes)), units.BytesSize(float64(r.Size)),
		units.BytesSize(float64(r.Data)), units.BytesSize(float64(r.Zero)), units.BytesSize(float64(r.Filled)),
		r.Elapsed.Round(time.Millisecond))
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, alg := range sortedKeys(r.Hashes) {
		fmt.Fprintf(w, "  %s: %s\n", alg, r.Hashes[alg])
	}
}

func writeReport(path string, r *extractor.Report) error {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	format, err := encodeutil.ParseFormat(ext)
	if err != nil {
		format = encodeutil.JSON
	}
	data, err := encodeutil.Marshal(format, r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package extractor

import (
	"bufio"
	"context"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/fsutil"
)

// FileOptions control how ExtractToFile writes its output
type FileOptions struct {
	Compression compression.Method       // applied to the output stream
	Hashes      []cryptoutil.HashAlgorithm // computed over the recovered bytes, before compression
	Overwrite   bool
}

const fileBufferSize = 1 << 20

// ExtractToFile extracts a logical volume into path. The output only appears
// once the extraction succeeded; on any failure an existing file at path is
// left as it was.
func (e *Extractor) ExtractToFile(ctx context.Context, vgName, lvName, path string, opts FileOptions) (*Report, error) {
	g, lv, err := e.lookup(vgName, lvName)
	if err != nil {
		return nil, err
	}
	if _, err := planExtraction(g, lv); err != nil {
		return nil, err
	}

	var hw *cryptoutil.HashWriter
	if len(opts.Hashes) > 0 {
		if hw, err = cryptoutil.NewHashWriter(opts.Hashes...); err != nil {
			return nil, err
		}
	}

	out, err := fsutil.CreateAtomic(path, opts.Overwrite)
	if err != nil {
		return nil, err
	}
	cw, err := compression.NewWriter(opts.Compression, out)
	if err != nil {
		out.Abort()
		return nil, err
	}

	var sink io.Writer = cw
	if hw != nil {
		sink = io.MultiWriter(cw, hw)
	}
	bw := bufio.NewWriterSize(sink, fileBufferSize)

	report, err := e.extract(ctx, g, lv, bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if report != nil {
			report.Aborted = true
		}
		return report, multierr.Append(err, out.Abort())
	}
	if err := out.Commit(); err != nil {
		report.Aborted = true
		return report, err
	}

	if hw != nil {
		report.Hashes = make(map[string]string)
		sums := hw.Sums()
		for _, alg := range hw.Algorithms() {
			report.Hashes[string(alg)] = sums[alg]
			e.log.Debug("volume hashed", zap.String("algorithm", string(alg)), zap.String("sum", sums[alg]))
		}
	}
	e.log.Info("volume written",
		zap.String("path", path),
		zap.String("compression", string(opts.Compression)),
		zap.Any("hashes", report.Hashes))
	return report, nil
}

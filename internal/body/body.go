// Package body opens the captures LVM2 structures are recovered from: raw
// images and block devices, EWF evidence files and compressed raw images.
// Every source is exposed as a sized io.ReaderAt.
package body

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// Source is a random access capture of known size
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Format selects how a capture is decoded
type Format string

const (
	FormatAuto  Format = "auto"
	FormatRaw   Format = "raw"
	FormatEWF   Format = "ewf"
	FormatXZ    Format = "xz"
	FormatBZIP2 Format = "bzip2"
	FormatGZIP  Format = "gzip"
)

// ParseFormat validates a format name; the empty string means auto
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatRaw, FormatEWF, FormatXZ, FormatBZIP2, FormatGZIP:
		return f, nil
	}
	return "", fmt.Errorf("%w: body format %q", commonerrors.ErrUnsupportedFile, s)
}

// Detect picks a format from the file name
func Detect(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".e01" || ext == ".ex01":
		return FormatEWF
	case ext == ".xz":
		return FormatXZ
	case ext == ".bz2":
		return FormatBZIP2
	case ext == ".gz":
		return FormatGZIP
	}
	return FormatRaw
}

// Options tune how sources are opened
type Options struct {
	Format  Format
	TempDir string // spool directory for decompressed captures
}

// Open opens path as a capture
func Open(path string, opts Options) (Source, error) {
	format := opts.Format
	if format == "" || format == FormatAuto {
		format = Detect(path)
	}

	switch format {
	case FormatRaw:
		return OpenFile(path)
	case FormatEWF:
		return OpenEWF(path)
	case FormatXZ:
		return OpenCompressed(path, compression.XZ, opts.TempDir)
	case FormatBZIP2:
		return OpenCompressed(path, compression.BZIP2, opts.TempDir)
	case FormatGZIP:
		return OpenCompressed(path, compression.GZIP, opts.TempDir)
	}
	return nil, fmt.Errorf("%w: body format %q", commonerrors.ErrUnsupportedFile, format)
}

// Spec is a capture path with an optional byte offset where the physical
// volume begins, written path@offset on the command line
type Spec struct {
	Path   string
	Offset int64
}

func (s Spec) String() string {
	if s.Offset == 0 {
		return s.Path
	}
	return fmt.Sprintf("%s@%d", s.Path, s.Offset)
}

// ParseSpec parses path[@offset]. The offset accepts decimal, 0x hex and 0o
// octal, and an optional s suffix for 512-byte sectors.
func ParseSpec(s string) (Spec, error) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return Spec{Path: s}, nil
	}
	off, err := ParseOffset(s[i+1:])
	if err != nil {
		return Spec{}, err
	}
	if s[:i] == "" {
		return Spec{}, fmt.Errorf("%w: body %q has no path", commonerrors.ErrInvalidArgument, s)
	}
	return Spec{Path: s[:i], Offset: off}, nil
}

// ParseOffset parses a byte offset such as 1048576, 0x100000 or 2048s
func ParseOffset(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	if strings.HasSuffix(s, "s") && !strings.HasPrefix(s, "0x") {
		s = strings.TrimSuffix(s, "s")
		mult = 512
	}
	v, err := strconv.ParseUint(s, 0, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q", commonerrors.ErrInvalidArgument, s)
	}
	off := int64(v)
	if off > (1<<63-1)/mult {
		return 0, fmt.Errorf("%w: offset %q overflows", commonerrors.ErrInvalidArgument, s)
	}
	return off * mult, nil
}

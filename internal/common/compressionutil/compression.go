// Package compression wraps the stream codecs used for compressed captures
// and compressed extraction output.
package compression

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Method names a stream compression format
type Method string

const (
	None  Method = ""
	XZ    Method = "xz"
	BZIP2 Method = "bzip2"
	GZIP  Method = "gzip"
)

// ParseMethod accepts a method name as given on the command line or in config
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "xz":
		return XZ, nil
	case "bzip2", "bz2":
		return BZIP2, nil
	case "gzip", "gz":
		return GZIP, nil
	}
	return None, fmt.Errorf("unknown compression method %q", s)
}

// MethodFromExtension infers the method from a file name
func MethodFromExtension(path string) Method {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz":
		return XZ
	case ".bz2":
		return BZIP2
	case ".gz":
		return GZIP
	}
	return None
}

// Extension returns the file suffix for the method, including the dot
func (m Method) Extension() string {
	switch m {
	case XZ:
		return ".xz"
	case BZIP2:
		return ".bz2"
	case GZIP:
		return ".gz"
	}
	return ""
}

// NewReader returns a decompressing reader over r
func NewReader(m Method, r io.Reader) (io.ReadCloser, error) {
	switch m {
	case None:
		return io.NopCloser(r), nil
	case XZ:
		return newXZReader(r)
	case BZIP2:
		return newBZIP2Reader(r)
	case GZIP:
		return newGZIPReader(r)
	}
	return nil, fmt.Errorf("unknown compression method %q", string(m))
}

// NewWriter returns a compressing writer over w. Closing it flushes the
// stream but does not close w.
func NewWriter(m Method, w io.Writer) (io.WriteCloser, error) {
	switch m {
	case None:
		return nopWriteCloser{w}, nil
	case XZ:
		return newXZWriter(w)
	case BZIP2:
		return newBZIP2Writer(w)
	case GZIP:
		return newGZIPWriter(w), nil
	}
	return nil, fmt.Errorf("unknown compression method %q", string(m))
}

// ExtractFile decompresses src into dst
func ExtractFile(m Method, src, dst string) error {
	inputFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer inputFile.Close()

	reader, err := NewReader(m, inputFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	outputFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(outputFile, reader); err != nil {
		outputFile.Close()
		return fmt.Errorf("failed to decompress file: %w", err)
	}
	return outputFile.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

package body

import (
	"fmt"
	"os"

	compression "github.com/deploymenttheory/go-lvm-extractor/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// OpenCompressed decompresses a raw capture into a temporary file in
// tempDir and opens that. The spool is removed on Close. Stream formats have
// no random access, so there is no way around the copy.
func OpenCompressed(path string, method compression.Method, tempDir string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", commonerrors.ErrFileNotFound, path)
		}
		return nil, err
	}

	spool, err := os.CreateTemp(tempDir, "lvm-body-*.raw")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	name := spool.Name()
	spool.Close()

	if err := compression.ExtractFile(method, path, name); err != nil {
		os.Remove(name)
		return nil, fmt.Errorf("%w: %s: %v", commonerrors.ErrDecompressionFailed, path, err)
	}

	src, err := OpenFile(name)
	if err != nil {
		os.Remove(name)
		return nil, err
	}
	src.remove = true
	return src, nil
}

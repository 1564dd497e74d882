package body

import (
	"fmt"
	"io"
	"os"

	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// File is a raw image or block device
type File struct {
	f      *os.File
	size   int64
	remove bool // delete the file on Close, for spooled captures
}

// OpenFile opens a raw image or block device read-only
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", commonerrors.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("opening body %s: %w", path, err)
	}
	size, err := sourceSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing body %s: %w", path, err)
	}
	return &File{f: f, size: size}, nil
}

// sourceSize returns the size of a regular file, or asks the kernel for the
// size of a block device
func sourceSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode().IsRegular() {
		return info.Size(), nil
	}
	if size, err := deviceSize(f); err == nil && size > 0 {
		return size, nil
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, err = f.Seek(0, io.SeekStart)
	return size, err
}

func (s *File) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *File) Size() int64 { return s.size }

// Name returns the path the source was opened from
func (s *File) Name() string { return s.f.Name() }

func (s *File) Close() error {
	err := s.f.Close()
	if s.remove {
		if rerr := os.Remove(s.f.Name()); err == nil {
			err = rerr
		}
	}
	return err
}

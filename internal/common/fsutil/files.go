package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// FileExists checks if a file exists and is not a directory
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// AtomicFile is an output file that only appears at its final path once
// Commit succeeds. Until then the bytes go to a hidden temporary file in the
// same directory, so an abandoned write never leaves a partial target.
type AtomicFile struct {
	*os.File
	path string
	done bool
}

// CreateAtomic starts an atomic write of path. Unless overwrite is set an
// existing target is an error.
func CreateAtomic(path string, overwrite bool) (*AtomicFile, error) {
	if !overwrite {
		if _, err := os.Lstat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", commonerrors.ErrFileExistsError, path)
		}
	}

	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if !DirExists(dir) {
		return nil, fmt.Errorf("%w: %s", commonerrors.ErrDirNotFound, dir)
	}

	f, err := os.CreateTemp(dir, "."+name+".partial-*")
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", commonerrors.ErrPermissionDenied, dir)
		}
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrFileWriteError, err)
	}
	return &AtomicFile{File: f, path: path}, nil
}

// Path returns the final path of the file
func (a *AtomicFile) Path() string {
	return a.path
}

// Commit flushes the temporary file and renames it over the target
func (a *AtomicFile) Commit() error {
	if a.done {
		return nil
	}
	a.done = true

	tmp := a.File.Name()
	if err := a.File.Sync(); err != nil {
		a.File.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", commonerrors.ErrFileWriteError, err)
	}
	if err := a.File.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", commonerrors.ErrFileWriteError, err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", commonerrors.ErrFileWriteError, err)
	}
	return nil
}

// Abort discards the temporary file. It is a no-op after Commit.
func (a *AtomicFile) Abort() error {
	if a.done {
		return nil
	}
	a.done = true

	a.File.Close()
	if err := os.Remove(a.File.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

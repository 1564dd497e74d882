package body

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ewfLib "github.com/aarsakian/EWF_Reader/ewf"

	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// EWF is an Expert Witness Format capture split over .E01, .E02, ... segments
type EWF struct {
	mu   sync.Mutex
	img  ewfLib.EWF_Image
	size int64
	path string
}

// OpenEWF opens the evidence set that path belongs to
func OpenEWF(path string) (src *EWF, err error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".e01" && ext != ".ex01" {
		return nil, fmt.Errorf("%w: %s is not the first EWF segment", commonerrors.ErrUnsupportedFile, path)
	}
	filenames, err := FindEvidenceFiles(path)
	if err != nil {
		return nil, err
	}

	// The reader panics on damaged segments instead of returning errors.
	defer func() {
		if r := recover(); r != nil {
			src, err = nil, fmt.Errorf("%w: parsing EWF %s: %v", commonerrors.ErrFileReadError, path, r)
		}
	}()

	var img ewfLib.EWF_Image
	img.ParseEvidence(filenames)
	size := int64(img.Chuncksize) * int64(img.NofChunks)
	if size <= 0 {
		return nil, fmt.Errorf("%w: EWF %s reports no media data", commonerrors.ErrFileReadError, path)
	}
	return &EWF{img: img, size: size, path: path}, nil
}

// FindEvidenceFiles returns every segment of the evidence set path belongs
// to, in segment order
func FindEvidenceFiles(path string) ([]string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	pattern := stem + ext[:len(ext)-2] + "??"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", commonerrors.ErrFileNotFound, path)
	}
	sort.Slice(matches, func(i, j int) bool {
		return segmentOrder(matches[i]) < segmentOrder(matches[j])
	})
	return matches, nil
}

// segmentOrder ranks E01..E99 before EAA..EZZ
func segmentOrder(name string) string {
	ext := strings.ToUpper(filepath.Ext(name))
	if len(ext) == 4 && ext[2] >= '0' && ext[2] <= '9' {
		return "0" + ext
	}
	return "1" + ext
}

func (s *EWF) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > s.size {
		want = s.size - off
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("%w: EWF read at %d: %v", commonerrors.ErrFileReadError, off, r)
		}
	}()

	data := s.img.RetrieveData(off, want)
	n = copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *EWF) Size() int64 { return s.size }

func (s *EWF) Close() error { return nil }

package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced while decoding LVM2 structures
var (
	// Label errors
	ErrLabelNotFound   = errors.New("physical volume label not found")
	ErrInvalidChecksum = errors.New("invalid checksum")
	ErrInvalidMagic    = errors.New("invalid magic signature")

	// Metadata area errors
	ErrUnsupportedMetadataVersion = errors.New("unsupported metadata area version")
	ErrNoValidMetadataGeneration  = errors.New("no valid metadata generation")

	// Text metadata errors
	ErrParse                = errors.New("metadata parse error")
	ErrMultipleVolumeGroups = errors.New("metadata describes more than one volume group")
	ErrMissingField         = errors.New("required metadata field missing")

	// Extent map errors
	ErrUnresolvedPvReference = errors.New("unresolved physical volume reference")
	ErrUnresolvedLvReference = errors.New("unresolved logical volume reference")
	ErrInconsistentExtentMap = errors.New("inconsistent extent map")
	ErrExtentOutOfRange      = errors.New("extent out of range")

	// Lookup errors
	ErrVolumeGroupNotFound   = errors.New("volume group not found")
	ErrLogicalVolumeNotFound = errors.New("logical volume not found")
	ErrNotExtractable        = errors.New("logical volume is not extractable")

	// Byte source errors
	ErrIO = errors.New("I/O error")
)

// LVMError represents an error with additional decoding context
type LVMError struct {
	Err       error  // The underlying error
	Operation string // The operation that caused the error
	Object    string // The object being decoded (device, offset, volume name)
	Detail    string // Additional details about the error
}

// Error implements the error interface
func (e *LVMError) Error() string {
	if e.Object != "" && e.Detail != "" {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Operation, e.Object, e.Detail, e.Err)
	} else if e.Object != "" {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Object, e.Err)
	} else if e.Detail != "" {
		return fmt.Sprintf("%s: %v [%s]", e.Operation, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *LVMError) Unwrap() error {
	return e.Err
}

// NewLVMError creates a new LVMError with the given details
func NewLVMError(err error, operation string, object string, detail string) error {
	return &LVMError{
		Err:       err,
		Operation: operation,
		Object:    object,
		Detail:    detail,
	}
}

// ParseError reports where a metadata text blob stopped making sense
type ParseError struct {
	Offset   int    // Byte offset into the text
	Line     int    // 1-based line
	Column   int    // 1-based column
	Expected string // The construct the parser was looking for
	Found    string // A short excerpt of what was there instead
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v at offset %d (line %d, column %d): expected %s, found %s",
		ErrParse, e.Offset, e.Line, e.Column, e.Expected, e.Found)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// UnresolvedPvReferenceError names a physical volume a segment points at but the
// volume group does not declare.
type UnresolvedPvReferenceError struct {
	PV      string
	LV      string
	Segment int
}

func (e *UnresolvedPvReferenceError) Error() string {
	return fmt.Sprintf("%v: %q (logical volume %q, segment %d)", ErrUnresolvedPvReference, e.PV, e.LV, e.Segment)
}

func (e *UnresolvedPvReferenceError) Unwrap() error { return ErrUnresolvedPvReference }

// UnresolvedLvReferenceError names a sub-volume (mirror image, raid image, cache
// origin) that a segment references but the volume group does not declare.
type UnresolvedLvReferenceError struct {
	Target  string
	LV      string
	Segment int
}

func (e *UnresolvedLvReferenceError) Error() string {
	return fmt.Sprintf("%v: %q (logical volume %q, segment %d)", ErrUnresolvedLvReference, e.Target, e.LV, e.Segment)
}

func (e *UnresolvedLvReferenceError) Unwrap() error { return ErrUnresolvedLvReference }

// InconsistentExtentMapError describes a gap, overlap or overrun in a logical
// volume's segment list. Start and End are logical extents.
type InconsistentExtentMapError struct {
	LV     string
	Detail string
	Start  uint64
	End    uint64
}

func (e *InconsistentExtentMapError) Error() string {
	return fmt.Sprintf("%v: logical volume %q: %s (extents %d-%d)", ErrInconsistentExtentMap, e.LV, e.Detail, e.Start, e.End)
}

func (e *InconsistentExtentMapError) Unwrap() error { return ErrInconsistentExtentMap }

// ExtentOutOfRangeError is returned when a resolved range would fall outside the
// physical volume that holds it.
type ExtentOutOfRangeError struct {
	LV           string
	SegmentIndex int
	PV           string
	Extent       uint64
	Limit        uint64
}

func (e *ExtentOutOfRangeError) Error() string {
	return fmt.Sprintf("%v: logical volume %q segment %d: extent %d beyond %d on %q",
		ErrExtentOutOfRange, e.LV, e.SegmentIndex, e.Extent, e.Limit, e.PV)
}

func (e *ExtentOutOfRangeError) Unwrap() error { return ErrExtentOutOfRange }

// IsChecksumError returns true if the error is related to invalid checksums
func IsChecksumError(err error) bool {
	return errors.Is(err, ErrInvalidChecksum)
}

// IsStructural returns true for decode failures that make a whole physical
// volume unusable (label, header, checksum, grammar).
func IsStructural(err error) bool {
	return errors.Is(err, ErrLabelNotFound) || errors.Is(err, ErrInvalidChecksum) ||
		errors.Is(err, ErrInvalidMagic) || errors.Is(err, ErrUnsupportedMetadataVersion) ||
		errors.Is(err, ErrNoValidMetadataGeneration) || errors.Is(err, ErrParse) ||
		errors.Is(err, ErrMultipleVolumeGroups) || errors.Is(err, ErrMissingField)
}

// IsVolumeScoped returns true for anomalies that only affect one logical volume
func IsVolumeScoped(err error) bool {
	return errors.Is(err, ErrUnresolvedPvReference) || errors.Is(err, ErrUnresolvedLvReference) ||
		errors.Is(err, ErrInconsistentExtentMap) || errors.Is(err, ErrExtentOutOfRange)
}

// IsIOError returns true if the error is related to I/O operations
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO)
}

// Kind names the class of err for messages at the command line boundary.
// It returns an empty string for errors that are not decoding errors.
func Kind(err error) string {
	switch {
	case IsChecksumError(err):
		return "checksum"
	case IsStructural(err):
		return "structural"
	case IsVolumeScoped(err):
		return "extent map"
	case errors.Is(err, ErrNotExtractable):
		return "not extractable"
	case IsIOError(err):
		return "i/o"
	}
	return ""
}

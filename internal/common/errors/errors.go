package errors

import (
	"errors"
)

var (
	// General Errors
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnsupportedFile   = errors.New("unsupported file format")
	ErrPathNotAccessible = errors.New("path is not accessible")

	// Compression Errors
	ErrUnsupportedCompression = errors.New("unsupported compression format")
	ErrDecompressionFailed    = errors.New("decompression failed")

	// File & Directory Errors
	ErrFileNotFound    = errors.New("file not found")
	ErrFileReadError   = errors.New("error reading file")
	ErrFileWriteError  = errors.New("error writing to file")
	ErrFileExistsError = errors.New("file already exists")
	ErrDirNotFound     = errors.New("directory not found")

	// Hash Errors
	ErrInvalidHasher = errors.New("invalid hasher")

	// Encoding Errors
	ErrUnsupportedFormat = errors.New("unsupported output format")

	// Configuration Errors
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Package cryptoutil hashes recovered volumes so an extraction can be
// verified against a later one
package cryptoutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// Bytes2Hex encodes a byte slice to hex string
func Bytes2Hex(d []byte) string {
	return hex.EncodeToString(d)
}

// HashAlgorithm represents supported hash algorithms
type HashAlgorithm string

const (
	// MD5 algorithm, still the default in many forensic reports
	MD5 HashAlgorithm = "md5"

	// SHA1 algorithm
	SHA1 HashAlgorithm = "sha1"

	// SHA256 algorithm
	SHA256 HashAlgorithm = "sha256"

	// SHA512 algorithm
	SHA512 HashAlgorithm = "sha512"

	// SHA3_256 algorithm
	SHA3_256 HashAlgorithm = "sha3-256"

	// BLAKE2B_256 algorithm
	BLAKE2B_256 HashAlgorithm = "blake2b-256"
)

// ParseAlgorithm validates an algorithm name
func ParseAlgorithm(s string) (HashAlgorithm, error) {
	alg := HashAlgorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, err := NewHash(alg); err != nil {
		return "", err
	}
	return alg, nil
}

// ParseAlgorithms splits a comma separated list of algorithm names
func ParseAlgorithms(s string) ([]HashAlgorithm, error) {
	var out []HashAlgorithm
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		alg, err := ParseAlgorithm(part)
		if err != nil {
			return nil, err
		}
		out = append(out, alg)
	}
	return out, nil
}

// NewHash returns a fresh hash.Hash for the algorithm
func NewHash(algorithm HashAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2B_256:
		return blake2b.New256(nil)
	}
	return nil, fmt.Errorf("%w: unsupported hash algorithm '%s'", commonerrors.ErrInvalidArgument, algorithm)
}

// HashReader hashes data from a reader
func HashReader(algorithm HashAlgorithm, reader io.Reader) (string, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, reader); err != nil {
		return "", fmt.Errorf("hash operation failed: %w", err)
	}
	return Bytes2Hex(h.Sum(nil)), nil
}

// HashFile hashes the content of a file
func HashFile(algorithm HashAlgorithm, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", commonerrors.ErrFileNotFound, path)
		}
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return HashReader(algorithm, file)
}

// HashWriter feeds every byte written to it into one hash per algorithm
type HashWriter struct {
	hashes map[HashAlgorithm]hash.Hash
	writer io.Writer
}

// NewHashWriter creates a HashWriter for the given algorithms
func NewHashWriter(algorithms ...HashAlgorithm) (*HashWriter, error) {
	hw := &HashWriter{hashes: make(map[HashAlgorithm]hash.Hash, len(algorithms))}
	writers := make([]io.Writer, 0, len(algorithms))
	for _, alg := range algorithms {
		if _, dup := hw.hashes[alg]; dup {
			continue
		}
		h, err := NewHash(alg)
		if err != nil {
			return nil, err
		}
		hw.hashes[alg] = h
		writers = append(writers, h)
	}
	hw.writer = io.MultiWriter(writers...)
	return hw, nil
}

// Write implements io.Writer
func (hw *HashWriter) Write(p []byte) (int, error) {
	return hw.writer.Write(p)
}

// Sums returns the current digest of every algorithm, hex encoded
func (hw *HashWriter) Sums() map[HashAlgorithm]string {
	out := make(map[HashAlgorithm]string, len(hw.hashes))
	for alg, h := range hw.hashes {
		out[alg] = Bytes2Hex(h.Sum(nil))
	}
	return out
}

// Algorithms returns the algorithms in a stable order
func (hw *HashWriter) Algorithms() []HashAlgorithm {
	out := make([]HashAlgorithm, 0, len(hw.hashes))
	for alg := range hw.hashes {
		out = append(out, alg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseHashWithAlgorithm parses a hash string that might include the algorithm as a prefix
// Example formats: "sha256:1234abcd..." or "1234abcd..."
func ParseHashWithAlgorithm(hashStr string) (string, HashAlgorithm) {
	parts := strings.SplitN(hashStr, ":", 2)
	if len(parts) == 2 {
		if alg, err := ParseAlgorithm(parts[0]); err == nil {
			return parts[1], alg
		}
	}
	return hashStr, ""
}

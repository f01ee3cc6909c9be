package dirvault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ChecksumAlgorithm selects a content digest for verification.
type ChecksumAlgorithm string

const (
	ChecksumXXHash ChecksumAlgorithm = "xxh64"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumCRC32  ChecksumAlgorithm = "crc32"
)

// NewHasher creates a hash.Hash for the given algorithm.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case ChecksumXXHash:
		return xxhash.New(), nil
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumCRC32:
		return crc32.NewIEEE(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}
}

// ChecksumReader drains r and returns the hex-encoded digest.
func ChecksumReader(r io.Reader, algorithm ChecksumAlgorithm) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumFile digests the file at path.
func ChecksumFile(path string, algorithm ChecksumAlgorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ChecksumReader(f, algorithm)
}

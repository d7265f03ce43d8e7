package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of a model hash.
const HashSize = sha1.Size

// ModelHash identifies a model artifact by the SHA-1 digest of its bytes.
type ModelHash [HashSize]byte

// ComputeHash returns the content address of the given artifact bytes.
func ComputeHash(data []byte) ModelHash {
	return ModelHash(sha1.Sum(data))
}

// ParseHash decodes a lower or upper case hex representation.
func ParseHash(s string) (ModelHash, error) {
	var h ModelHash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("model hash must be %d hex characters, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid model hash %q: %w", s, err)
	}
	return h, nil
}

// HashFromBytes copies a raw 20-byte digest.
func HashFromBytes(b []byte) (ModelHash, bool) {
	var h ModelHash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// String returns the lower case hex form used in file names and broker lines.
func (h ModelHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h ModelHash) IsZero() bool {
	return h == ModelHash{}
}

// Matches reports whether data hashes to h.
func (h ModelHash) Matches(data []byte) bool {
	return ComputeHash(data) == h
}

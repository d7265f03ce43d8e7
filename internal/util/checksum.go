package util

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/heikotroetsch/simedge/internal/model"
)

// HashReader streams r through SHA-1 and returns the model hash and byte count.
func HashReader(r io.Reader) (model.ModelHash, int64, error) {
	var hash model.ModelHash
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return hash, n, err
	}
	copy(hash[:], h.Sum(nil))
	return hash, n, nil
}

// HashFile computes the model hash of a file on disk without loading it whole.
func HashFile(path string) (model.ModelHash, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return model.ModelHash{}, 0, fmt.Errorf("failed to open model file: %w", err)
	}
	defer file.Close()

	hash, n, err := HashReader(file)
	if err != nil {
		return hash, n, fmt.Errorf("failed to hash model file: %w", err)
	}
	return hash, n, nil
}

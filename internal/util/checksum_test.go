package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heikotroetsch/simedge/internal/model"
)

func TestHashReaderMatchesComputeHash(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"large", bytes.Repeat([]byte{0xAB}, 1<<20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, n, err := HashReader(bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.data)), n)
			assert.Equal(t, model.ComputeHash(tt.data), hash)
		})
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	data := []byte("onnx bytes")
	require.NoError(t, os.WriteFile(path, data, 0644))

	hash, n, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, model.ComputeHash(data), hash)
}

func TestHashFileMissing(t *testing.T) {
	_, _, err := HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

package modelstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/model"
)

// SpaceGuard vetoes spill writes when the volume is nearly full.
type SpaceGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Config holds model store configuration
type Config struct {
	Dir          string
	ManifestPath string
}

// Store keeps one file per model artifact, named by its hex hash, plus a
// manifest listing the models that were resident in memory at shutdown.
type Store struct {
	dir          string
	manifestPath string
	guard        SpaceGuard
	logger       *zap.Logger
}

// New creates the store directory if needed. guard may be nil.
func New(cfg *Config, guard SpaceGuard, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("model store directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model store directory: %w", err)
	}

	manifest := cfg.ManifestPath
	if manifest == "" {
		manifest = filepath.Join(cfg.Dir, "manifest")
	}

	return &Store{
		dir:          cfg.Dir,
		manifestPath: manifest,
		guard:        guard,
		logger:       logger,
	}, nil
}

// Dir returns the directory holding model files
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a model artifact
func (s *Store) Path(hash model.ModelHash) string {
	return filepath.Join(s.dir, hash.String())
}

// Exists reports whether the artifact is on disk
func (s *Store) Exists(hash model.ModelHash) bool {
	_, err := os.Stat(s.Path(hash))
	return err == nil
}

// Read loads an artifact. A missing file yields an error matching fs.ErrNotExist.
func (s *Store) Read(hash model.ModelHash) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write stores an artifact. Files are immutable, so an existing file is kept.
func (s *Store) Write(hash model.ModelHash, data []byte) error {
	path := s.Path(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(uint64(len(data))); err != nil {
			return err
		}
	}

	if err := writeAtomic(path, data); err != nil {
		return simerrors.StoreFailed(fmt.Sprintf("failed to write model %s", hash), err)
	}

	s.logger.Debug("Spilled model to disk",
		zap.String("model", hash.String()),
		zap.Int("bytes", len(data)))
	return nil
}

// Remove deletes an artifact file if present
func (s *Store) Remove(hash model.ModelHash) error {
	err := os.Remove(s.Path(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteManifest replaces the manifest with the given hashes, one per line.
func (s *Store) WriteManifest(hashes []model.ModelHash) error {
	var buf bytes.Buffer
	for _, h := range hashes {
		buf.WriteString(h.String())
		buf.WriteByte('\n')
	}
	if err := writeAtomic(s.manifestPath, buf.Bytes()); err != nil {
		return simerrors.StoreFailed("failed to write cache manifest", err)
	}
	return nil
}

// ReadManifest returns the hashes listed in the manifest in file order.
// A missing manifest returns an error matching fs.ErrNotExist.
func (s *Store) ReadManifest() ([]model.ModelHash, error) {
	file, err := os.Open(s.manifestPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hashes []model.ModelHash
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h, err := model.ParseHash(line)
		if err != nil {
			s.logger.Warn("Skipping invalid manifest line", zap.String("line", line), zap.Error(err))
			continue
		}
		hashes = append(hashes, h)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cache manifest: %w", err)
	}
	return hashes, nil
}

// RemoveManifest deletes the manifest after a successful replay
func (s *Store) RemoveManifest() error {
	err := os.Remove(s.manifestPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

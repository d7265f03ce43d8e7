package service

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/model"
)

// TraceService appends one JSON line per completed execution to size-rotated
// segment files.
type TraceService struct {
	config      *TraceConfig
	currentFile *os.File
	currentSize int64
	logger      *zap.Logger
	mu          sync.Mutex
	dir         string
	segmentID   int64
	closed      bool
}

// TraceConfig holds trace log configuration
type TraceConfig struct {
	SegmentSize int64
	SyncWrites  bool
}

// NewTraceService creates the trace directory and opens a fresh segment
func NewTraceService(cfg *TraceConfig, dir string, logger *zap.Logger) (*TraceService, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}

	ts := &TraceService{
		config:    cfg,
		logger:    logger,
		dir:       dir,
		segmentID: time.Now().UnixNano(),
	}

	if err := ts.openNewSegment(); err != nil {
		return nil, fmt.Errorf("failed to open trace segment: %w", err)
	}
	return ts, nil
}

// Append writes one trace record, rotating the segment once it reaches SegmentSize.
func (s *TraceService) Append(trace *model.ExecutionTrace) error {
	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("trace log is closed")
	}

	n, err := s.currentFile.Write(data)
	s.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}

	if s.config.SyncWrites {
		if err := s.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync trace: %w", err)
		}
	}

	if s.currentSize >= s.config.SegmentSize {
		s.logger.Debug("Rotating trace log",
			zap.Int64("size", s.currentSize),
			zap.Int64("threshold", s.config.SegmentSize))
		if err := s.openNewSegment(); err != nil {
			return fmt.Errorf("failed to rotate trace log: %w", err)
		}
	}
	return nil
}

func (s *TraceService) openNewSegment() error {
	if s.currentFile != nil {
		s.currentFile.Close()
	}

	s.segmentID++
	path := filepath.Join(s.dir, fmt.Sprintf("trace-%020d.log", s.segmentID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}

	s.currentFile = file
	s.currentSize = 0
	s.logger.Debug("Opened new trace segment", zap.String("path", path))
	return nil
}

// Segments lists segment files oldest first
func (s *TraceService) Segments() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "trace-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list trace files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadAll returns every record across all segments, skipping unreadable lines.
func (s *TraceService) ReadAll() ([]model.ExecutionTrace, error) {
	files, err := s.Segments()
	if err != nil {
		return nil, err
	}

	var traces []model.ExecutionTrace
	for _, path := range files {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			var trace model.ExecutionTrace
			if err := json.Unmarshal(scanner.Bytes(), &trace); err != nil {
				s.logger.Warn("Failed to unmarshal trace record", zap.String("file", path), zap.Error(err))
				continue
			}
			traces = append(traces, trace)
		}
		err = scanner.Err()
		file.Close()
		if err != nil {
			return traces, err
		}
	}
	return traces, nil
}

// Close closes the current segment
func (s *TraceService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.currentFile.Close()
}

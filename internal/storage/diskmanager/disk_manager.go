package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
)

// DiskManager watches the volume holding spilled models and refuses spill
// writes once usage crosses the circuit breaker threshold.
type DiskManager struct {
	dir           string
	logger        *zap.Logger
	checkInterval time.Duration
	statfs        func(path string) (total, available uint64, err error)

	warningThreshold        float64
	circuitBreakerThreshold float64

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	circuitBroken  bool
}

// DiskManagerConfig holds configuration for disk manager.
// Thresholds are fractions of the volume (0.95 = 95%).
type DiskManagerConfig struct {
	Dir                     string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 0.80
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 0.95
	}

	dm := &DiskManager{
		dir:                     cfg.Dir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		statfs:                  statfs,
		warningThreshold:        cfg.WarningThreshold * 100,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold * 100,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// CheckBeforeWrite returns an error when a spill of estimatedBytes must not proceed.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.circuitBroken || estimatedBytes > dm.availableBytes {
		return simerrors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// ForceCheck refreshes usage immediately
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

// GetDiskUsage returns the last observed usage
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsCircuitBroken: dm.circuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

func (dm *DiskManager) checkLocked() error {
	total, available, err := dm.statfs(dm.dir)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("filesystem at %s reports zero size", dm.dir)
	}

	usage := float64(total-available) / float64(total) * 100.0
	wasBroken := dm.circuitBroken

	dm.usagePercent = usage
	dm.availableBytes = available
	dm.lastCheck = time.Now()
	dm.circuitBroken = usage >= dm.circuitBreakerThreshold

	switch {
	case dm.circuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED, model spill disabled",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available))
	case !dm.circuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usage))
	case usage >= dm.warningThreshold && !dm.circuitBroken:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available))
	}

	return nil
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

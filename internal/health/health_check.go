package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/storage/diskmanager"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// DiskUsageSource reports usage of the volume holding spilled models.
type DiskUsageSource interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// HealthChecker periodically evaluates the node's local dependencies and
// derives liveness and readiness from them.
type HealthChecker struct {
	nodeID          string
	cacheDir        string
	interval        time.Duration
	disk            DiskUsageSource
	brokerConnected func() bool
	logger          *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	CacheDir string
	Interval time.Duration
}

// NewHealthChecker creates a new health checker. disk and brokerConnected may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, disk DiskUsageSource, brokerConnected func() bool, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:          cfg.NodeID,
		cacheDir:        cfg.CacheDir,
		interval:        cfg.Interval,
		disk:            disk,
		brokerConnected: brokerConnected,
		logger:          logger,
		checks:          make(map[string]CheckResult),
		livenessOK:      true,
		readinessOK:     true,
		status:          model.NodeStatusHealthy,
	}
}

// Start runs the checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks evaluates every check once
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkBrokerSession,
		h.checkDiskSpace,
		h.checkCacheDirAccessible,
		h.checkFileDescriptors,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

// checkBrokerSession fails readiness while the broker session is down,
// since no grants or commits can flow without it.
func (h *HealthChecker) checkBrokerSession() CheckResult {
	result := CheckResult{Name: "broker_session", Timestamp: time.Now()}
	switch {
	case h.brokerConnected == nil:
		result.Status = StatusHealthy
		result.Message = "Broker session not monitored"
	case h.brokerConnected():
		result.Status = StatusHealthy
		result.Message = "Broker session established"
	default:
		result.Status = StatusCritical
		result.Message = "Broker session is not connected"
	}
	return result
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
	if h.disk == nil {
		result.Status = StatusHealthy
		result.Message = "Disk usage not monitored"
		return result
	}

	stats := h.disk.GetDiskUsage()
	switch {
	case stats.IsCircuitBroken:
		// spill is refused but in-memory execution keeps working
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage critical, model spill disabled: %.2f%%", stats.UsagePercent)
	case stats.UsagePercent > 90:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", stats.UsagePercent)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			stats.UsagePercent, float64(stats.AvailableBytes)/1024/1024/1024)
	}
	return result
}

func (h *HealthChecker) checkCacheDirAccessible() CheckResult {
	result := CheckResult{Name: "cache_dir_accessible", Timestamp: time.Now()}

	info, err := os.Stat(h.cacheDir)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Model cache directory not accessible: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Status = StatusCritical
		result.Message = "Model cache path is not a directory"
		return result
	}

	probe := filepath.Join(h.cacheDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Cannot write to model cache directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(probe)

	result.Status = StatusHealthy
	result.Message = "Model cache directory is accessible and writable"
	return result
}

// checkFileDescriptors watches descriptor usage; every overlay stream and
// spilled model read holds one.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	result := CheckResult{Name: "file_descriptors", Timestamp: time.Now()}

	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Failed to get rlimit: %v", err)
		return result
	}

	// Linux only; elsewhere report the limits alone
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max)
		return result
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	result.Status = StatusHealthy
	if usagePercent > 90 {
		result.Status = StatusWarning
	}
	result.Message = fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
	return result
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness overrides readiness until the next check run (used during shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()
	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()
	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"checks": h.GetChecks(),
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Status is the overall health of the node
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check result states
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// CheckFunc probes one dependency. A non-nil error marks it critical.
type CheckFunc func(ctx context.Context) error

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// DataDir is checked for space and writability when set
	DataDir      string
	Interval     time.Duration
	CheckTimeout time.Duration
}

// HealthChecker performs health checks for the grid node
type HealthChecker struct {
	config *HealthCheckConfig
	logger *zap.Logger

	mu           sync.RWMutex
	dependencies map[string]CheckFunc
	lastCheck    time.Time
	status       Status
	checks       map[string]CheckResult
	readinessOK  bool
	draining     bool
}

// NewHealthChecker creates a new health checker. It reports not ready until
// the first RunChecks.
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return &HealthChecker{
		config:       cfg,
		logger:       logger,
		dependencies: make(map[string]CheckFunc),
		checks:       make(map[string]CheckResult),
		status:       StatusHealthy,
	}
}

// AddCheck registers a dependency probe
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dependencies[name] = fn
}

// SetDataDir enables the disk checks for dir
func (h *HealthChecker) SetDataDir(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config.DataDir = dir
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the node status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	h.mu.RLock()
	dataDir := h.config.DataDir
	deps := make(map[string]CheckFunc, len(h.dependencies))
	for name, fn := range h.dependencies {
		deps[name] = fn
	}
	h.mu.RUnlock()

	var results []CheckResult
	if dataDir != "" {
		results = append(results, h.checkDiskSpace(dataDir), h.checkDataDirAccessible(dataDir))
	}
	results = append(results, h.checkFileDescriptors())
	for name, fn := range deps {
		results = append(results, h.checkDependency(ctx, name, fn))
	}

	status := StatusHealthy
	ready := true
	for _, r := range results {
		switch r.Status {
		case CheckCritical:
			status = StatusUnhealthy
			ready = false
		case CheckWarning:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.checks = make(map[string]CheckResult, len(results))
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.status = status
	h.readinessOK = ready
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
}

func (h *HealthChecker) checkDependency(ctx context.Context, name string, fn CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return CheckResult{Name: name, Status: CheckCritical, Message: err.Error(), Timestamp: time.Now()}
	}
	return CheckResult{Name: name, Status: CheckHealthy, Timestamp: time.Now()}
}

// DiskStats returns used and available bytes of the filesystem holding dir
func DiskStats(dir string) (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)
	return used, available, nil
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace(dir string) CheckResult {
	used, available, err := DiskStats(dir)
	if err != nil {
		return CheckResult{Name: "disk_space", Status: CheckCritical, Message: err.Error(), Timestamp: time.Now()}
	}
	if used+available == 0 {
		return CheckResult{Name: "disk_space", Status: CheckHealthy, Timestamp: time.Now()}
	}

	usagePercent := float64(used) / float64(used+available) * 100
	switch {
	case usagePercent > 95:
		return CheckResult{
			Name:      "disk_space",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	case usagePercent > 90:
		return CheckResult{
			Name:      "disk_space",
			Status:    CheckWarning,
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "disk_space",
		Status:    CheckHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkDataDirAccessible checks that the version log directory is writable
func (h *HealthChecker) checkDataDirAccessible(dir string) CheckResult {
	info, err := os.Stat(dir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    CheckCritical,
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	probe := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    CheckCritical,
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(probe)

	return CheckResult{Name: "data_dir_accessible", Status: CheckHealthy, Timestamp: time.Now()}
}

// checkFileDescriptors warns when the open descriptor count nears the limit.
// Nodes without /proc report healthy.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    CheckWarning,
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		return CheckResult{Name: "file_descriptors", Status: CheckHealthy, Timestamp: time.Now()}
	}

	open := uint64(len(entries))
	usagePercent := float64(open) / float64(rlimit.Cur) * 100
	status := CheckHealthy
	if usagePercent > 90 {
		status = CheckWarning
	}
	return CheckResult{
		Name:      "file_descriptors",
		Status:    status,
		Message:   fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, open, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// IsReady returns whether the node can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && !h.draining
}

// SetDraining marks the node as shutting down; it stops reporting ready
func (h *HealthChecker) SetDraining(draining bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = draining
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns all check results ordered by name
func (h *HealthChecker) GetChecks() []CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// LivenessResponse is the body of /health
type LivenessResponse struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body of /ready
type ReadinessResponse struct {
	Status string        `json:"status"`
	Health Status        `json:"health"`
	Checks []CheckResult `json:"checks"`
}

// LivenessHandler answers as long as the process can serve HTTP
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{
		Status:    "healthy",
		NodeID:    h.config.NodeID,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler reports 503 while a critical check fails or the node drains
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{Status: "ready", Health: h.GetStatus(), Checks: h.GetChecks()}
	code := http.StatusOK
	if !h.IsReady() {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

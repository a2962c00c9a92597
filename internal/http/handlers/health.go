// Package handlers provides HTTP API handlers for longform.
package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"gorm.io/gorm"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// CPUInfo reports system load.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load_1min"`
	Load5Min  float64 `json:"load_5min"`
	Load15Min float64 `json:"load_15min"`
}

// MemoryInfo reports system memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
}

// DatabaseHealth reports database reachability and pool usage.
type DatabaseHealth struct {
	Status             string  `json:"status"`
	ResponseTimeMS     float64 `json:"response_time_ms"`
	ConnectionPoolSize int     `json:"connection_pool_size"`
	ActiveConnections  int     `json:"active_connections"`
	IdleConnections    int     `json:"idle_connections"`
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	CPUInfo       CPUInfo        `json:"cpu"`
	Memory        MemoryInfo     `json:"memory"`
	Database      DatabaseHealth `json:"database"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/api/health/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/api/health/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports process liveness. It always succeeds while the
// process can serve requests.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the service can do useful work, which
// requires a reachable database.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Components = map[string]string{}

	if h.db == nil {
		out.Body.Status = "not_ready"
		out.Body.Components["database"] = "not_configured"
		return out, nil
	}

	dbHealth := h.getDatabaseHealth(ctx)
	out.Body.Components["database"] = dbHealth.Status
	if dbHealth.Status == "ok" {
		out.Body.Status = "ready"
	} else {
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	status := "healthy"
	if dbHealth.Status == "error" {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Database:      dbHealth,
		},
	}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}
	return info
}

// getDatabaseHealth returns database health information.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok"}

	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
	}

	return health
}

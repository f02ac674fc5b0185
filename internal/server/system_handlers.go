// Package server provides the HTTP server and routing for RouteSpark.
package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/routespark/routespark/internal/database"
	"github.com/routespark/routespark/internal/domain"
)

// SnapshotStates reports the per-route backtest refresh states. Satisfied
// by snapshots.Service.
type SnapshotStates interface {
	States() ([]domain.RefreshState, error)
}

// SystemHandlers provides system monitoring endpoints
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	ordersDB  *database.DB
	stateDB   *database.DB
	docsDB    *database.DB
	snapshots SnapshotStates
	started   time.Time
}

// NewSystemHandlers creates system monitoring handlers
func NewSystemHandlers(log zerolog.Logger, dataDir string, ordersDB, stateDB, docsDB *database.DB, snapshots SnapshotStates) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		dataDir:   dataDir,
		ordersDB:  ordersDB,
		stateDB:   stateDB,
		docsDB:    docsDB,
		snapshots: snapshots,
		started:   time.Now(),
	}
}

// SystemStatusResponse is the GET /api/system/status payload.
type SystemStatusResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	CPUPercent    float64               `json:"cpu_percent"`
	MemoryPercent float64               `json:"memory_percent"`
	DiskPercent   float64               `json:"disk_percent"`
	Goroutines    int                   `json:"goroutines"`
	Databases     []DatabaseStatus      `json:"databases"`
	RefreshStates []domain.RefreshState `json:"refresh_states,omitempty"`
	LastChecked   string                `json:"last_checked"`
}

// DatabaseStatus is one database's reachability summary.
type DatabaseStatus struct {
	Name    string  `json:"name"`
	Healthy bool    `json:"healthy"`
	SizeMB  float64 `json:"size_mb"`
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	cpuPercent, memPercent := h.getSystemStats()

	status := "healthy"
	databases := make([]DatabaseStatus, 0, 3)
	for _, db := range []*database.DB{h.ordersDB, h.stateDB, h.docsDB} {
		entry := DatabaseStatus{Name: db.Name(), Healthy: true}
		// A cheap ping here; the weekly integrity job does the deep scan.
		if err := db.Conn().PingContext(r.Context()); err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Database ping failed")
			entry.Healthy = false
			status = "degraded"
		}
		if stats, err := db.GetStats(); err == nil {
			entry.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
		}
		databases = append(databases, entry)
	}

	response := SystemStatusResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		DiskPercent:   h.getDiskPercent(),
		Goroutines:    runtime.NumGoroutine(),
		Databases:     databases,
		LastChecked:   time.Now().Format(time.RFC3339),
	}

	if h.snapshots != nil {
		states, err := h.snapshots.States()
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to load refresh states")
		} else {
			response.RefreshStates = states
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// DatabaseStatsResponse is the GET /api/system/database/stats payload.
type DatabaseStatsResponse struct {
	Databases   []DBStats `json:"databases"`
	TotalSizeMB float64   `json:"total_size_mb"`
	LastChecked string    `json:"last_checked"`
}

// DBStats is one database's storage detail.
type DBStats struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	PageSize      int64   `json:"page_size"`
	FreelistCount int64   `json:"freelist_count"`
}

// HandleDatabaseStats handles GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting database stats")

	databases := make([]DBStats, 0, 3)
	totalSizeMB := 0.0

	for _, db := range []*database.DB{h.ordersDB, h.stateDB, h.docsDB} {
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get database stats")
			continue
		}

		sizeMB := float64(stats.SizeBytes) / 1024 / 1024
		totalSizeMB += sizeMB

		databases = append(databases, DBStats{
			Name:          db.Name(),
			Path:          db.Path(),
			SizeMB:        sizeMB,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:     stats.PageCount,
			PageSize:      stats.PageSize,
			FreelistCount: stats.FreelistCount,
		})
	}

	response := DatabaseStatsResponse{
		Databases:   databases,
		TotalSizeMB: totalSizeMB,
		LastChecked: time.Now().Format(time.RFC3339),
	}

	h.writeJSON(w, http.StatusOK, response)
}

// getSystemStats calculates CPU and RAM usage percentages. The short
// 100ms CPU sample keeps the endpoint responsive for frequent pollers.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}

	return cpuPercent[0], memStat.UsedPercent
}

// getDiskPercent returns the used fraction of the volume holding the
// data directory.
func (h *SystemHandlers) getDiskPercent() float64 {
	usage, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
		return 0
	}
	return usage.UsedPercent
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

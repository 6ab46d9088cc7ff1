package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/signpost-core/internal/broadcast"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Stream        broadcast.Stats `json:"stream"`
	MQTT          BackendMetrics  `json:"mqtt"`
	InfluxDB      BackendMetrics  `json:"influxdb"`
	Signs         SignMetrics     `json:"signs"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// BackendMetrics reports an optional backend's connection state.
type BackendMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// SignMetrics counts the fleet by read-time status.
type SignMetrics struct {
	Total   int            `json:"total"`
	Online  int            `json:"online"`
	Offline int            `json:"offline"`
	ByMode  map[string]int `json:"by_mode"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Stream:   s.hub.Stats(),
		MQTT:     backendMetrics(s.mqtt),
		InfluxDB: backendMetrics(s.influx),
		Signs:    countSigns(s.registry.ListAll(r.Context())),
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func backendMetrics(b ConnectionStatus) BackendMetrics {
	if b == nil {
		return BackendMetrics{}
	}
	return BackendMetrics{Enabled: true, Connected: b.IsConnected()}
}

func countSigns(signs []sign.Sign) SignMetrics {
	m := SignMetrics{Total: len(signs), ByMode: make(map[string]int)}
	for _, s := range signs {
		if s.Status == sign.StatusOnline {
			m.Online++
		} else {
			m.Offline++
		}
		m.ByMode[s.CurrentMode.String()]++
	}
	return m
}

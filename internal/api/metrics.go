package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/cync-core/internal/bridges/cync"
)

const bytesPerMB = 1024 * 1024

// SystemMetrics is the /api/metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	Devices       DeviceMetrics     `json:"devices"`
	Listener      *cync.ServerStats `json:"listener,omitempty"`
	WebSocket     WSMetrics         `json:"websocket"`
	MQTT          *BackendMetrics   `json:"mqtt,omitempty"`
	InfluxDB      *BackendMetrics   `json:"influxdb,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// DeviceMetrics counts connected devices.
type DeviceMetrics struct {
	Connected int `json:"connected"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// BackendMetrics reports an optional backend connection.
type BackendMetrics struct {
	Connected bool `json:"connected"`
}

// handleMetrics returns runtime, listener and backend metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		Devices: DeviceMetrics{
			Connected: len(s.dispatcher.ListDevices()),
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}

	if s.devices != nil {
		stats := s.devices.Stats()
		metrics.Listener = &stats
	}
	if s.mqtt != nil {
		metrics.MQTT = &BackendMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.influx != nil {
		metrics.InfluxDB = &BackendMetrics{Connected: s.influx.IsConnected()}
	}

	writeJSON(w, http.StatusOK, metrics)
}

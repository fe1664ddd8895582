package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all backend checks of one /api/health request.
const healthCheckTimeout = 5 * time.Second

// Health status values.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// HealthResponse is the /api/health response.
//
// Backends lists each configured optional backend with "ok" or the error
// text of its failed check. Status is "degraded" when any check failed;
// the device listener keeps serving either way, so the code stays 200.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Backends map[string]string `json:"backends,omitempty"`
}

// handleHealth checks every configured backend and reports per-backend status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: healthOK, Version: s.version}
	for name, checker := range s.healthCheckers() {
		if resp.Backends == nil {
			resp.Backends = make(map[string]string)
		}
		if err := checker.HealthCheck(ctx); err != nil {
			resp.Backends[name] = err.Error()
			resp.Status = healthDegraded
			continue
		}
		resp.Backends[name] = healthOK
	}

	writeJSON(w, http.StatusOK, resp)
}

// healthCheckers returns the configured backends keyed by report name.
func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker, 3)
	if s.database != nil {
		checkers["database"] = s.database
	}
	if s.mqtt != nil {
		checkers["mqtt"] = s.mqtt
	}
	if s.influx != nil {
		checkers["influxdb"] = s.influx
	}
	return checkers
}

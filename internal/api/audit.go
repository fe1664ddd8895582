package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/cync-core/internal/audit"
)

// handleListAudit returns recorded control requests, newest first.
//
// Query parameters:
//   - address: only this device
//   - source: api or mqtt
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command audit is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Address: q.Get("address"),
		Source:  q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

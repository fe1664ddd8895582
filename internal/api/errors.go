package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/cync-core/internal/bridges/cync"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeTransport      = "transport_error"
	ErrCodeInternal       = "internal_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDispatchError maps dispatcher errors onto HTTP statuses:
// unknown device 404, failed send 502, anything else 500.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cync.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, cync.ErrTransport):
		writeError(w, http.StatusBadGateway, ErrCodeTransport, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}

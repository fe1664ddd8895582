package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/cync-core/internal/bridges/cync"
)

// handleListDevices returns the addresses of connected devices in the
// order they connected.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.ListDevices())
}

// handleGetDevice returns the name and last known state of one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	dev, err := s.dispatcher.GetDevice(address)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleSendCommand runs a control request against one device and echoes
// the normalised request back.
//
// Body (every field optional):
//
//	{"status": "on", "brightness": 80, "temperature": 50,
//	 "color": {"r": 255, "g": 0, "b": 0}, "info": true, "custom": 131, "id": 0}
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return
	}

	req, err := cync.ParseCommandRequest(body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	// Bounded by the client connection and each frame's write deadline.
	echo, err := s.dispatcher.SendCommand(r.Context(), address, req, cync.SourceAPI)
	if err != nil {
		s.logger.Warn("command failed",
			"address", address,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, echo)
}

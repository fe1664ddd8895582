package cync

import (
	"errors"

	"github.com/nerrad567/cync-core/internal/device"
)

// Domain errors for the Cync bridge package.
var (
	// ErrDeviceNotFound is returned when a control request names an address
	// with no open connection. It is the registry's error, so errors.Is
	// matches either name.
	ErrDeviceNotFound = device.ErrDeviceNotFound

	// ErrTransport is returned when writing a frame to a device fails.
	ErrTransport = errors.New("cync: transport error")

	// ErrMalformedFrame is returned when a frame fails length or field
	// offset checks. The frame is dropped and the connection stays open.
	ErrMalformedFrame = errors.New("cync: malformed frame")

	// ErrUnrecognizedMessage marks a correctly framed message with no
	// known handler. It is logged and ignored.
	ErrUnrecognizedMessage = errors.New("cync: unrecognized message")

	// ErrProtocolDesync is returned by the frame reader when a declared
	// frame length is impossible. The stream cannot be resynchronised and
	// the connection must be closed.
	ErrProtocolDesync = errors.New("cync: protocol desync")

	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("cync: session closed")
)

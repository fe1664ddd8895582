package cync

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/cync-core/internal/device"
)

// Frame layout: opcode(1) + big-endian length(4) + payload(length).
const (
	// HeaderSize is the size of the opcode plus length prefix.
	HeaderSize = 5

	// lengthOffset is where the 4-byte payload length starts.
	lengthOffset = 1
)

// Inbound opcodes.
const (
	OpIdentity       byte = 0x23
	OpConnection     byte = 0xc3
	OpDiagnostic     byte = 0x43
	OpHeartbeat      byte = 0xd3
	OpStatus         byte = 0x83
	OpStatusSync     byte = 0x73
	OpInvalidCommand byte = 0x7b
)

// MessageType classifies a decoded inbound frame.
type MessageType int

// Inbound message types.
const (
	MessageUnrecognized MessageType = iota
	MessageIdentity
	MessageConnectionRequest
	MessageDiagnosticData
	MessageHeartbeat
	MessageIterationRequest
	MessageStateReport
	MessageInitialStateReport
	MessageInvalidCommandNotice
)

var messageTypeNames = map[MessageType]string{
	MessageUnrecognized:         "unrecognized",
	MessageIdentity:             "identity",
	MessageConnectionRequest:    "connection_request",
	MessageDiagnosticData:       "diagnostic_data",
	MessageHeartbeat:            "heartbeat",
	MessageIterationRequest:     "iteration_request",
	MessageStateReport:          "state_report",
	MessageInitialStateReport:   "initial_state_report",
	MessageInvalidCommandNotice: "invalid_command_notice",
}

// String returns the snake_case name used in logs.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("message_type(%d)", int(t))
}

// Fixed inbound frames recognised by exact equality.
var (
	connectionRequestFrame = []byte{0xc3, 0x00, 0x00, 0x00, 0x01, 0x0c}
	heartbeatFrame         = []byte{0xd3, 0x00, 0x00, 0x00, 0x00}
	invalidCommandFrame    = []byte{0x7b, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	diagnosticPrefix  = []byte{0x43, 0x00, 0x00, 0x00}
	stateReportHeader = []byte{0x83, 0x00, 0x00, 0x00, 0x25}
)

// initialStateSkipLength is the 0x73 length the device uses for frames that
// are not state snapshots.
const initialStateSkipLength = 13

// Identity name field, absolute offsets.
const (
	identityNameStart = 12
	identityNameEnd   = 28
)

// stateOffsets locates the state tuple inside a report frame (absolute offsets).
type stateOffsets struct {
	deviceID, on, brightness, temperature, r, g, b int
}

var (
	stateReportOffsets = stateOffsets{
		deviceID: 24, on: 32, brightness: 33, temperature: 34, r: 35, g: 36, b: 37,
	}
	initialStateOffsets = stateOffsets{
		deviceID: 27, on: 35, brightness: 39, temperature: 43, r: 47, g: 48, b: 49,
	}
)

// minLen is the shortest frame that holds every field.
func (o stateOffsets) minLen() int {
	return max(o.deviceID, o.on, o.brightness, o.temperature, o.r, o.g, o.b) + 1
}

func (o stateOffsets) extract(frame []byte) device.LightState {
	return device.LightState{
		DeviceID:    device.Uint8(frame[o.deviceID]),
		On:          device.Bool(frame[o.on] != 0),
		Brightness:  device.Uint8(frame[o.brightness]),
		Temperature: device.Uint8(frame[o.temperature]),
		Color:       &device.Color{R: frame[o.r], G: frame[o.g], B: frame[o.b]},
	}
}

// Message is a decoded inbound frame.
type Message struct {
	Type MessageType

	// Opcode is the frame's first byte.
	Opcode byte

	// Name is the device display name (Identity only).
	Name string

	// State is the full light state (StateReport and InitialStateReport only).
	State device.LightState

	// Frame is the raw frame the message was decoded from.
	Frame []byte
}

// PayloadLength returns the declared payload length of a frame header.
// The frame must hold at least HeaderSize bytes.
func PayloadLength(frame []byte) uint32 {
	return binary.BigEndian.Uint32(frame[lengthOffset:HeaderSize])
}

// Decode classifies one complete frame and extracts its fields.
//
// Classification checks opcode first and, for opcodes the device reuses,
// the header length or exact frame contents. A frame that is correctly
// framed but matches nothing decodes to MessageUnrecognized with a nil error.
//
// Parameters:
//   - frame: One complete frame (header plus declared payload)
//
// Returns:
//   - Message: The classified message
//   - error: ErrMalformedFrame if the frame is truncated or too short for
//     its message type's fixed offsets
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(frame))
	}
	length := PayloadLength(frame)
	if uint64(len(frame)-HeaderSize) != uint64(length) {
		return Message{}, fmt.Errorf("%w: declared length %d, have %d payload bytes",
			ErrMalformedFrame, length, len(frame)-HeaderSize)
	}

	msg := Message{Opcode: frame[0], Frame: frame}

	switch frame[0] {
	case OpIdentity:
		if len(frame) < identityNameEnd {
			return Message{}, fmt.Errorf("%w: identity frame of %d bytes", ErrMalformedFrame, len(frame))
		}
		msg.Type = MessageIdentity
		msg.Name = parseName(frame[identityNameStart:identityNameEnd])

	case OpConnection:
		if bytes.Equal(frame, connectionRequestFrame) {
			msg.Type = MessageConnectionRequest
		}

	case OpDiagnostic:
		if bytes.HasPrefix(frame, diagnosticPrefix) {
			msg.Type = MessageDiagnosticData
		}

	case OpHeartbeat:
		if bytes.Equal(frame, heartbeatFrame) {
			msg.Type = MessageHeartbeat
		}

	case OpStatus:
		if !bytes.HasPrefix(frame, stateReportHeader) {
			msg.Type = MessageIterationRequest
			break
		}
		if len(frame) < stateReportOffsets.minLen() {
			return Message{}, fmt.Errorf("%w: state report of %d bytes", ErrMalformedFrame, len(frame))
		}
		msg.Type = MessageStateReport
		msg.State = stateReportOffsets.extract(frame)

	case OpStatusSync:
		if length == initialStateSkipLength {
			break
		}
		if len(frame) < initialStateOffsets.minLen() {
			return Message{}, fmt.Errorf("%w: initial state report of %d bytes", ErrMalformedFrame, len(frame))
		}
		msg.Type = MessageInitialStateReport
		msg.State = initialStateOffsets.extract(frame)

	case OpInvalidCommand:
		if bytes.Equal(frame, invalidCommandFrame) {
			msg.Type = MessageInvalidCommandNotice
		}
	}

	return msg, nil
}

// parseName converts the fixed-width ASCII name field to a string, dropping
// the NUL padding the device uses for short names.
func parseName(field []byte) string {
	if i := bytes.IndexByte(field, 0x00); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

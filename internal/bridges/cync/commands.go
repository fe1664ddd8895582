package cync

import "bytes"

// Fixed outbound frames.
var (
	clientAckFrame        = []byte{0x28, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00}
	connectionAcceptFrame = []byte{0xc8, 0x00, 0x00, 0x00, 0x0b, 0x0d, 0x07, 0xe7, 0x05, 0x16, 0x02, 0x14, 0x2a, 0x3a, 0xfe, 0x0c}
	diagnosticAckFrame    = []byte{0x48, 0x00, 0x00, 0x00, 0x03, 0x01, 0x01, 0x00}
	heartbeatAckFrame     = []byte{0xd8, 0x00, 0x00, 0x00, 0x00}
	getInfoFrame          = []byte{
		0x73, 0x00, 0x00, 0x00, 0x18, 0x4b, 0x05, 0xba, 0xbd, 0x85, 0xd3, 0x00,
		0x7e, 0x0b, 0x00, 0x00, 0x00, 0xf8, 0x52, 0x06, 0x00, 0x00, 0x00, 0xff,
		0xff, 0x00, 0x00, 0x56, 0x7e,
	}
)

// commandTemplate is a vendor command frame with named variable slots.
// Slots hold zero in base and are filled by build.
type commandTemplate struct {
	base         []byte
	deviceIDSlot int
	dataSlot     int // first byte of the command-specific data
	valueSlot    int // checksum-like trailing value byte
}

func (t commandTemplate) build(deviceID, value byte, data ...byte) []byte {
	frame := bytes.Clone(t.base)
	frame[t.deviceIDSlot] = deviceID
	copy(frame[t.dataSlot:], data)
	frame[t.valueSlot] = value
	return frame
}

// powerTemplate is the 36-byte on/off command. Its data is one state byte.
var powerTemplate = commandTemplate{
	base: []byte{
		0x73, 0x00, 0x00, 0x00, 0x1f, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x7e, 0x86, 0x00, 0x00, 0x00, 0xf8, 0xd0, 0x0d, 0x00, 0x86, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0xd0, 0x11, 0x02, 0x00, 0x00, 0x00, 0x00, 0x7e,
	},
	deviceIDSlot: 26,
	dataSlot:     31,
	valueSlot:    34,
}

// lightTemplate is the 39-byte brightness/colour/temperature command.
// Its data is five bytes whose meaning depends on the command.
var lightTemplate = commandTemplate{
	base: []byte{
		0x73, 0x00, 0x00, 0x00, 0x22, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x7e, 0x00, 0x00, 0x00, 0x00, 0xf8, 0xf0, 0x10, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0xf0, 0x11, 0x02, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x7e,
	},
	deviceIDSlot: 26,
	dataSlot:     32,
	valueSlot:    37,
}

// Value byte bases.
const (
	turnOnBase      = 134 - 63
	turnOffBase     = 134 - 64
	temperatureBase = 3
)

// EncodeTurnOn builds the power-on command for a light.
func EncodeTurnOn(deviceID uint8) []byte {
	return powerTemplate.build(deviceID, powerValue(true, deviceID), 0x01)
}

// EncodeTurnOff builds the power-off command for a light.
func EncodeTurnOff(deviceID uint8) []byte {
	return powerTemplate.build(deviceID, powerValue(false, deviceID), 0x00)
}

// EncodeSetBrightness builds the brightness command.
func EncodeSetBrightness(brightness, deviceID uint8) []byte {
	return lightTemplate.build(deviceID, brightnessValue(brightness, deviceID),
		brightness, 0xff, 0xff, 0xff, 0xff)
}

// EncodeSetColor builds the RGB colour command.
func EncodeSetColor(r, g, b, deviceID uint8) []byte {
	return lightTemplate.build(deviceID, colorValue(r, g, b, deviceID),
		0xff, 0xfe, r, g, b)
}

// EncodeSetColorTemperature builds the white colour temperature command.
func EncodeSetColorTemperature(temperature, deviceID uint8) []byte {
	return lightTemplate.build(deviceID, temperatureValue(temperature, deviceID),
		0xff, temperature, 0x00, 0x00, 0x00)
}

// EncodeGetInfo builds the request that makes a device report its state.
func EncodeGetInfo() []byte { return bytes.Clone(getInfoFrame) }

// EncodeCustom returns b as a one-byte raw write.
//
// The result has no header and no length prefix. It is a passthrough for
// experimenting with the device; the gateway does not check what the byte
// means and a wrong byte can leave the device's parser out of step.
func EncodeCustom(b byte) []byte { return []byte{b} }

// EncodeClientAck builds the acknowledgement for an identity frame.
func EncodeClientAck() []byte { return bytes.Clone(clientAckFrame) }

// EncodeConnectionAccept builds the answer to a connection request.
func EncodeConnectionAccept() []byte { return bytes.Clone(connectionAcceptFrame) }

// EncodeDiagnosticAck builds the acknowledgement for diagnostic data.
func EncodeDiagnosticAck() []byte { return bytes.Clone(diagnosticAckFrame) }

// EncodeHeartbeatAck builds the heartbeat reply.
func EncodeHeartbeatAck() []byte { return bytes.Clone(heartbeatAckFrame) }

// EncodeIterationResponse builds an iteration response using the
// process-wide counter, advancing it.
func EncodeIterationResponse() []byte {
	return defaultCounter.Response()
}

func powerValue(on bool, deviceID uint8) byte {
	if on {
		return turnOnBase + deviceID
	}
	return turnOffBase + deviceID
}

func brightnessValue(brightness, deviceID uint8) byte {
	return brightness + deviceID
}

func colorValue(r, g, b, deviceID uint8) byte {
	return reduce255(int(r) + int(g) + int(b) + int(deviceID))
}

func temperatureValue(temperature, deviceID uint8) byte {
	return reduce255(temperatureBase + int(temperature) + int(deviceID))
}

// reduce255 subtracts 255 until the sum fits in a byte. This is the vendor's
// reduction and is not the same as sum % 255: 255 stays 255 and 510 becomes
// 255, where the modulo gives 0.
func reduce255(sum int) byte {
	for sum > 255 {
		sum -= 255
	}
	return byte(sum)
}

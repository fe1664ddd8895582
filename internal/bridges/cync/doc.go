// Package cync implements the device side of the Cync lighting gateway.
//
// Cync lights and plugs normally hold a TLS connection to the vendor cloud.
// With DNS pointed at this gateway they connect here instead, on port 23779,
// and speak the same binary protocol.
//
// # Architecture
//
//	┌──────────┐   TLS   ┌──────────┐         ┌──────────┐
//	│  Device  │────────►│  Server  │────────►│ Session  │──┐
//	└──────────┘         └──────────┘ one per └──────────┘  │ register,
//	                                  conn                  │ state
//	┌──────────┐         ┌────────────┐        ┌─────────┐  │
//	│ HTTP/MQTT│────────►│ Dispatcher │───────►│ Registry│◄─┘
//	└──────────┘         └────────────┘        └─────────┘
//
// Server accepts connections and runs a Session for each. A Session
// reassembles frames with a FrameReader, answers handshake and keep-alive
// frames, and writes decoded state into the device.Registry. The Dispatcher
// turns control requests into command frames and sends them through the
// owning Session.
//
// # Frames
//
// Every frame is an opcode byte, a big-endian uint32 payload length and the
// payload:
//
//	c3 00 00 00 01 0c      connection request
//	d3 00 00 00 00         heartbeat
//
// Decode classifies a complete frame; the Encode functions build outbound
// frames. Command frames carry a trailing value byte the device checks. For
// colour and temperature that byte is reduced by subtracting 255 while the
// sum exceeds 255, which differs from sum%255 at exact multiples of 255.
//
// # Iteration Counter
//
// Devices periodically send 0x83 frames that must be answered with a
// counter value. One counter is shared by every connection in the process
// and runs 1, 2, ..., 254, 0, 1, ...
//
// # Mirrors
//
// Publisher copies registry changes to retained MQTT topics and accepts
// control requests on {prefix}/command/{address}. Telemetry writes each
// state change to InfluxDB as a light_state point. Both queue events and
// drop them when their backend falls behind, so a device session never
// waits on either.
package cync

// Package api implements the gateway's HTTP control surface and WebSocket
// event stream.
//
// Routes:
//
//	GET  /api/devices             connected device addresses, in connect order
//	GET  /api/devices/{address}   name and last known state
//	POST /api/devices/{address}   send a control request, echoed on success
//	GET  /api/health              liveness
//	GET  /api/metrics             runtime, listener and backend counters
//	GET  /api/audit               recorded control requests (audit enabled)
//	GET  /api/ws                  WebSocket event stream
//
// Errors use a {status, code, message} body. An unknown device is 404
// not_found, a failed write to the device is 502 transport_error and a body
// that is not a JSON object is 400 bad_request.
//
// # WebSocket
//
// Clients subscribe to device.connected, device.disconnected and
// device.state_changed, either with ?channels=... on the upgrade request or
// with a subscribe message:
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["device.state_changed"]}}
//
// There is no authentication; expose the port only on a trusted network.
package api

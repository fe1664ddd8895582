// Package device provides the live Device Registry for Cync Core.
//
// The registry maps each connected device's network address to a record
// holding the connection that owns it, the display name announced in the
// device's identity frame, and the last known light state. It is the single
// shared resource between connection sessions and the command dispatcher.
//
// # Architecture
//
//	┌──────────────────┐  reports   ┌──────────────────┐  optimistic  ┌──────────────────┐
//	│ Connection       │──────────▶│     Registry     │◀─────────────│ Command          │
//	│ Sessions         │ register/ │  (registry.go)   │  get/update  │ Dispatcher       │
//	│ (bridges/cync)   │ remove    │                  │              │ (bridges/cync)   │
//	└──────────────────┘           └────────┬─────────┘              └──────────────────┘
//	                                        │ events
//	                                        ▼
//	                         MQTT publisher, InfluxDB, WebSocket hub
//
// # Lifecycle
//
// A record is created the instant a connection is opened, receives its name
// on the first identity frame, has its state merged on every state report
// and every command sent through the dispatcher, and is removed as soon as
// the connection closes. State is memory-resident only.
//
// # Usage
//
//	registry := device.NewRegistry()
//	registry.SetLogger(log)
//	registry.Subscribe(func(ev device.Event) { ... })
//
//	registry.Register("10.0.0.7", session)
//	registry.SetState("10.0.0.7", device.LightState{On: device.Bool(true)}, device.SourceCommand)
package device

// Package mqtt provides the gateway's MQTT client.
//
// The gateway mirrors every connected light onto an MQTT broker so home
// automation systems can observe and control devices without the HTTP API:
//
//	Cync devices ↔ cynccore ↔ MQTT broker ↔ Home Assistant, Node-RED, ...
//
// Topics live under a configurable prefix (default "cync"):
//
//	cync/state/{address}          retained JSON device snapshot
//	cync/availability/{address}   retained "online" / "offline"
//	cync/command/{address}        JSON control requests
//	cync/system/status            gateway status, also the Last Will
//
// # Connection Lifecycle
//
// Connect blocks until the broker accepts the session. Afterwards paho
// reconnects automatically; subscriptions are replayed and the online status
// is republished on every reconnect. If the process dies the broker publishes
// the Last Will so subscribers see the gateway as offline.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeCommands(func(address string, payload []byte) error {
//	    return dispatch(address, payload)
//	})
//	err = client.PublishState("10.0.0.7", snapshot)
//
// All methods are safe for concurrent use.
package mqtt

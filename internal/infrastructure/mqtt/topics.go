package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every gateway topic.
const DefaultTopicPrefix = "cync"

// Topics builds the gateway's MQTT topic names under a prefix.
//
// Layout:
//
//	{prefix}/state/{address}          retained JSON device snapshot
//	{prefix}/availability/{address}   retained "online" / "offline"
//	{prefix}/command/{address}        JSON control requests (subscribed)
//	{prefix}/system/status            retained gateway status with LWT
//
// Device addresses are IPv4 or IPv6 literals; IPv6 colons are legal in
// topic names.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// DeviceState returns the retained state topic for a device.
//
// Example: cync/state/10.0.0.7
func (t Topics) DeviceState(address string) string {
	return fmt.Sprintf("%s/state/%s", t.prefix(), address)
}

// DeviceAvailability returns the availability topic for a device.
//
// Example: cync/availability/10.0.0.7
func (t Topics) DeviceAvailability(address string) string {
	return fmt.Sprintf("%s/availability/%s", t.prefix(), address)
}

// DeviceCommand returns the command topic for a device.
//
// Example: cync/command/10.0.0.7
func (t Topics) DeviceCommand(address string) string {
	return fmt.Sprintf("%s/command/%s", t.prefix(), address)
}

// AllDeviceCommands returns a pattern matching every device command topic.
//
// Pattern: cync/command/+
func (t Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/+", t.prefix())
}

// SystemStatus returns the gateway status topic.
//
// Example: cync/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// CommandAddress extracts the device address from a command topic.
// It returns false if topic is not a command topic under this prefix.
func (t Topics) CommandAddress(topic string) (string, bool) {
	addr, ok := strings.CutPrefix(topic, t.prefix()+"/command/")
	if !ok || addr == "" || strings.Contains(addr, "/") {
		return "", false
	}
	return addr, true
}

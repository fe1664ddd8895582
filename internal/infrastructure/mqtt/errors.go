package mqtt

import "errors"

// Sentinel errors for the MQTT client. Check them with errors.Is.
var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps a rejected or timed-out device publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps a rejected or timed-out command subscription.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrNoAddress is returned for a device topic with an empty address.
	ErrNoAddress = errors.New("mqtt: device address is empty")
)

package mqtt

import (
	"fmt"
)

// maxPayloadSize caps one device state document (1MB).
const maxPayloadSize = 1 << 20

// Availability payloads on {prefix}/availability/{address}.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// CommandHandler receives a control request published on
// {prefix}/command/{address}. A returned error is logged.
type CommandHandler func(address string, payload []byte) error

// PublishState publishes a device's JSON snapshot to its retained state
// topic at the configured QoS.
//
// Parameters:
//   - address: Device registry key, used as the last topic level
//   - payload: JSON document, at most 1MB
//
// Returns:
//   - error: ErrNotConnected, ErrNoAddress, or ErrPublishFailed wrapping the cause
func (c *Client) PublishState(address string, payload []byte) error {
	if address == "" {
		return ErrNoAddress
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: state for %s is %d bytes, limit %d",
			ErrPublishFailed, address, len(payload), maxPayloadSize)
	}
	return c.publishRetained(c.topics.DeviceState(address), payload)
}

// PublishAvailability marks a device online or offline on its retained
// availability topic.
func (c *Client) PublishAvailability(address string, online bool) error {
	if address == "" {
		return ErrNoAddress
	}
	status := availabilityOffline
	if online {
		status = availabilityOnline
	}
	return c.publishRetained(c.topics.DeviceAvailability(address), []byte(status))
}

func (c *Client) publishRetained(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// #nosec G115 -- qos validated to 0..2 by config
	token := c.client.Publish(topic, byte(c.cfg.QoS), true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// SubscribeCommands subscribes to {prefix}/command/+ and hands each
// request to handler with the address taken from the topic.
//
// The subscription is replayed after every reconnect. Messages on topics
// that do not name a single device are logged and dropped.
//
// Returns:
//   - error: ErrNotConnected, or ErrSubscribeFailed wrapping the broker's answer
func (c *Client) SubscribeCommands(handler CommandHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	topic := c.topics.AllDeviceCommands()
	sub := subscription{
		topic:   topic,
		qos:     byte(c.cfg.QoS), // #nosec G115 -- validated by config
		handler: c.commandDispatch(handler),
	}

	c.subMu.Lock()
	c.subscriptions[topic] = sub
	c.subMu.Unlock()

	token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	var err error
	if token.WaitTimeout(defaultPublishTimeout) {
		err = token.Error()
	} else {
		err = fmt.Errorf("timeout after %v", defaultPublishTimeout)
	}
	if err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// commandDispatch turns a topic-level message into an address-level call.
func (c *Client) commandDispatch(handler CommandHandler) MessageHandler {
	return func(topic string, payload []byte) error {
		address, ok := c.topics.CommandAddress(topic)
		if !ok {
			return fmt.Errorf("unexpected command topic %q", topic)
		}
		return handler(address, payload)
	}
}

package cync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/cync-core/internal/device"
	"github.com/nerrad567/cync-core/internal/infrastructure/mqtt"
)

// publishQueueSize bounds registry events waiting to be published.
const publishQueueSize = 256

// MQTTClient is the subset of the MQTT client the publisher uses.
// *mqtt.Client satisfies it; tests use a mock.
type MQTTClient interface {
	PublishState(address string, payload []byte) error
	PublishAvailability(address string, online bool) error
	SubscribeCommands(handler mqtt.CommandHandler) error
}

// statePayload is the retained JSON document on {prefix}/state/{address}.
type statePayload struct {
	Address   string            `json:"address"`
	Name      string            `json:"name,omitempty"`
	State     device.LightState `json:"state"`
	Source    device.Source     `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher mirrors the registry onto MQTT and accepts control requests
// from MQTT.
//
// Registry events are queued and published from a single goroutine so a
// slow broker never stalls a device session. When the queue is full the
// event is dropped and counted.
type Publisher struct {
	client     MQTTClient
	dispatcher *Dispatcher
	logger     Logger

	events  chan device.Event
	dropped atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher. Call Start to begin publishing and
// HandleEvent (as a registry listener) to feed it. A nil dispatcher
// publishes state without accepting commands.
func NewPublisher(client MQTTClient, dispatcher *Dispatcher) *Publisher {
	return &Publisher{
		client:     client,
		dispatcher: dispatcher,
		logger:     noopLogger{},
		events:     make(chan device.Event, publishQueueSize),
		done:       make(chan struct{}),
	}
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// Start subscribes to the command topics and starts the publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	if p.dispatcher != nil {
		if err := p.client.SubscribeCommands(p.handleCommand); err != nil {
			return fmt.Errorf("subscribing to device commands: %w", err)
		}
	}

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop ends the publish loop. Queued events are discarded.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// HandleEvent queues a registry event for publishing. It never blocks.
func (p *Publisher) HandleEvent(ev device.Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Warn("mqtt publish queue full, event dropped", "address", ev.Device.Address, "kind", ev.Kind)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case ev := <-p.events:
			p.publish(ev)
		}
	}
}

func (p *Publisher) publish(ev device.Event) {
	addr := ev.Device.Address

	switch ev.Kind {
	case device.EventRegistered:
		p.publishAvailability(addr, true)
		p.publishState(ev)
	case device.EventUpdated:
		p.publishState(ev)
	case device.EventRemoved:
		p.publishAvailability(addr, false)
	}
}

func (p *Publisher) publishAvailability(address string, online bool) {
	if err := p.client.PublishAvailability(address, online); err != nil {
		p.logger.Warn("publishing availability failed", "address", address, "error", err)
	}
}

func (p *Publisher) publishState(ev device.Event) {
	payload, err := json.Marshal(statePayload{
		Address:   ev.Device.Address,
		Name:      ev.Device.Name,
		State:     ev.Device.State,
		Source:    ev.Source,
		Timestamp: ev.Device.UpdatedAt.UTC(),
	})
	if err != nil {
		p.logger.Error("encoding state payload failed", "address", ev.Device.Address, "error", err)
		return
	}
	if err := p.client.PublishState(ev.Device.Address, payload); err != nil {
		p.logger.Warn("publishing state failed", "address", ev.Device.Address, "error", err)
	}
}

// handleCommand runs a control request received on {prefix}/command/{address}.
// Errors are returned to the MQTT client, which logs them. Each frame
// write is bounded by the session's write timeout.
func (p *Publisher) handleCommand(address string, payload []byte) error {
	req, err := ParseCommandRequest(payload)
	if err != nil {
		return fmt.Errorf("command for %s: %w", address, err)
	}
	if req.IsEmpty() {
		return fmt.Errorf("command for %s: empty request", address)
	}

	if _, err := p.dispatcher.SendCommand(context.Background(), address, req, SourceMQTT); err != nil {
		return fmt.Errorf("command for %s: %w", address, err)
	}
	return nil
}

package cync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/cync-core/internal/device"
	"github.com/nerrad567/cync-core/internal/infrastructure/mqtt"
)

type publishedMessage struct {
	kind    string // "state" or "availability"
	address string
	payload []byte
}

// mockMQTT records publishes and keeps the command handler.
type mockMQTT struct {
	mu         sync.Mutex
	published  []publishedMessage
	subscribed bool
	handler    mqtt.CommandHandler
	subErr     error
}

func (m *mockMQTT) PublishState(address string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{"state", address, payload})
	return nil
}

func (m *mockMQTT) PublishAvailability(address string, online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{"availability", address, []byte(status)})
	return nil
}

func (m *mockMQTT) SubscribeCommands(handler mqtt.CommandHandler) error {
	if m.subErr != nil {
		return m.subErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = true
	m.handler = handler
	return nil
}

func (m *mockMQTT) messages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.published...)
}

func (m *mockMQTT) waitForCount(t *testing.T, n int) []publishedMessage {
	t.Helper()
	waitFor(t, "mqtt publishes", func() bool { return len(m.messages()) >= n })
	return m.messages()
}

func startPublisher(t *testing.T, client MQTTClient, dispatcher *Dispatcher) *Publisher {
	t.Helper()
	pub := NewPublisher(client, dispatcher)
	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(pub.Stop)
	return pub
}

func TestPublisherMirrorsRegistry(t *testing.T) {
	client := &mockMQTT{}
	pub := startPublisher(t, client, nil)

	registry := device.NewRegistry()
	registry.Subscribe(pub.HandleEvent)

	registry.Register("10.0.0.7", newRecordingSession())
	if err := registry.SetState("10.0.0.7", device.LightState{On: device.Bool(true), Brightness: device.Uint8(60)}, device.SourceReport); err != nil {
		t.Fatal(err)
	}
	registry.Remove("10.0.0.7")

	msgs := client.waitForCount(t, 4)
	wantKinds := []string{"availability", "state", "state", "availability"}
	for i, want := range wantKinds {
		if msgs[i].kind != want || msgs[i].address != "10.0.0.7" {
			t.Errorf("message %d = %s for %q, want %s for 10.0.0.7", i, msgs[i].kind, msgs[i].address, want)
		}
	}
	if string(msgs[0].payload) != "online" || string(msgs[3].payload) != "offline" {
		t.Errorf("availability payloads = %q, %q", msgs[0].payload, msgs[3].payload)
	}

	var state statePayload
	if err := json.Unmarshal(msgs[2].payload, &state); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if state.Address != "10.0.0.7" || state.Source != device.SourceReport ||
		state.State.On == nil || !*state.State.On || *state.State.Brightness != 60 {
		t.Errorf("state payload = %+v", state)
	}
}

func TestPublisherNoCommandSubscriptionWithoutDispatcher(t *testing.T) {
	client := &mockMQTT{}
	startPublisher(t, client, nil)
	if client.subscribed {
		t.Error("subscribed to commands without a dispatcher")
	}
}

func TestPublisherStartSubscribeError(t *testing.T) {
	client := &mockMQTT{subErr: errors.New("not connected")}
	pub := NewPublisher(client, NewDispatcher(device.NewRegistry()))
	if err := pub.Start(context.Background()); err == nil {
		t.Error("Start() should fail when the command subscription fails")
	}
}

func TestPublisherHandleCommand(t *testing.T) {
	registry := device.NewRegistry()
	sess := newRecordingSession()
	registry.Register("10.0.0.7", sess)

	client := &mockMQTT{}
	startPublisher(t, client, NewDispatcher(registry))

	if !client.subscribed {
		t.Fatal("command subscription missing")
	}

	tests := []struct {
		name       string
		address    string
		payload    string
		wantErr    bool
		wantFrames int
	}{
		{"power on", "10.0.0.7", `{"status":"on"}`, false, 1},
		{"two fields", "10.0.0.7", `{"brightness":10,"temperature":"20"}`, false, 3},
		{"empty request", "10.0.0.7", `{}`, true, 3},
		{"bad json", "10.0.0.7", `on`, true, 3},
		{"unknown device", "10.9.9.9", `{"status":"on"}`, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.handler(tt.address, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := len(sess.sent()); got != tt.wantFrames {
				t.Errorf("frames sent so far = %d, want %d", got, tt.wantFrames)
			}
		})
	}
}

// blockingMQTT holds every publish until released.
type blockingMQTT struct {
	mockMQTT
	release chan struct{}
}

func (b *blockingMQTT) PublishState(address string, payload []byte) error {
	<-b.release
	return b.mockMQTT.PublishState(address, payload)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	client := &blockingMQTT{release: make(chan struct{})}
	pub := NewPublisher(client, nil)
	if err := pub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ev := device.Event{Kind: device.EventUpdated, Device: device.Device{Address: "10.0.0.7"}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range publishQueueSize + 10 {
			pub.HandleEvent(ev)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleEvent blocked on a stalled broker")
	}
	if pub.Dropped() == 0 {
		t.Error("Dropped() = 0, want events dropped")
	}

	close(client.release)
	pub.Stop()
}

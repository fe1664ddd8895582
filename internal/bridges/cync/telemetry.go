package cync

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/cync-core/internal/device"
)

// MeasurementLightState is the InfluxDB measurement state changes are
// written to.
const MeasurementLightState = "light_state"

// telemetryQueueSize bounds registry events waiting to be written.
const telemetryQueueSize = 256

// PointWriter writes one time-series point. *influxdb.Client satisfies it.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time)
}

// Telemetry records every device state change as a light_state point.
//
// Like the MQTT publisher it queues registry events and writes them from
// its own goroutine; a full queue drops the event.
type Telemetry struct {
	writer PointWriter
	logger Logger

	events  chan device.Event
	dropped atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewTelemetry creates a telemetry recorder writing through w.
func NewTelemetry(w PointWriter) *Telemetry {
	return &Telemetry{
		writer: w,
		logger: noopLogger{},
		events: make(chan device.Event, telemetryQueueSize),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the recorder.
func (t *Telemetry) SetLogger(logger Logger) {
	t.logger = logger
}

// Start runs the write loop until Stop is called.
func (t *Telemetry) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop ends the write loop after writing whatever is already queued.
func (t *Telemetry) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

// Dropped returns how many events were discarded because the queue was full.
func (t *Telemetry) Dropped() uint64 {
	return t.dropped.Load()
}

// HandleEvent queues a registry event. It never blocks.
func (t *Telemetry) HandleEvent(ev device.Event) {
	if ev.Kind == device.EventRemoved || ev.Device.State.IsEmpty() {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.dropped.Add(1)
		t.logger.Warn("telemetry queue full, event dropped", "address", ev.Device.Address)
	}
}

func (t *Telemetry) run() {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.events:
			t.write(ev)
		case <-t.done:
			for {
				select {
				case ev := <-t.events:
					t.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Telemetry) write(ev device.Event) {
	fields := stateFields(ev.Device.State)
	if len(fields) == 0 {
		return
	}

	tags := map[string]string{"address": ev.Device.Address}
	if ev.Device.Name != "" {
		tags["name"] = ev.Device.Name
	}
	if ev.Source != "" {
		tags["source"] = string(ev.Source)
	}
	if id := ev.Device.State.DeviceID; id != nil {
		tags["device_id"] = strconv.Itoa(int(*id))
	}

	ts := ev.Device.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	t.writer.WritePointWithTime(MeasurementLightState, tags, fields, ts)
}

// stateFields flattens the known parts of a state into point fields.
func stateFields(s device.LightState) map[string]any {
	fields := make(map[string]any, 6)
	if s.On != nil {
		fields["on"] = *s.On
	}
	if s.Brightness != nil {
		fields["brightness"] = int64(*s.Brightness)
	}
	if s.Temperature != nil {
		fields["temperature"] = int64(*s.Temperature)
	}
	if s.Color != nil {
		fields["r"] = int64(s.Color.R)
		fields["g"] = int64(s.Color.G)
		fields["b"] = int64(s.Color.B)
	}
	return fields
}

package cync

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/cync-core/internal/device"
)

// Command sources recorded in the audit trail.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

// Auditor records executed control requests. It is optional.
type Auditor interface {
	RecordCommand(ctx context.Context, entry AuditEntry)
}

// AuditEntry describes one control request and its outcome.
type AuditEntry struct {
	Address string
	Source  string
	Request CommandRequest
	// Sent lists the sub-commands that reached the device, in order.
	Sent []string
	Err  error
}

// Dispatcher is the control surface over connected devices.
//
// It reads records from the registry, encodes commands, sends them through
// the owning session and optimistically writes the requested values back
// into the registry. The device's own acknowledgement is not waited for.
//
// Thread Safety: All methods are safe for concurrent use.
type Dispatcher struct {
	registry *device.Registry
	auditor  Auditor
	logger   Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *device.Registry) *Dispatcher {
	return &Dispatcher{registry: registry, logger: noopLogger{}}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetAuditor attaches an audit trail.
func (d *Dispatcher) SetAuditor(a Auditor) {
	d.auditor = a
}

// ListDevices returns the addresses of all connected devices in
// registration order.
func (d *Dispatcher) ListDevices() []string {
	return d.registry.List()
}

// GetDevice returns the name and state of a connected device.
// Returns ErrDeviceNotFound if nothing is connected from address.
func (d *Dispatcher) GetDevice(address string) (device.Device, error) {
	rec, err := d.registry.Get(address)
	if err != nil {
		return device.Device{}, err
	}
	return rec.Device, nil
}

// step is one sub-command of a request.
type step struct {
	name   string
	frame  []byte
	update *device.LightState // nil for commands with no state effect
}

// plan turns a request into sub-commands in the fixed order:
// power, brightness, temperature, colour, info, custom.
func plan(req CommandRequest, deviceID uint8) []step {
	var steps []step

	if req.Status != nil {
		frame := EncodeTurnOff(deviceID)
		if *req.Status {
			frame = EncodeTurnOn(deviceID)
		}
		steps = append(steps, step{name: "status", frame: frame,
			update: &device.LightState{On: device.Bool(*req.Status)}})
	}
	if req.Brightness != nil {
		steps = append(steps, step{name: "brightness",
			frame:  EncodeSetBrightness(*req.Brightness, deviceID),
			update: &device.LightState{Brightness: device.Uint8(*req.Brightness)}})
	}
	if req.Temperature != nil {
		steps = append(steps, step{name: "temperature",
			frame:  EncodeSetColorTemperature(*req.Temperature, deviceID),
			update: &device.LightState{Temperature: device.Uint8(*req.Temperature)}})
	}
	if req.Color != nil {
		c := *req.Color
		steps = append(steps, step{name: "color",
			frame:  EncodeSetColor(c.R, c.G, c.B, deviceID),
			update: &device.LightState{Color: &c}})
	}
	if req.Info {
		steps = append(steps, step{name: "info", frame: EncodeGetInfo()})
	}
	if req.Custom != nil {
		steps = append(steps, step{name: "custom", frame: EncodeCustom(*req.Custom)})
	}
	return steps
}

// SendCommand executes a control request against one device.
//
// Each populated field becomes one frame, sent in the fixed order power,
// brightness, temperature, colour, info, custom. After each successful
// send the matching registry field is overwritten. The first failed send
// stops the request; frames already sent are not undone.
//
// Parameters:
//   - ctx: Context for cancellation of queued writes
//   - address: Registry key of the device
//   - req: The request
//   - source: Who asked (SourceAPI, SourceMQTT), for the audit trail
//
// Returns:
//   - CommandRequest: The request, echoed back
//   - error: ErrDeviceNotFound (nothing sent) or ErrTransport
func (d *Dispatcher) SendCommand(ctx context.Context, address string, req CommandRequest, source string) (CommandRequest, error) {
	rec, err := d.registry.Get(address)
	if err != nil {
		d.audit(ctx, AuditEntry{Address: address, Source: source, Request: req, Err: err})
		return CommandRequest{}, err
	}

	var deviceID uint8
	switch {
	case req.DeviceID != nil:
		deviceID = *req.DeviceID
	case rec.State.DeviceID != nil:
		deviceID = *rec.State.DeviceID
	}

	entry := AuditEntry{Address: address, Source: source, Request: req}

	for _, st := range plan(req, deviceID) {
		if err := rec.Session.Send(ctx, st.frame); err != nil {
			if !errors.Is(err, ErrTransport) {
				err = fmt.Errorf("%w: %w", ErrTransport, err)
			}
			err = fmt.Errorf("sending %s to %s: %w", st.name, address, err)
			entry.Err = err
			d.audit(ctx, entry)
			d.logger.Warn("command failed", "address", address, "step", st.name, "error", err)
			return CommandRequest{}, err
		}
		entry.Sent = append(entry.Sent, st.name)

		if st.update != nil {
			if err := d.registry.SetState(address, *st.update, device.SourceCommand); err != nil {
				d.logger.Warn("optimistic update skipped", "address", address, "error", err)
			}
		}
	}

	d.audit(ctx, entry)
	d.logger.Info("command sent", "address", address, "source", source, "steps", entry.Sent)
	return req, nil
}

func (d *Dispatcher) audit(ctx context.Context, entry AuditEntry) {
	if d.auditor != nil {
		d.auditor.RecordCommand(ctx, entry)
	}
}

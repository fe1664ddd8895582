package device

import (
	"context"
	"time"
)

// Session is the live connection a device record owns.
//
// A record holds exactly one Session, valid only while the underlying
// connection is open. Implementations must be comparable (pointer types)
// so the registry can tell an old connection from its replacement.
type Session interface {
	// Send writes one outbound frame and waits for the write to finish.
	Send(ctx context.Context, frame []byte) error

	// RemoteAddress returns the peer address the session was accepted from.
	RemoteAddress() string
}

// Color is an RGB triple as carried by the vendor protocol.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// LightState is the last known state of one light.
//
// Every field is a pointer: nil means "not known yet" in a stored state and
// "not part of this update" in a merge. A decoded state report always
// populates every field; an optimistic command update populates only the
// fields the caller asked to change.
type LightState struct {
	DeviceID    *uint8 `json:"deviceId,omitempty"`
	On          *bool  `json:"on,omitempty"`
	Brightness  *uint8 `json:"brightness,omitempty"`
	Temperature *uint8 `json:"temperature,omitempty"`
	Color       *Color `json:"color,omitempty"`
}

// IsEmpty reports whether no field of the state is known.
func (s LightState) IsEmpty() bool {
	return s.DeviceID == nil && s.On == nil && s.Brightness == nil &&
		s.Temperature == nil && s.Color == nil
}

// Merge returns a copy of s with every non-nil field of update applied.
func (s LightState) Merge(update LightState) LightState {
	out := s.Clone()
	if update.DeviceID != nil {
		out.DeviceID = Uint8(*update.DeviceID)
	}
	if update.On != nil {
		out.On = Bool(*update.On)
	}
	if update.Brightness != nil {
		out.Brightness = Uint8(*update.Brightness)
	}
	if update.Temperature != nil {
		out.Temperature = Uint8(*update.Temperature)
	}
	if update.Color != nil {
		c := *update.Color
		out.Color = &c
	}
	return out
}

// Clone returns a deep copy so callers never share pointers with the registry.
func (s LightState) Clone() LightState {
	var out LightState
	if s.DeviceID != nil {
		out.DeviceID = Uint8(*s.DeviceID)
	}
	if s.On != nil {
		out.On = Bool(*s.On)
	}
	if s.Brightness != nil {
		out.Brightness = Uint8(*s.Brightness)
	}
	if s.Temperature != nil {
		out.Temperature = Uint8(*s.Temperature)
	}
	if s.Color != nil {
		c := *s.Color
		out.Color = &c
	}
	return out
}

// Device is a snapshot of one registry record without its connection handle.
type Device struct {
	Address     string     `json:"address"`
	Name        string     `json:"name,omitempty"`
	State       LightState `json:"state"`
	ConnectedAt time.Time  `json:"connected_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Record is a registry entry: the device snapshot plus the session that owns it.
type Record struct {
	Device
	Session Session `json:"-"`
}

// Source says what caused a state change.
type Source string

// State change sources.
const (
	// SourceReport marks state decoded from a device frame.
	SourceReport Source = "report"

	// SourceCommand marks an optimistic update applied when a command was sent.
	SourceCommand Source = "command"
)

// EventKind identifies a registry change.
type EventKind string

// Registry change kinds.
const (
	EventRegistered EventKind = "registered"
	EventUpdated    EventKind = "updated"
	EventRemoved    EventKind = "removed"
)

// Event describes one registry change delivered to listeners.
type Event struct {
	Kind   EventKind
	Device Device
	Source Source
}

// Listener receives registry change events. It is called outside the
// registry lock and must not block. Events reach listeners one at a time
// in the order the changes were applied.
type Listener func(Event)

// Uint8 returns a pointer to v.
func Uint8(v uint8) *uint8 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

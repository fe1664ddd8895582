package device

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// record is the mutable registry entry. It never leaves the registry;
// callers get copies.
type record struct {
	session     Session
	name        string
	state       LightState
	connectedAt time.Time
	updatedAt   time.Time
}

// Registry maps a connection's network address to its live device record.
//
// It is the only owner of device state. Connection sessions write decoded
// reports into it and the command dispatcher reads it and applies
// optimistic updates. Records exist only while their connection is open;
// nothing is persisted.
//
// All public methods are thread-safe. Returned values are deep copies.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string // insertion order, for List

	// Events waiting for delivery, in change order. Guarded by mu.
	pending    []Event
	delivering bool

	listenersMu sync.RWMutex
	listeners   []Listener

	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*record),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Subscribe adds a listener that is told about every registry change.
func (r *Registry) Subscribe(fn Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Register creates the record for a newly opened connection with an empty
// name and state.
//
// If a record already exists for the address (the device reconnected before
// its old connection was torn down) it is replaced and the new session owns
// the address from now on.
//
// Parameters:
//   - address: Peer network address used as the registry key
//   - session: The connection that owns the record
//
// Returns:
//   - Record: Snapshot of the new record
func (r *Registry) Register(address string, session Session) Record {
	now := time.Now()
	rec := &record{session: session, connectedAt: now, updatedAt: now}

	r.mu.Lock()
	if _, exists := r.records[address]; exists {
		r.order = slices.DeleteFunc(r.order, func(a string) bool { return a == address })
		r.logger.Warn("replacing record for reconnected device", "address", address)
	}
	r.records[address] = rec
	r.order = append(r.order, address)
	snap := rec.snapshot(address)
	r.logger.Debug("device registered", "address", address)
	r.publishLocked(Event{Kind: EventRegistered, Device: snap.Device})
	return snap
}

// Get returns the record for an address.
// Returns ErrDeviceNotFound if no connection is registered under it.
func (r *Registry) Get(address string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[address]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}
	return rec.snapshot(address), nil
}

// List returns the addresses of all registered devices in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Devices returns snapshots of all registered devices in registration order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.records[addr].snapshot(addr).Device)
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// SetName replaces the display name of a device.
// Returns ErrDeviceNotFound if the address is not registered.
func (r *Registry) SetName(address, name string) error {
	r.mu.Lock()
	rec, ok := r.records[address]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}
	rec.name = name
	rec.updatedAt = time.Now()
	r.publishLocked(Event{Kind: EventUpdated, Device: rec.snapshot(address).Device})
	return nil
}

// SetState merges the populated fields of update into the device's state.
// Fields left nil in update keep their previous value.
//
// Parameters:
//   - address: Registry key
//   - update: Fields to overwrite
//   - source: What caused the change (device report or optimistic command)
//
// Returns:
//   - error: ErrDeviceNotFound if the address is not registered
func (r *Registry) SetState(address string, update LightState, source Source) error {
	r.mu.Lock()
	rec, ok := r.records[address]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}
	rec.state = rec.state.Merge(update)
	rec.updatedAt = time.Now()
	r.publishLocked(Event{Kind: EventUpdated, Device: rec.snapshot(address).Device, Source: source})
	return nil
}

// Remove deletes the record for an address unconditionally.
// Returns true if a record was removed.
func (r *Registry) Remove(address string) bool {
	return r.remove(address, nil)
}

// RemoveSession deletes the record for an address only while it is still
// owned by session. A connection that was replaced by a newer one from the
// same address must not remove its successor's record.
// Returns true if a record was removed.
func (r *Registry) RemoveSession(address string, session Session) bool {
	if session == nil {
		return false
	}
	return r.remove(address, session)
}

func (r *Registry) remove(address string, owner Session) bool {
	r.mu.Lock()
	rec, ok := r.records[address]
	if !ok || (owner != nil && rec.session != owner) {
		r.mu.Unlock()
		return false
	}
	delete(r.records, address)
	r.order = slices.DeleteFunc(r.order, func(a string) bool { return a == address })
	r.logger.Debug("device removed", "address", address)
	r.publishLocked(Event{Kind: EventRemoved, Device: rec.snapshot(address).Device})
	return true
}

// publishLocked queues ev behind any undelivered events and releases r.mu.
//
// The first caller to find no delivery in progress drains the queue; the
// others return at once. Listeners therefore see changes in the order they
// were applied, and a listener may call back into the registry.
func (r *Registry) publishLocked(ev Event) {
	r.pending = append(r.pending, ev)
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true

	for {
		batch := r.pending
		r.pending = nil
		if len(batch) == 0 {
			r.delivering = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, ev := range batch {
			r.notify(ev)
		}
		r.mu.Lock()
	}
}

// notify delivers an event to every listener. Must be called without r.mu held.
func (r *Registry) notify(ev Event) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("registry listener panic", "panic", fmt.Sprint(rec))
				}
			}()
			fn(ev)
		}()
	}
}

func (rec *record) snapshot(address string) Record {
	return Record{
		Device: Device{
			Address:     address,
			Name:        rec.name,
			State:       rec.state.Clone(),
			ConnectedAt: rec.connectedAt,
			UpdatedAt:   rec.updatedAt,
		},
		Session: rec.session,
	}
}

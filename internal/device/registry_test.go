package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSession is a test implementation of Session.
type fakeSession struct {
	addr string
}

func (f *fakeSession) Send(context.Context, []byte) error { return nil }
func (f *fakeSession) RemoteAddress() string             { return f.addr }

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{addr: "10.0.0.7:51000"}

	rec := r.Register("10.0.0.7", s)
	if rec.Name != "" || !rec.State.IsEmpty() {
		t.Fatalf("new record should have empty name and state, got %+v", rec.Device)
	}
	if rec.Session != s {
		t.Error("record should own the registering session")
	}

	if got := r.List(); len(got) != 1 || got[0] != "10.0.0.7" {
		t.Fatalf("List() = %v, want [10.0.0.7]", got)
	}

	if err := r.SetName("10.0.0.7", "Kitchen"); err != nil {
		t.Fatalf("SetName() error = %v", err)
	}

	if !r.Remove("10.0.0.7") {
		t.Fatal("Remove() = false, want true")
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("List() after Remove = %v, want empty", got)
	}
	if _, err := r.Get("10.0.0.7"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after Remove error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Get", func() error { _, err := r.Get("nope"); return err }},
		{"SetName", func() error { return r.SetName("nope", "x") }},
		{"SetState", func() error { return r.SetState("nope", LightState{On: Bool(true)}, SourceReport) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrDeviceNotFound) {
				t.Errorf("error = %v, want ErrDeviceNotFound", err)
			}
		})
	}

	if r.Remove("nope") {
		t.Error("Remove() of unknown address = true, want false")
	}
}

func TestRegistry_SetStateMerges(t *testing.T) {
	r := NewRegistry()
	r.Register("10.0.0.7", &fakeSession{})

	full := LightState{
		DeviceID:    Uint8(5),
		On:          Bool(true),
		Brightness:  Uint8(80),
		Temperature: Uint8(50),
		Color:       &Color{R: 10, G: 20, B: 30},
	}
	if err := r.SetState("10.0.0.7", full, SourceReport); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	// A partial update only touches the fields it carries.
	if err := r.SetState("10.0.0.7", LightState{Brightness: Uint8(0)}, SourceCommand); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	rec, err := r.Get("10.0.0.7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	st := rec.State
	if *st.DeviceID != 5 || !*st.On || *st.Brightness != 0 || *st.Temperature != 50 {
		t.Errorf("state after merge = %+v", st)
	}
	if *st.Color != (Color{R: 10, G: 20, B: 30}) {
		t.Errorf("color after merge = %+v", *st.Color)
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := NewRegistry()
	r.Register("10.0.0.7", &fakeSession{})
	_ = r.SetState("10.0.0.7", LightState{Brightness: Uint8(10), Color: &Color{R: 1}}, SourceReport)

	rec, _ := r.Get("10.0.0.7")
	*rec.State.Brightness = 99
	rec.State.Color.R = 99

	again, _ := r.Get("10.0.0.7")
	if *again.State.Brightness != 10 || again.State.Color.R != 1 {
		t.Errorf("registry state was mutated through a snapshot: %+v", again.State)
	}
}

func TestRegistry_ReconnectReplacesRecord(t *testing.T) {
	r := NewRegistry()
	oldSession := &fakeSession{addr: "10.0.0.7:1"}
	newSession := &fakeSession{addr: "10.0.0.7:2"}

	r.Register("10.0.0.7", oldSession)
	_ = r.SetName("10.0.0.7", "Old")
	r.Register("10.0.0.7", newSession)

	rec, err := r.Get("10.0.0.7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Session != newSession || rec.Name != "" {
		t.Fatalf("replacement record = %+v, want fresh record owned by new session", rec.Device)
	}

	// The stale connection closing must not remove its successor.
	if r.RemoveSession("10.0.0.7", oldSession) {
		t.Error("RemoveSession(old) = true, want false")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	if !r.RemoveSession("10.0.0.7", newSession) {
		t.Error("RemoveSession(new) = false, want true")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	r := NewRegistry()
	for _, addr := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		r.Register(addr, &fakeSession{})
	}
	r.Remove("10.0.0.1")
	r.Register("10.0.0.1", &fakeSession{})

	want := []string{"10.0.0.3", "10.0.0.2", "10.0.0.1"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}

	devices := r.Devices()
	if len(devices) != 3 || devices[0].Address != "10.0.0.3" {
		t.Errorf("Devices() = %+v", devices)
	}
}

func TestRegistry_Events(t *testing.T) {
	r := NewRegistry()

	var (
		mu     sync.Mutex
		events []Event
	)
	r.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	// A panicking listener must not break delivery or the registry.
	r.Subscribe(func(Event) { panic("boom") })

	s := &fakeSession{}
	r.Register("10.0.0.7", s)
	_ = r.SetState("10.0.0.7", LightState{On: Bool(true)}, SourceCommand)
	r.RemoveSession("10.0.0.7", s)

	mu.Lock()
	defer mu.Unlock()

	wantKinds := []EventKind{EventRegistered, EventUpdated, EventRemoved}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(events), len(wantKinds))
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event[%d].Kind = %s, want %s", i, events[i].Kind, k)
		}
		if events[i].Device.Address != "10.0.0.7" {
			t.Errorf("event[%d].Address = %s", i, events[i].Device.Address)
		}
	}
	if events[1].Source != SourceCommand || !*events[1].Device.State.On {
		t.Errorf("update event = %+v", events[1])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.1.%d", n)
			s := &fakeSession{}
			r.Register(addr, s)
			for b := range 50 {
				_ = r.SetState(addr, LightState{Brightness: Uint8(uint8(b))}, SourceReport)
				_, _ = r.Get(addr)
				_ = r.List()
			}
			r.RemoveSession(addr, s)
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestLightState_MergeAndEmpty(t *testing.T) {
	var s LightState
	if !s.IsEmpty() {
		t.Error("zero LightState should be empty")
	}

	merged := s.Merge(LightState{On: Bool(false)})
	if merged.IsEmpty() || merged.On == nil || *merged.On {
		t.Errorf("Merge() = %+v, want On=false populated", merged)
	}
	if s.On != nil {
		t.Error("Merge() must not modify the receiver")
	}
}

func TestRegistry_EventsFollowUpdateOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("10.0.0.7", &fakeSession{addr: "10.0.0.7:51000"})

	var (
		mu      sync.Mutex
		seen    []uint8
		once    sync.Once
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	r.Subscribe(func(ev Event) {
		if ev.Kind != EventUpdated {
			return
		}
		// Hold up delivery of the first update until a later one is applied.
		once.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		seen = append(seen, *ev.Device.State.Brightness)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.SetState("10.0.0.7", LightState{Brightness: Uint8(1)}, SourceReport)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first update never reached the listener")
	}

	if err := r.SetState("10.0.0.7", LightState{Brightness: Uint8(2)}, SourceCommand); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first SetState did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("delivered brightness = %v, want [1 2]", seen)
	}

	rec, _ := r.Get("10.0.0.7")
	if got := *rec.State.Brightness; got != seen[len(seen)-1] {
		t.Errorf("registry brightness = %d, last event = %d", got, seen[len(seen)-1])
	}
}

func TestRegistry_ListenerMayUpdate(t *testing.T) {
	r := NewRegistry()

	var kinds []EventKind
	r.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventRegistered {
			_ = r.SetName(ev.Device.Address, "Porch")
		}
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		r.Register("10.0.0.8", &fakeSession{addr: "10.0.0.8:51000"})
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Register() blocked on a listener that updates the registry")
	}

	want := []EventKind{EventRegistered, EventUpdated}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	if rec, _ := r.Get("10.0.0.8"); rec.Name != "Porch" {
		t.Errorf("Name = %q, want Porch", rec.Name)
	}
}

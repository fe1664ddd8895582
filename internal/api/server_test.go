package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/cync-core/internal/audit"
	"github.com/nerrad567/cync-core/internal/bridges/cync"
	"github.com/nerrad567/cync-core/internal/device"
	"github.com/nerrad567/cync-core/internal/infrastructure/config"
	"github.com/nerrad567/cync-core/internal/infrastructure/logging"
)

// fakeSession records frames instead of writing to a device.
type fakeSession struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeSession) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeSession) RemoteAddress() string { return "10.0.0.7:40000" }

func (f *fakeSession) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

type fakeAudit struct {
	filter audit.Filter
}

func (f *fakeAudit) Create(context.Context, *audit.Entry) error { return nil }

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.filter = filter
	return &audit.ListResult{Entries: []audit.Entry{{ID: "cmd-1", Address: "10.0.0.7"}}, Total: 1, Limit: 50}, nil
}

// fakeBackend is connected when err is nil.
type fakeBackend struct {
	err error
}

func (f fakeBackend) IsConnected() bool                 { return f.err == nil }
func (f fakeBackend) HealthCheck(context.Context) error { return f.err }

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "json"}, "test")
}

func testServer(t *testing.T, deps Deps) (*Server, *device.Registry) {
	t.Helper()

	registry := device.NewRegistry()
	if deps.Dispatcher == nil {
		deps.Dispatcher = cync.NewDispatcher(registry)
	}
	deps.Logger = testLogger()
	deps.Version = "test"
	deps.WS = config.WebSocketConfig{Path: "/api/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, registry
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{Dispatcher: cync.NewDispatcher(device.NewRegistry())}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without dispatcher should fail")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name         string
		deps         Deps
		wantStatus   string
		wantBackends map[string]string
	}{
		{
			name:       "no backends",
			deps:       Deps{},
			wantStatus: "ok",
		},
		{
			name:         "all healthy",
			deps:         Deps{MQTT: fakeBackend{}, Influx: fakeBackend{}, Database: fakeBackend{}},
			wantStatus:   "ok",
			wantBackends: map[string]string{"mqtt": "ok", "influxdb": "ok", "database": "ok"},
		},
		{
			name: "broker down",
			deps: Deps{
				MQTT:     fakeBackend{err: errors.New("mqtt: not connected")},
				Database: fakeBackend{},
			},
			wantStatus:   "degraded",
			wantBackends: map[string]string{"mqtt": "mqtt: not connected", "database": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, tt.deps)
			rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/health", "")

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var body HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body: %v", err)
			}
			if body.Status != tt.wantStatus || body.Version != "test" {
				t.Errorf("status = %q version = %q, want %q test", body.Status, body.Version, tt.wantStatus)
			}
			if len(body.Backends) != len(tt.wantBackends) {
				t.Fatalf("backends = %v, want %v", body.Backends, tt.wantBackends)
			}
			for name, want := range tt.wantBackends {
				if got := body.Backends[name]; got != want {
					t.Errorf("backends[%s] = %q, want %q", name, got, want)
				}
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("X-Request-ID header missing")
			}
		})
	}
}

func TestListDevices(t *testing.T) {
	srv, registry := testServer(t, Deps{})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/devices", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list = %d %q, want 200 []", rec.Code, rec.Body.String())
	}

	registry.Register("10.0.0.8", &fakeSession{})
	registry.Register("10.0.0.7", &fakeSession{})

	rec = doRequest(t, h, http.MethodGet, "/api/devices", "")
	var got []string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(got) != 2 || got[0] != "10.0.0.8" || got[1] != "10.0.0.7" {
		t.Errorf("devices = %v, want connect order", got)
	}
}

func TestGetDevice(t *testing.T) {
	srv, registry := testServer(t, Deps{})
	h := srv.Handler()

	registry.Register("10.0.0.7", &fakeSession{})
	if err := registry.SetName("10.0.0.7", "Kitchen"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	if err := registry.SetState("10.0.0.7", device.LightState{
		DeviceID:   device.Uint8(5),
		On:         device.Bool(true),
		Brightness: device.Uint8(80),
		Color:      &device.Color{R: 10, G: 20, B: 30},
	}, device.SourceReport); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/devices/10.0.0.7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var dev device.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &dev); err != nil {
		t.Fatalf("body: %v", err)
	}
	if dev.Name != "Kitchen" || *dev.State.DeviceID != 5 || !*dev.State.On || *dev.State.Brightness != 80 {
		t.Errorf("device = %+v", dev)
	}
	if dev.State.Color == nil || *dev.State.Color != (device.Color{R: 10, G: 20, B: 30}) {
		t.Errorf("color = %+v", dev.State.Color)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/devices/10.9.9.9", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != ErrCodeNotFound {
		t.Errorf("unknown device = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		body       string
		sendErr    error
		wantStatus int
		wantCode   string
		wantFrames int
	}{
		{"power on", "10.0.0.7", `{"status":"on"}`, nil, http.StatusOK, "", 1},
		{"multi field", "10.0.0.7", `{"status":1,"brightness":"40","color":{"r":1,"g":2,"b":3}}`, nil, http.StatusOK, "", 3},
		{"empty object", "10.0.0.7", `{}`, nil, http.StatusOK, "", 0},
		{"unknown device", "10.9.9.9", `{"status":"on"}`, nil, http.StatusNotFound, ErrCodeNotFound, 0},
		{"transport failure", "10.0.0.7", `{"status":"off"}`, errors.New("broken pipe"), http.StatusBadGateway, ErrCodeTransport, 0},
		{"invalid json", "10.0.0.7", `{"status":`, nil, http.StatusBadRequest, ErrCodeBadRequest, 0},
		{"not a number", "10.0.0.7", `{"brightness":"bright"}`, nil, http.StatusBadRequest, ErrCodeBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, registry := testServer(t, Deps{})
			sess := &fakeSession{err: tt.sendErr}
			registry.Register("10.0.0.7", sess)

			rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/devices/"+tt.address, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" && decodeError(t, rec).Code != tt.wantCode {
				t.Errorf("code = %q, want %q", decodeError(t, rec).Code, tt.wantCode)
			}
			if got := len(sess.sent()); got != tt.wantFrames {
				t.Errorf("frames sent = %d, want %d", got, tt.wantFrames)
			}
		})
	}
}

func TestSendCommandEchoAndOptimisticState(t *testing.T) {
	srv, registry := testServer(t, Deps{})
	registry.Register("10.0.0.7", &fakeSession{})

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/devices/10.0.0.7", `{"status":"on","brightness":300}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var echo map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &echo); err != nil {
		t.Fatalf("body: %v", err)
	}
	if echo["status"] != true || echo["brightness"] != float64(44) {
		t.Errorf("echo = %v, want status true and brightness truncated to 44", echo)
	}

	rec2, err := registry.Get("10.0.0.7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec2.State.On == nil || !*rec2.State.On || rec2.State.Brightness == nil || *rec2.State.Brightness != 44 {
		t.Errorf("state = %+v", rec2.State)
	}
}

func TestAuditEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, _ := testServer(t, Deps{})
		rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/audit", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("filters", func(t *testing.T) {
		repo := &fakeAudit{}
		srv, _ := testServer(t, Deps{Audit: repo})
		rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/audit?address=10.0.0.7&source=mqtt&limit=5&offset=2", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		want := audit.Filter{Address: "10.0.0.7", Source: "mqtt", Limit: 5, Offset: 2}
		if repo.filter != want {
			t.Errorf("filter = %+v, want %+v", repo.filter, want)
		}
	})
}

type fakeStats struct{}

func (fakeStats) Stats() cync.ServerStats {
	return cync.ServerStats{ActiveSessions: 2, FramesRx: 10}
}

func TestMetrics(t *testing.T) {
	srv, registry := testServer(t, Deps{Devices: fakeStats{}, MQTT: fakeBackend{}})
	registry.Register("10.0.0.7", &fakeSession{})

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var m SystemMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body: %v", err)
	}
	if m.Devices.Connected != 1 {
		t.Errorf("connected = %d, want 1", m.Devices.Connected)
	}
	if m.Listener == nil || m.Listener.ActiveSessions != 2 || m.Listener.FramesRx != 10 {
		t.Errorf("listener = %+v", m.Listener)
	}
	if m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.InfluxDB != nil {
		t.Errorf("influxdb = %+v, want omitted", m.InfluxDB)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime metrics missing")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("request id propagated", func(t *testing.T) {
		srv, _ := testServer(t, Deps{})
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
			t.Errorf("X-Request-ID = %q", got)
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		srv, _ := testServer(t, Deps{})
		req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
		req.Header.Set("Origin", "http://panel.local")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "http://panel.local" {
			t.Error("origin not allowed by default")
		}
	})

	t.Run("cors restricted", func(t *testing.T) {
		srv, _ := testServer(t, Deps{Config: config.APIConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"http://a"}}}})
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "http://b")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("disallowed origin received CORS header")
		}
	})

	t.Run("body too large", func(t *testing.T) {
		srv, registry := testServer(t, Deps{})
		registry.Register("10.0.0.7", &fakeSession{})
		body := `{"info":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
		rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/devices/10.0.0.7", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		srv, _ := testServer(t, Deps{})
		rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/nope", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t, Deps{})
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStartAndClose(t *testing.T) {
	srv, _ := testServer(t, Deps{Config: config.APIConfig{Host: "127.0.0.1", Port: 0}})
	if err := srv.Serve(); err == nil {
		t.Error("Serve() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Close")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestStartBindConflict(t *testing.T) {
	first, _ := testServer(t, Deps{Config: config.APIConfig{Host: "127.0.0.1", Port: 0}})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Close()

	port := first.Addr().(*net.TCPAddr).Port
	second, _ := testServer(t, Deps{Config: config.APIConfig{Host: "127.0.0.1", Port: port}})
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("Start() on a bound port should fail")
	}
}

func TestWebSocketEvents(t *testing.T) {
	srv, registry := testServer(t, Deps{})
	registry.Subscribe(srv.Hub().HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?channels=" + ChannelDeviceConnected
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Subscribe to state changes too and wait for the acknowledgement so the
	// subscription is in place before events are produced.
	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelDeviceStateChanged}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	registry.Register("10.0.0.7", &fakeSession{})
	if err := registry.SetState("10.0.0.7", device.LightState{On: device.Bool(true)}, device.SourceReport); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	registry.Remove("10.0.0.7") // not subscribed, must not arrive

	var got []string
	for len(got) < 2 {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event: %v (got %v)", err, got)
		}
		if msg.Type == WSTypeEvent {
			got = append(got, msg.EventType)
		}
	}
	if got[0] != ChannelDeviceConnected || got[1] != ChannelDeviceStateChanged {
		t.Errorf("events = %v", got)
	}

	if n := srv.Hub().ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

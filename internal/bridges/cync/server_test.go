package cync

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/cync-core/internal/device"
)

// selfSignedTLS returns a server config with a throwaway certificate.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cm.gelighting.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, *device.Registry, context.CancelFunc, chan error) {
	t.Helper()

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if cfg.TLS == nil {
		cfg.TLS = selfSignedTLS(t)
	}

	registry := device.NewRegistry()
	srv := NewServer(cfg, registry)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return srv, registry, cancel, served
}

func dialDevice(t *testing.T, srv *Server) *deviceEnd {
	t.Helper()
	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test certificate
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return newDeviceEnd(conn)
}

func TestServerEndToEnd(t *testing.T) {
	srv, registry, cancel, served := startServer(t, ServerConfig{
		Session: SessionConfig{GetInfoDelay: 300 * time.Millisecond},
	})

	dev := dialDevice(t, srv)

	dev.write(t, []byte{0xc3, 0x00, 0x00, 0x00, 0x01, 0x0c})
	dev.expect(t, EncodeConnectionAccept())

	// The info request follows once the delay has passed.
	dev.expect(t, EncodeGetInfo())

	dev.write(t, stateReport(5, 1, 200, 0, 0, 0, 0))
	select {
	case got := <-dev.frames:
		if len(got) != 8 || !bytes.Equal(got[:6], []byte{0x88, 0x00, 0x00, 0x00, 0x03, 0x00}) {
			t.Fatalf("reply = % x, want an iteration response", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no iteration response")
	}

	waitFor(t, "state in registry", func() bool {
		rec, err := registry.Get("127.0.0.1")
		return err == nil && rec.State.DeviceID != nil && *rec.State.DeviceID == 5
	})

	// Commands reach the device through the dispatcher.
	d := NewDispatcher(registry)
	if _, err := d.SendCommand(context.Background(), "127.0.0.1", CommandRequest{Status: device.Bool(false)}, SourceAPI); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	dev.expect(t, EncodeTurnOff(5))

	stats := srv.Stats()
	if stats.ActiveSessions != 1 || stats.ConnectionsTotal != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FramesRx < 2 || stats.FramesTx < 4 {
		t.Errorf("frame counters = rx %d tx %d", stats.FramesRx, stats.FramesTx)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() = %v, want nil on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return")
	}
	waitFor(t, "records removed on shutdown", func() bool { return registry.Count() == 0 })
}

func TestServerDisconnectRemovesRecord(t *testing.T) {
	srv, registry, _, _ := startServer(t, ServerConfig{Session: SessionConfig{GetInfoDelay: time.Hour}})

	dev := dialDevice(t, srv)
	dev.write(t, []byte{0xd3, 0x00, 0x00, 0x00, 0x00})
	dev.expect(t, EncodeHeartbeatAck())

	if registry.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", registry.Count())
	}

	_ = dev.conn.Close()
	waitFor(t, "record removal", func() bool { return registry.Count() == 0 })
	waitFor(t, "session untracked", func() bool { return srv.Stats().ActiveSessions == 0 })
}

func TestServerListenErrors(t *testing.T) {
	dir := t.TempDir()
	srv := NewServer(ServerConfig{
		Host:     "127.0.0.1",
		CertFile: filepath.Join(dir, "missing.crt"),
		KeyFile:  filepath.Join(dir, "missing.key"),
	}, device.NewRegistry())
	if err := srv.Listen(); err == nil {
		t.Error("Listen() with missing certificate should fail")
	}
	if err := srv.Serve(context.Background()); err == nil {
		t.Error("Serve() before Listen should fail")
	}

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	port := taken.Addr().(*net.TCPAddr).Port
	busy := NewServer(ServerConfig{Host: "127.0.0.1", Port: port, TLS: selfSignedTLS(t)}, device.NewRegistry())
	if err := busy.Listen(); err == nil {
		t.Error("Listen() on a bound port should fail")
	}
}

func TestServerCloseIdempotent(t *testing.T) {
	srv, _, _, served := startServer(t, ServerConfig{})
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Close")
	}
}

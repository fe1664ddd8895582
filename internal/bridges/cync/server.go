package cync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/cync-core/internal/device"
)

// acceptRetryDelay is the pause after a transient accept error.
const acceptRetryDelay = 100 * time.Millisecond

// ServerConfig holds the device listener configuration.
type ServerConfig struct {
	// Host and Port are the TLS listen address. Devices expect port 23779.
	Host string
	Port int

	// CertFile and KeyFile are the PEM certificate pair presented to devices.
	CertFile string
	KeyFile  string

	// TLS, when set, is used instead of loading CertFile/KeyFile.
	TLS *tls.Config

	// Session holds the per-connection timing settings.
	Session SessionConfig
}

// ServerStats is a point-in-time copy of the listener's counters.
type ServerStats struct {
	ActiveSessions   int    `json:"active_sessions"`
	ConnectionsTotal uint64 `json:"connections_total"`
	FramesRx         uint64 `json:"frames_rx"`
	FramesTx         uint64 `json:"frames_tx"`
	MalformedTotal   uint64 `json:"malformed_total"`
	UnrecognizedRx   uint64 `json:"unrecognized_rx"`
	WriteErrors      uint64 `json:"write_errors"`
}

// Server terminates device TLS connections and runs one Session per
// connection in its own goroutine.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg      ServerConfig
	registry *device.Registry
	counter  *IterationCounter
	stats    Stats

	listener net.Listener

	mu       sync.Mutex
	sessions map[*Session]struct{}

	done   *closeOnce
	wg     sync.WaitGroup
	logger Logger
}

// NewServer creates a device listener that registers connections in registry.
// Call Listen to bind and Serve to accept.
func NewServer(cfg ServerConfig, registry *device.Registry) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		counter:  &defaultCounter,
		sessions: make(map[*Session]struct{}),
		done:     newCloseOnce(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the server and the sessions it starts.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// Listen loads the certificate pair and binds the TLS listener.
// A failure here is fatal to the gateway.
func (s *Server) Listen() error {
	tlsCfg := s.cfg.TLS
	if tlsCfg == nil {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading device certificate: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding device listener on %s: %w", addr, err)
	}
	s.listener = tls.NewListener(ln, tlsCfg)

	s.logger.Info("device listener bound", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Each connection runs its session in a separate goroutine; cancelling ctx
// closes every session.
//
// Returns:
//   - error: nil on shutdown, or the fatal accept error
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("cync: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("accept failed, retrying", "error", err)
				time.Sleep(acceptRetryDelay)
				continue
			}
			return fmt.Errorf("accepting device connection: %w", err)
		}

		s.stats.ConnectionsTotal.Add(1)
		sess := NewSession(conn, s.registry, s.counter, s.cfg.Session, &s.stats, s.logger)

		if !s.track(sess) {
			_ = conn.Close()
			return nil
		}

		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)

			if err := sess.Run(ctx); err != nil {
				s.logger.Warn("device connection ended", "session", sess.ID(),
					"remote", sess.RemoteAddress(), "error", err)
			}
		}()
	}
}

// track records a new session and counts it in the wait group. It refuses
// once Close has started so Close never waits on a session it did not see.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// Close stops accepting, closes every live session and waits for their
// goroutines to finish. Safe to call multiple times.
func (s *Server) Close() error {
	s.done.Close()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.teardown()
	}

	s.wg.Wait()
	return nil
}

// Stats returns a snapshot of the listener's counters.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()

	return ServerStats{
		ActiveSessions:   active,
		ConnectionsTotal: s.stats.ConnectionsTotal.Load(),
		FramesRx:         s.stats.FramesRx.Load(),
		FramesTx:         s.stats.FramesTx.Load(),
		MalformedTotal:   s.stats.MalformedTotal.Load(),
		UnrecognizedRx:   s.stats.UnrecognizedRx.Load(),
		WriteErrors:      s.stats.WriteErrors.Load(),
	}
}

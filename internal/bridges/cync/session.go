package cync

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/cync-core/internal/device"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Session defaults, used when a SessionConfig field is zero.
const (
	// DefaultGetInfoDelay is how long after opening the info request is sent.
	DefaultGetInfoDelay = 10 * time.Second

	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 5 * time.Second

	// defaultHandshakeTimeout bounds the TLS handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// readBufferSize is the size of each transport read.
	readBufferSize = 4096

	// writeQueueSize is the number of frames that may wait for the writer.
	writeQueueSize = 16
)

// SessionState is a connection's position in its lifecycle.
type SessionState int32

// Session states. Closed is terminal.
const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig holds per-connection timing settings.
type SessionConfig struct {
	// HandshakeTimeout bounds the TLS handshake. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// GetInfoDelay is how long after the connection opens the info request
	// is sent. Default: 10 seconds.
	GetInfoDelay time.Duration

	// IdleTimeout closes the connection after this long without inbound
	// bytes. Zero disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds each frame write. Default: 5 seconds.
	WriteTimeout time.Duration

	// MaxFrameSize caps a declared payload length. Default: 64 KiB.
	MaxFrameSize int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.GetInfoDelay == 0 {
		c.GetInfoDelay = DefaultGetInfoDelay
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats counts protocol traffic. One Stats is shared by every session of a
// server; all fields are updated atomically.
type Stats struct {
	ConnectionsTotal atomic.Uint64
	FramesRx         atomic.Uint64
	FramesTx         atomic.Uint64
	MalformedTotal   atomic.Uint64
	UnrecognizedRx   atomic.Uint64
	WriteErrors      atomic.Uint64
}

type writeRequest struct {
	ctx    context.Context
	frame  []byte
	result chan error
}

// Session is the actor for one device connection.
//
// It owns the connection's FrameReader, answers the device's handshake and
// keep-alive frames, writes decoded state into the registry, and serialises
// outbound frames through a single writer goroutine so frames to one device
// are never reordered. A write blocks only this session's queue.
//
// Inbound frames are handled strictly in order: a frame, including any
// reply it needs, is finished before the next one is looked at.
//
// Thread Safety: Send, State and Close are safe for concurrent use.
type Session struct {
	id       string
	conn     net.Conn
	address  string // registry key: peer IP without port
	remote   string
	registry *device.Registry
	counter  *IterationCounter
	cfg      SessionConfig
	reader   *FrameReader
	stats    *Stats
	logger   Logger

	state  atomic.Int32
	named  bool // only touched by the read loop
	writes chan writeRequest

	done      *closeOnce
	closeOnce sync.Once
	wg        sync.WaitGroup

	lifeMu  sync.Mutex // serialises open against teardown
	getInfo *time.Timer
}

// Ensure Session satisfies the registry's connection handle.
var _ device.Session = (*Session)(nil)

// NewSession wraps an accepted connection. Nothing is read or written
// until Run is called.
//
// Parameters:
//   - conn: The accepted connection (TLS handshake not yet performed)
//   - registry: Registry the session registers itself in once open
//   - counter: Iteration counter; nil uses the process-wide counter
//   - cfg: Timing settings; zero fields use defaults
//   - stats: Shared traffic counters; nil allocates private ones
//   - logger: Logger; nil disables logging
func NewSession(conn net.Conn, registry *device.Registry, counter *IterationCounter,
	cfg SessionConfig, stats *Stats, logger Logger) *Session {
	if counter == nil {
		counter = &defaultCounter
	}
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	cfg = cfg.withDefaults()

	remote := conn.RemoteAddr().String()
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		address:  hostOf(remote),
		remote:   remote,
		registry: registry,
		counter:  counter,
		cfg:      cfg,
		reader:   NewFrameReader(cfg.MaxFrameSize),
		stats:    stats,
		logger:   logger,
		writes:   make(chan writeRequest, writeQueueSize),
		done:     newCloseOnce(),
	}
	return s
}

// hostOf strips the port from a "host:port" address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ID returns the session's unique identifier, used to correlate log lines.
func (s *Session) ID() string { return s.id }

// Address returns the registry key for this connection.
func (s *Session) Address() string { return s.address }

// RemoteAddress returns the peer's "host:port".
func (s *Session) RemoteAddress() string { return s.remote }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Run drives the connection until it closes.
//
// It performs the TLS handshake when conn is a *tls.Conn, registers the
// device, schedules the delayed info request and then reads frames until
// the peer disconnects, the idle timeout fires, the stream desynchronises
// or ctx is cancelled. The registry record is removed before Run returns.
//
// Returns:
//   - error: nil on a normal close (EOF or shutdown), otherwise the cause
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, s.teardown)
	defer stop()

	if err := s.handshake(ctx); err != nil {
		return err
	}

	if !s.open() {
		return nil
	}

	err := s.readLoop(ctx)
	if s.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) handshake(ctx context.Context) error {
	tlsConn, ok := s.conn.(*tls.Conn)
	if !ok {
		return nil
	}

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return fmt.Errorf("%w: tls handshake with %s: %w", ErrTransport, s.remote, err)
	}
	return nil
}

// open moves the session to Open: register, start the writer and arm the
// info request. It returns false if the session was closed first.
func (s *Session) open() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return false
	}
	s.registry.Register(s.address, s)

	s.wg.Add(1)
	go s.writeLoop()

	s.getInfo = time.AfterFunc(s.cfg.GetInfoDelay, s.sendGetInfo)

	s.logger.Info("device connected", "session", s.id, "remote", s.remote)
	return true
}

func (s *Session) sendGetInfo() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.Send(ctx, EncodeGetInfo()); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("sending info request failed", "session", s.id, "error", err)
		}
		return
	}
	s.logger.Info("requested device info", "session", s.id, "remote", s.remote)
}

func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, readBufferSize)

	for {
		if s.cfg.IdleTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return fmt.Errorf("set read deadline: %w", err)
			}
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, ferr := s.reader.Feed(buf[:n])
			for _, frame := range frames {
				s.handleFrame(ctx, frame)
			}
			if ferr != nil {
				s.stats.MalformedTotal.Add(1)
				s.logger.Error("protocol desync, closing connection", "session", s.id, "error", ferr)
				return ferr
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("device idle, closing connection", "session", s.id, "remote", s.remote)
			}
			return err
		}
	}
}

// handleFrame decodes one frame and reacts to it.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	s.stats.FramesRx.Add(1)
	s.logger.Debug("frame received", "session", s.id, "hex", hex.EncodeToString(frame))

	msg, err := Decode(frame)
	if err != nil {
		s.stats.MalformedTotal.Add(1)
		s.logger.Warn("dropping malformed frame", "session", s.id, "error", err)
		return
	}

	switch msg.Type {
	case MessageIdentity:
		s.reply(ctx, msg, EncodeClientAck())
		if !s.named {
			s.named = true
			s.updateRegistry(func() error { return s.registry.SetName(s.address, msg.Name) })
			s.logger.Info("device identified", "session", s.id, "name", msg.Name)
		}

	case MessageConnectionRequest:
		s.reply(ctx, msg, EncodeConnectionAccept())

	case MessageDiagnosticData:
		s.reply(ctx, msg, EncodeDiagnosticAck())

	case MessageHeartbeat:
		s.reply(ctx, msg, EncodeHeartbeatAck())

	case MessageIterationRequest:
		s.reply(ctx, msg, s.counter.Response())

	case MessageStateReport:
		// Status frames share the iteration opcode and get the same answer.
		s.reply(ctx, msg, s.counter.Response())
		s.applyState(msg)

	case MessageInitialStateReport:
		s.applyState(msg)

	case MessageInvalidCommandNotice:
		s.logger.Warn("device rejected a command", "session", s.id, "remote", s.remote)

	default:
		s.stats.UnrecognizedRx.Add(1)
		s.logger.Warn("ignoring frame", "session", s.id,
			"error", fmt.Errorf("%w: opcode 0x%02x", ErrUnrecognizedMessage, msg.Opcode),
			"length", len(frame))
	}
}

func (s *Session) reply(ctx context.Context, msg Message, frame []byte) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.Send(wctx, frame); err != nil {
		s.logger.Warn("reply failed", "session", s.id, "message", msg.Type.String(), "error", err)
		return
	}
	s.logger.Debug("reply sent", "session", s.id, "message", msg.Type.String(), "hex", hex.EncodeToString(frame))
}

func (s *Session) applyState(msg Message) {
	st := msg.State
	s.updateRegistry(func() error { return s.registry.SetState(s.address, st, device.SourceReport) })
	s.logger.Info("device state reported", "session", s.id, "remote", s.remote,
		"message", msg.Type.String(),
		"device_id", *st.DeviceID, "on", *st.On, "brightness", *st.Brightness,
		"temperature", *st.Temperature,
		"r", st.Color.R, "g", st.Color.G, "b", st.Color.B)
}

// updateRegistry applies a mutation unless a newer connection has taken
// over this address.
func (s *Session) updateRegistry(fn func() error) {
	rec, err := s.registry.Get(s.address)
	if err != nil || rec.Session != s {
		return
	}
	if err := fn(); err != nil {
		s.logger.Warn("registry update failed", "session", s.id, "error", err)
	}
}

// Send queues one frame for the connection and waits until it has been
// written. Frames are written in the order Send was called.
//
// ctx bounds only the wait for a place in the queue. A frame whose ctx has
// expired by the time the writer reaches it is dropped unwritten. Once the
// writer takes a frame, Send reports the outcome of that write, so a nil
// return always means the frame went out.
//
// Returns:
//   - error: ErrSessionClosed if the session is closed, ErrTransport
//     wrapping the write error, or ErrTransport wrapping the context's error
//     if the frame was never written
func (s *Session) Send(ctx context.Context, frame []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	req := writeRequest{ctx: ctx, frame: frame, result: make(chan error, 1)}

	select {
	case s.writes <- req:
	case <-s.done.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}

	select {
	case err := <-req.result:
		return err
	case <-s.done.Done():
		// The writer may have finished this frame just before closing.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done.Done():
			s.drainWrites()
			return
		case req := <-s.writes:
			if err := req.ctx.Err(); err != nil {
				req.result <- fmt.Errorf("%w: %w", ErrTransport, err)
				continue
			}
			err := s.write(req.frame)
			req.result <- err
			if err != nil {
				s.stats.WriteErrors.Add(1)
				s.logger.Error("write failed, closing connection", "session", s.id, "error", err)
				s.teardown()
			}
		}
	}
}

func (s *Session) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrTransport, err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	s.stats.FramesTx.Add(1)
	return nil
}

// drainWrites fails every frame still queued when the session closes.
func (s *Session) drainWrites() {
	for {
		select {
		case req := <-s.writes:
			req.result <- ErrSessionClosed
		default:
			return
		}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// teardown moves the session to Closed. It cancels the pending info request,
// closes the connection and removes the registry record, without waiting
// for goroutines, so the writer can call it.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		defer s.lifeMu.Unlock()

		wasOpen := SessionState(s.state.Swap(int32(StateClosed))) == StateOpen

		if s.getInfo != nil {
			s.getInfo.Stop()
		}

		s.done.Close()
		_ = s.conn.Close()

		if wasOpen {
			s.registry.RemoveSession(s.address, s)
			s.logger.Info("device disconnected", "session", s.id, "remote", s.remote)
		}
	})
}

// Close closes the session and waits for its writer to exit.
// Safe to call multiple times.
func (s *Session) Close() error {
	s.teardown()
	s.wg.Wait()
	return nil
}

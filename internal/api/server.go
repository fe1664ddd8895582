package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/cync-core/internal/audit"
	"github.com/nerrad567/cync-core/internal/bridges/cync"
	"github.com/nerrad567/cync-core/internal/infrastructure/config"
	"github.com/nerrad567/cync-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceStats reports the device listener's counters.
type DeviceStats interface {
	Stats() cync.ServerStats
}

// HealthChecker is a dependency /api/health reports on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Backend is an optional outbound connection such as the MQTT broker.
type Backend interface {
	HealthChecker
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Dispatcher *cync.Dispatcher
	Devices    DeviceStats      // optional: listener counters for /api/metrics
	MQTT       Backend          // optional
	Influx     Backend          // optional
	Database   HealthChecker    // optional: the audit store
	Audit      audit.Repository // optional: enables /api/audit
	Hub        *Hub             // optional: created when nil
	Version    string
}

// Server is the HTTP API server.
//
// It owns the HTTP listener, the routes and middleware, and the WebSocket
// hub. Create it with New, bind it with Start and run it with Serve.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	dispatcher *cync.Dispatcher
	devices    DeviceStats
	mqtt       Backend
	influx     Backend
	database   HealthChecker
	auditRepo  audit.Repository
	version    string
	startTime  time.Time

	hub       *Hub
	server    *http.Server
	listener  net.Listener
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New creates an API server. It is not listening until Start is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If a required dependency is missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.WS, deps.Logger)
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		devices:    deps.Devices,
		mqtt:       deps.MQTT,
		influx:     deps.Influx,
		database:   deps.Database,
		auditRepo:  deps.Audit,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        hub,
	}, nil
}

// Hub returns the WebSocket hub so it can be subscribed to the registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and starts the hub. Requests are not served
// until Serve is called.
//
// Binding happens here so a port conflict is reported before anything
// else starts.
//
// Parameters:
//   - ctx: Parent context for the hub; Close cancels it as well
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener on %s: %w", addr, err)
	}
	s.listener = ln

	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}
	return nil
}

// Serve accepts HTTP requests on the listener bound by Start and blocks
// until Close.
//
// Returns:
//   - error: nil after Close, otherwise the reason serving stopped
func (s *Server) Serve() error {
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	s.logger.Info("API server starting", "address", s.listener.Addr().String())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving API: %w", err)
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the hub and shuts the HTTP server down, waiting up to
// 10 seconds for in-flight requests. Later calls return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if err := s.server.Shutdown(ctx); err != nil {
			s.closeErr = fmt.Errorf("shutting down API server: %w", err)
		}
		// Shutdown only closes listeners Serve has taken over.
		_ = s.listener.Close()
	})
	return s.closeErr
}

// Cync Core - local gateway for Cync smart lights.
//
// Devices whose cloud hostname resolves to this host connect over TLS on
// port 23779. The gateway answers their handshake and keep-alive frames,
// tracks each light's state in memory, and exposes a small HTTP API (and
// optionally MQTT) for switching and dimming them without the vendor cloud.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/cync-core/internal/api"
	"github.com/nerrad567/cync-core/internal/audit"
	"github.com/nerrad567/cync-core/internal/bridges/cync"
	"github.com/nerrad567/cync-core/internal/device"
	"github.com/nerrad567/cync-core/internal/infrastructure/config"
	"github.com/nerrad567/cync-core/internal/infrastructure/database"
	"github.com/nerrad567/cync-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/cync-core/internal/infrastructure/logging"
	"github.com/nerrad567/cync-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/cync-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// startupHealthTimeout bounds the backend checks run once at startup.
const startupHealthTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the parsed command line flags.
type options struct {
	configPath  string
	showVersion bool
}

// parseFlags parses the command line.
//
// Returns:
//   - options: Parsed flags; configPath falls back to CYNC_CONFIG, then the default
//   - error: pflag.ErrHelp for --help, or a parse error
func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("cynccore", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file (env CYNC_CONFIG, default "+defaultConfigPath+")")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// getConfigPath returns the configuration file path.
// Uses CYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line arguments without the program name
//   - out: Destination for --help and --version output
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(out, "cynccore %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)
	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "closing log file: %v\n", closeErr)
		}
	}()
	log.Info("starting Cync Core",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", opts.configPath,
	)

	registry := device.NewRegistry()
	registry.SetLogger(log)

	// Device listener. Failing to bind is the one fatal startup error.
	deviceServer := cync.NewServer(deviceServerConfig(cfg.Devices), registry)
	deviceServer.SetLogger(log)
	if err := deviceServer.Listen(); err != nil {
		return fmt.Errorf("starting device listener: %w", err)
	}
	defer func() {
		log.Info("closing device listener")
		_ = deviceServer.Close()
	}()

	dispatcher := cync.NewDispatcher(registry)
	dispatcher.SetLogger(log)

	// Command audit trail (optional)
	var (
		auditDB   *database.DB
		auditRepo audit.Repository
	)
	if cfg.Audit.Enabled {
		// The recorder outlives ctx so entries queued during shutdown are
		// still written.
		auditCtx, stopAudit := context.WithCancel(context.Background())
		db, recorder, err := startAudit(ctx, auditCtx, cfg.Audit, log)
		if err != nil {
			stopAudit()
			log.Error("command audit unavailable", "error", err)
		} else {
			defer func() {
				stopAudit()
				recorder.Wait()
				log.Info("closing audit database")
				if closeErr := db.Close(); closeErr != nil {
					log.Error("error closing audit database", "error", closeErr)
				}
			}()
			dispatcher.SetAuditor(recorder)
			auditDB = db
			auditRepo = audit.NewSQLiteRepository(db.DB)
			log.Info("command audit enabled", "path", db.Path())
		}
	}

	// MQTT mirror and command intake (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Error("MQTT unavailable", "error", err)
			mqttClient = nil
		} else {
			mqttClient.SetLogger(log)
			mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
			mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
			defer func() {
				log.Info("disconnecting from MQTT")
				if closeErr := mqttClient.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()

			publisher := cync.NewPublisher(mqttClient, dispatcher)
			publisher.SetLogger(log)
			if err := publisher.Start(ctx); err != nil {
				log.Error("MQTT command intake unavailable", "error", err)
			}
			defer publisher.Stop()
			registry.Subscribe(publisher.HandleEvent)

			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"prefix", cfg.MQTT.TopicPrefix,
			)
		}
	}

	// InfluxDB telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			log.Error("InfluxDB unavailable", "error", err)
			influxClient = nil
		} else {
			influxClient.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()

			telemetry := cync.NewTelemetry(influxClient)
			telemetry.SetLogger(log)
			telemetry.Start()
			defer telemetry.Stop()
			registry.Subscribe(telemetry.HandleEvent)

			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	// Optional backends never stop startup; a failed check is only reported.
	checkCtx, cancelCheck := context.WithTimeout(ctx, startupHealthTimeout)
	if err := healthCheck(checkCtx, auditDB, mqttClient, influxClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	}
	cancelCheck()

	// HTTP control surface
	deps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Dispatcher: dispatcher,
		Devices:    deviceServer,
		Audit:      auditRepo,
		Version:    version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.Influx = influxClient
	}
	if auditDB != nil {
		deps.Database = auditDB
	}

	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	registry.Subscribe(apiServer.Hub().HandleEvent)
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for devices")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := deviceServer.Serve(gctx); err != nil {
			return fmt.Errorf("device listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := apiServer.Serve(); err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return apiServer.Close()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Deferred Close() calls run in reverse order: API, InfluxDB,
	// MQTT, audit, device listener, log file.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// deviceServerConfig maps the devices config section onto the listener.
func deviceServerConfig(cfg config.DevicesConfig) cync.ServerConfig {
	return cync.ServerConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		Session: cync.SessionConfig{
			HandshakeTimeout: config.Seconds(cfg.HandshakeTimeout),
			GetInfoDelay:     config.Seconds(cfg.GetInfoDelay),
			IdleTimeout:      config.Seconds(cfg.IdleTimeout),
			WriteTimeout:     config.Seconds(cfg.WriteTimeout),
			MaxFrameSize:     cfg.MaxFrameSize,
		},
	}
}

// startAudit opens the audit database, applies migrations and starts the
// background recorder.
//
// Returns:
//   - *database.DB: Open database, closed by the caller
//   - *audit.Recorder: Recorder running until runCtx is cancelled
//   - error: If the database cannot be opened or migrated
func startAudit(ctx, runCtx context.Context, cfg config.AuditConfig, log *logging.Logger) (*database.DB, *audit.Recorder, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit database: %w", err)
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	recorder := audit.NewRecorder(audit.NewSQLiteRepository(db.DB))
	recorder.SetLogger(log)
	recorder.Start(runCtx)
	return db, recorder, nil
}

// healthCheck verifies the optional backends that connected at startup.
// Backends that are disabled or failed to connect are nil and skipped.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

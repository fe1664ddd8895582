// Package logging provides structured logging for Cync Core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the gateway.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Size-based file rotation with age and backup limits
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error (CYNC_DEBUG forces debug)
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "logs/cynccore.log"
//	    max_size: 50     # megabytes
//	    max_backups: 5
//	    max_age: 5       # days
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	defer logger.Close()
//	logger.Info("device listener started", "port", 23779)
package logging

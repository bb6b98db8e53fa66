/*
Package log provides structured logging for the gateway using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Context Loggers:
  - WithComponent: Add component name to all logs ("scp", "forwarder", ...)
  - WithWorkerID: Add component plus worker ID for worker instances

Configuration:
  - Level: debug/info/warn/error threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("forwarder")
	logger.Info().Str("study_uid", uid).Msg("study forwarded")
*/
package log

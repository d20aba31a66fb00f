/*
Package log provides structured logging for codepit using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the Logger:

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Simple Logging:

	log.Info("server started")
	log.Error("failed to open queue")

Structured Logging:

	log.Logger.Info().
		Str("job_id", job.ID).
		Int("exit_code", res.ExitCode).
		Msg("job completed")

Component Loggers:

	dispatchLog := log.WithComponent("dispatcher")
	dispatchLog.Info().Msg("worker loop started")

	roomLog := log.WithRoomID(roomID)
	roomLog.Debug().Msg("document restored from snapshot")

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so they stay machine-parseable

Don't:
  - Log submitted source code or CRDT payload bytes
  - Use Debug level in production
  - Log per-update in the CRDT fan-out hot path
*/
package log

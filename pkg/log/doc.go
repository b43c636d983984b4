/*
Package log provides structured logging for the bundle manager and worker
daemons using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages

Context Loggers:
  - WithComponent: tag all logs with a component name ("scheduler", "depcache", "runstate")
  - WithBundle: tag logs with the bundle uuid they concern
  - WithWorker: tag logs with the worker id they concern

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Str("bundle_uuid", uuid).Msg("dispatched")

	bundleLog := log.WithBundle(uuid)
	bundleLog.Warn().Msg("stuck in STARTING for more than 5 minutes, restaging")

Do:
  - use Info level in production, Debug in development
  - use structured fields (.Str, .Int, .Err) instead of string concatenation
  - create a component logger once and reuse it across a tick/loop

Don't:
  - log secrets, tokens, or bundle command strings containing credentials
  - log in a per-dependency-byte hot loop; log once per stage transition
*/
package log

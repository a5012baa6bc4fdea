/*
Package log provides structured logging for the Worker Runtime using
zerolog.

It wraps a single global zerolog.Logger, initialized once at process
startup, with helpers that attach the identifiers every log line in this
codebase is keyed on: task id, run id, and agent id.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithTaskID(task.ID).With().Str("run_id", runID).Logger()
	logger.Info().Msg("starting task pipeline run")

Package-level helpers (log.Info, log.Warn, log.Errorf, ...) log against the
global Logger directly, for call sites that have no task/run/agent context
to attach — process startup and shutdown, background tickers, and the like.

JSONOutput controls the encoding: true emits newline-delimited JSON
suitable for a log aggregator, false emits zerolog's human-readable console
writer, useful when running the worker binary interactively.
*/
package log

/*
Package log provides structured logging for the collective using zerolog.

The package wraps zerolog behind a small surface: Init configures the
global logger from the machine configuration (level, JSON or console
output), and WithComponent derives a child logger tagged with the
subsystem name so every line can be filtered by origin.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	lg := log.WithComponent("sync")
	lg.Info().Str("peer", "mb").Msg("peer added")

Every subsystem holds its component logger for its lifetime; request
and change identifiers are attached per event, not per logger.
*/
package log

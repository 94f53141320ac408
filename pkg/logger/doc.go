// Package logger builds the slog loggers used by the queue binaries.
//
// [New] produces a JSON (or text) logger at a configured level.
// [NewWithSentry] additionally forwards warnings and errors to Sentry when
// SENTRY_DSN is set, and degrades to stdout-only otherwise. Context
// extractors attach job- or request-scoped attributes to every record
// without threading loggers through call chains.
package logger

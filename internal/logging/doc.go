// Package logging builds the slog loggers used by both binaries.
//
// Formats: "text" (slog.TextHandler), "json" (slog.JSONHandler), and
// "color" (ColorHandler, terminal output via fatih/color). Components derive
// their own logger with logger.With("component", name).
package logging

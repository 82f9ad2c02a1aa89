// Package log provides structured logging for Kiln using zerolog.
//
// Call Init once at startup, then use the global Logger or the With*
// helpers to attach compilation and project context to child loggers.
// JSON output is intended for production; console output for development.
package log

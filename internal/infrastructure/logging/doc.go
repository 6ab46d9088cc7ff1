// Package logging provides structured logging for Signpost Core.
//
// It wraps log/slog with service/version default attributes, JSON or text
// output, and optional size-based file rotation.
package logging

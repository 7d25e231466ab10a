// Package logging provides structured logging for Hearth Core.
//
// It wraps log/slog with service defaults and config-driven level,
// format, and output selection. Security-relevant detail (which check
// rejected a request, nonce values, token hashes) belongs in these logs
// and never in HTTP responses.
package logging

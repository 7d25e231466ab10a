// Package config loads and validates Hearth Core configuration.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// HEARTH_* environment variable overrides. Validation runs once at load
// time and is deliberately strict about key material — a service with a
// missing or malformed vault key must fail at boot, not at the first
// decrypt.
package config

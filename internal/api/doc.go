// Package api implements the HTTP REST API and WebSocket server for Hearth Core.
//
// This package provides:
//   - Hub-facing endpoints: signed pairing, token acknowledgement, and
//     token verification for other planes
//   - Operator endpoints: device-bound login, step-up challenges,
//     trusted device management, hub administration, credential store
//   - WebSocket push of challenge status transitions
//   - Middleware stack (request ID, logging, recovery, body size limit)
//   - TLS support for production deployments
//
// # Security
//
// Two independent trust planes terminate here. Hubs authenticate with
// HMAC-signed pairing requests or versioned bearer tokens; no operator
// session is involved. Operators authenticate with password plus device
// trust: a JWT is only minted for a device the trust registry knows, and
// every request re-checks the device's session version so revocation
// takes effect mid-token. Sensitive operations (credential reveal) need
// a third factor, a step-up lease from a consumed email challenge.
//
// # Graceful Degradation
//
// The server operates without MQTT — hubs then learn of pending token
// rotations on their next pairing call instead of being notified.
package api

// Package trust records which (user, device) pairs have been confirmed
// via an approval challenge and carries the per-device session version
// that access tokens embed. Revoking a device or bumping its session
// version invalidates every outstanding token bound to it without
// touching other devices.
package trust

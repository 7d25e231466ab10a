package trust

import (
	"errors"
	"time"
)

// Device is a browser or app install a user has confirmed through an
// out-of-band challenge. Trust is scoped to the (user, device) pair: the
// same browser is a separate trust decision for every account it signs
// in to.
type Device struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	DeviceID       string     `json:"device_id"`
	Label          string     `json:"label,omitempty"`
	SessionVersion int        `json:"session_version"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// Trusted reports whether the device is currently trusted.
func (d *Device) Trusted() bool {
	return d.RevokedAt == nil
}

// ErrDeviceNotFound is returned when no record exists for the pair.
var ErrDeviceNotFound = errors.New("device not known for user")

// Package stepup implements out-of-band approval for sensitive actions.
//
// A device asking for elevated privilege never receives it directly.
// Instead a challenge link is emailed to the account owner; clicking it
// approves the challenge, and only when the original device collects
// (consumes) the approval does anything change: the device may be marked
// trusted and a short-lived lease scoped to (user, device, purpose) is
// issued. The click alone grants nothing, so a forwarded or leaked link
// cannot elevate the attacker's own device.
//
// Leases are single-flight per scope: issuing a new lease revokes the
// previous one in the same transaction.
package stepup

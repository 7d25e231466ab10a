package stepup

import (
	"errors"
	"time"
)

// Purpose names the elevated action a challenge or lease is scoped to.
// A lease for one purpose is never accepted for another.
type Purpose string

const (
	PurposeDeviceTrust  Purpose = "device_trust"
	PurposeRemoteAccess Purpose = "remote_access_setup"
	PurposeTwoFactor    Purpose = "twofactor_enrol"
	PurposeEmailVerify  Purpose = "email_verify"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeDeviceTrust, PurposeRemoteAccess, PurposeTwoFactor, PurposeEmailVerify:
		return true
	}
	return false
}

// ChallengeStatus is the lifecycle state of an approval challenge.
//
// Legal transitions:
//
//	pending → approved (email link clicked)
//	pending → expired (TTL elapsed or superseded by a resend)
//	approved → consumed (requesting device collects the result)
//	approved → expired (TTL elapsed before collection)
type ChallengeStatus string

const (
	StatusPending  ChallengeStatus = "pending"
	StatusApproved ChallengeStatus = "approved"
	StatusConsumed ChallengeStatus = "consumed"
	StatusExpired  ChallengeStatus = "expired"
)

// Challenge is an out-of-band approval: a link emailed to the account
// owner that must be clicked before the requesting device gains anything.
// The raw link token is never stored, only its hash.
type Challenge struct {
	ID         string          `json:"id"`
	TokenHash  string          `json:"-"`
	Purpose    Purpose         `json:"purpose"`
	UserID     string          `json:"user_id"`
	DeviceID   string          `json:"device_id"`
	Email      string          `json:"-"`
	Status     ChallengeStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	ConsumedAt *time.Time      `json:"consumed_at,omitempty"`
}

// Lease is a short-lived grant of elevated privilege to one
// (user, device, purpose) scope, issued only when a challenge for that
// scope is consumed.
type Lease struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	DeviceID  string     `json:"device_id"`
	Purpose   Purpose    `json:"purpose"`
	TokenHash string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Sentinel errors for step-up operations.
var (
	ErrInvalidPurpose       = errors.New("unknown step-up purpose")
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrChallengeExpired     = errors.New("challenge expired")
	ErrChallengeConsumed    = errors.New("challenge already consumed")
	ErrChallengeNotApproved = errors.New("challenge not approved")
	ErrDeviceMismatch       = errors.New("challenge belongs to a different device")
	ErrResendThrottled      = errors.New("challenge resend too soon")
	ErrLeaseInvalid         = errors.New("lease invalid or expired")
	ErrInvalidLeaseTTL      = errors.New("lease ttl must not be negative")
)

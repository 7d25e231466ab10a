package hub

import (
	"errors"
	"regexp"
	"time"
)

// serialPattern defines the valid format for hub serials:
// uppercase alphanumeric with hyphens, 4-64 characters.
var serialPattern = regexp.MustCompile(`^[A-Z0-9-]{4,64}$`)

// IsValidSerial checks if a hub serial meets format requirements.
func IsValidSerial(serial string) bool {
	return serialPattern.MatchString(serial)
}

// TokenStatus represents the lifecycle state of a hub token version.
//
// Legal transitions:
//
//	pending → active (hub acknowledges receipt)
//	pending → revoked (superseded by a newer pending version)
//	active → retiring (a newer version was acknowledged)
//	retiring → revoked (grace window elapsed)
type TokenStatus string

const (
	// StatusPending is a minted version the hub has not yet durably stored.
	// Pending versions are never accepted for authentication.
	StatusPending TokenStatus = "pending"

	// StatusActive is the single currently published version.
	StatusActive TokenStatus = "active"

	// StatusRetiring is the outgoing version, still accepted until the
	// hub's grace window elapses after promotion of its successor.
	StatusRetiring TokenStatus = "retiring"

	// StatusRevoked is terminal. Revoked rows are kept for audit history.
	StatusRevoked TokenStatus = "revoked"
)

// Install represents a physical hub unit's identity.
//
// Created once at provisioning; mutated on every successful pairing call;
// never deleted, only deactivated.
type Install struct {
	ID                 string     `json:"id"`
	Serial             string     `json:"serial"`
	BootstrapSecretEnc string     `json:"-"` // vault ciphertext, never serialised
	SyncSecretEnc      string     `json:"-"` // vault ciphertext, lazily minted on first pairing
	IsActive           bool       `json:"is_active"`
	RotateEveryMinutes int        `json:"rotate_every_minutes"`
	GraceMinutes       int        `json:"grace_minutes"`
	PublishedVersion   int        `json:"published_token_version"`
	LastSeenAt         *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Grace returns the hub's rotation grace window as a Duration.
func (h *Install) Grace() time.Duration {
	return time.Duration(h.GraceMinutes) * time.Minute
}

// Token represents one token version row for a hub install.
type Token struct {
	ID          string      `json:"id"`
	HubID       string      `json:"hub_id"`
	Version     int         `json:"version"`
	Status      TokenStatus `json:"status"`
	TokenHash   string      `json:"-"` // lookup key, never serialised
	TokenEnc    string      `json:"-"` // recoverable form for legitimate re-delivery
	CreatedAt   time.Time   `json:"created_at"`
	ActivatedAt *time.Time  `json:"activated_at,omitempty"`
	RetiringAt  *time.Time  `json:"retiring_at,omitempty"`
	RevokedAt   *time.Time  `json:"revoked_at,omitempty"`
}

// PairingRequest is the signed bootstrap request a hub sends.
type PairingRequest struct {
	Serial string `json:"serial"`
	TS     int64  `json:"ts"` // epoch seconds per the hub's clock
	Nonce  string `json:"nonce"`
	Sig    string `json:"sig"` // hex HMAC-SHA256 over serial|ts|nonce
}

// PairingResult is returned to the hub after a successful handshake.
//
// PendingToken is populated only while an unacknowledged version exists;
// delivering it over the authenticated handshake channel is the legitimate
// re-delivery path for a hub that lost the token before acknowledging.
type PairingResult struct {
	SyncSecret       string   `json:"sync_secret"`
	PublishedVersion int      `json:"published_version"`
	LatestVersion    int      `json:"latest_version"`
	TokenHashes      []string `json:"hub_token_hashes"`
	PendingToken     string   `json:"pending_token,omitempty"`
	PendingVersion   int      `json:"pending_version,omitempty"`
}

// Sentinel errors for hub operations.
var (
	ErrHubNotFound      = errors.New("hub not found")
	ErrHubInactive      = errors.New("hub is deactivated")
	ErrSerialExists     = errors.New("hub serial already registered")
	ErrInvalidSignature = errors.New("invalid pairing signature")
	ErrReplayDetected   = errors.New("pairing replay detected")
	ErrStaleTimestamp   = errors.New("pairing timestamp outside accepted window")
	ErrUnauthorized     = errors.New("token not accepted")
	ErrAlreadySeeded    = errors.New("hub already has a token history")
	ErrNoSuchVersion    = errors.New("no pending token with that version")
)

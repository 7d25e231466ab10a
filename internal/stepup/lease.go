package stepup

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgrid/hearth-core/internal/vault"
)

// leaseTokenBytes is the entropy of lease tokens.
const leaseTokenBytes = 32

// LeaseManager issues and validates step-up leases.
type LeaseManager struct {
	db  *sql.DB
	ttl time.Duration

	now func() time.Time
}

// NewLeaseManager creates a lease manager with the given lease TTL.
func NewLeaseManager(db *sql.DB, ttl time.Duration) *LeaseManager {
	return &LeaseManager{
		db:  db,
		ttl: ttl,
		now: time.Now,
	}
}

// Issue grants a lease for the scope, revoking any live lease for the
// same (user, device, purpose) in the same transaction. The raw token is
// returned once and only its hash is stored. A zero ttl takes the
// manager's default; negative values are rejected.
func (m *LeaseManager) Issue(ctx context.Context, userID, deviceID string, purpose Purpose, ttl time.Duration) (*Lease, string, error) {
	if !purpose.Valid() {
		return nil, "", ErrInvalidPurpose
	}
	if ttl < 0 {
		return nil, "", ErrInvalidLeaseTTL
	}
	if ttl == 0 {
		ttl = m.ttl
	}

	b := make([]byte, leaseTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, "", fmt.Errorf("generating lease token: %w", err)
	}
	raw := hex.EncodeToString(b)

	now := m.now().UTC()
	lease := &Lease{
		ID:        "lse-" + uuid.NewString()[:16],
		UserID:    userID,
		DeviceID:  deviceID,
		Purpose:   purpose,
		TokenHash: vault.LookupHash(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	// Single flight per scope: the previous lease dies with the new issue.
	if _, err := tx.ExecContext(ctx,
		`UPDATE step_up_leases SET revoked_at = ?
		 WHERE user_id = ? AND device_id = ? AND purpose = ? AND revoked_at IS NULL`,
		now.Format(time.RFC3339), userID, deviceID, purpose); err != nil {
		return nil, "", fmt.Errorf("revoking prior lease: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_up_leases (id, user_id, device_id, purpose, token_hash, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lease.ID, lease.UserID, lease.DeviceID, lease.Purpose, lease.TokenHash,
		now.Format(time.RFC3339), lease.ExpiresAt.Format(time.RFC3339)); err != nil {
		return nil, "", fmt.Errorf("inserting lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("committing lease: %w", err)
	}

	return lease, raw, nil
}

// Validate checks a raw lease token against a required scope. Revoked,
// expired, unknown, and wrong-scope tokens all fail with ErrLeaseInvalid.
func (m *LeaseManager) Validate(ctx context.Context, raw string, userID, deviceID string, purpose Purpose) (*Lease, error) {
	lease, err := m.getByHash(ctx, vault.LookupHash(raw))
	if err != nil {
		return nil, err
	}

	if lease.RevokedAt != nil ||
		lease.UserID != userID ||
		lease.DeviceID != deviceID ||
		lease.Purpose != purpose ||
		!m.now().UTC().Before(lease.ExpiresAt) {
		return nil, ErrLeaseInvalid
	}

	return lease, nil
}

// Consume validates and then revokes a lease in one step. Used when the
// elevated action completes and the privilege should not linger.
func (m *LeaseManager) Consume(ctx context.Context, raw string, userID, deviceID string, purpose Purpose) (*Lease, error) {
	lease, err := m.Validate(ctx, raw, userID, deviceID, purpose)
	if err != nil {
		return nil, err
	}

	res, err := m.db.ExecContext(ctx,
		"UPDATE step_up_leases SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		m.now().UTC().Format(time.RFC3339), lease.ID)
	if err != nil {
		return nil, fmt.Errorf("consuming lease: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	if n == 0 {
		// Lost a race with a concurrent consume or revoke.
		return nil, ErrLeaseInvalid
	}

	return lease, nil
}

// RevokeAllForUser kills every live lease a user holds, across devices
// and purposes. Paired with trust revocation on password change.
func (m *LeaseManager) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		"UPDATE step_up_leases SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL",
		m.now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return 0, fmt.Errorf("revoking leases: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	return n, nil
}

// DeleteExpired removes lease rows past their expiry. Run periodically.
func (m *LeaseManager) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		"DELETE FROM step_up_leases WHERE expires_at <= ?",
		m.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting expired leases: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	return n, nil
}

// getByHash retrieves a lease row by token hash.
func (m *LeaseManager) getByHash(ctx context.Context, hash string) (*Lease, error) {
	var l Lease
	var revokedAt sql.NullString
	var createdAt, expiresAt string

	err := m.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, purpose, token_hash, created_at, expires_at, revoked_at
		 FROM step_up_leases WHERE token_hash = ?`, hash,
	).Scan(&l.ID, &l.UserID, &l.DeviceID, &l.Purpose, &l.TokenHash,
		&createdAt, &expiresAt, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLeaseInvalid
		}
		return nil, fmt.Errorf("getting lease: %w", err)
	}

	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	l.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	if revokedAt.Valid {
		t, _ := time.Parse(time.RFC3339, revokedAt.String) //nolint:errcheck // format is controlled
		l.RevokedAt = &t
	}
	return &l, nil
}

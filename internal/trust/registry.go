package trust

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Registry defines the interface for device trust persistence.
type Registry interface {
	Get(ctx context.Context, userID, deviceID string) (*Device, error)
	IsTrusted(ctx context.Context, userID, deviceID string) (bool, error)
	Trust(ctx context.Context, userID, deviceID, label string) (*Device, error)
	TouchSeen(ctx context.Context, userID, deviceID string) error
	Revoke(ctx context.Context, userID, deviceID string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	BumpSession(ctx context.Context, userID, deviceID string) (int, error)
	SessionVersion(ctx context.Context, userID, deviceID string) (int, error)
	ListForUser(ctx context.Context, userID string) ([]Device, error)
}

// SQLiteRegistry implements Registry using SQLite.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewRegistry creates a new SQLite-backed trust registry.
func NewRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

const deviceColumns = `id, user_id, device_id, label, session_version,
	 first_seen_at, last_seen_at, revoked_at`

// Get retrieves the trust record for a (user, device) pair.
func (r *SQLiteRegistry) Get(ctx context.Context, userID, deviceID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices
		 WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	return scanDevice(row)
}

// IsTrusted reports whether the pair is currently trusted. Unknown pairs
// are simply untrusted, not an error.
func (r *SQLiteRegistry) IsTrusted(ctx context.Context, userID, deviceID string) (bool, error) {
	d, err := r.Get(ctx, userID, deviceID)
	if err == ErrDeviceNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Trusted(), nil
}

// Trust records the pair as trusted. A revoked record is re-trusted in
// place, keeping its bumped session version so tokens minted before the
// revocation stay dead.
func (r *SQLiteRegistry) Trust(ctx context.Context, userID, deviceID, label string) (*Device, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := r.db.ExecContext(ctx,
		`UPDATE trusted_devices SET revoked_at = NULL, last_seen_at = ?
		 WHERE user_id = ? AND device_id = ?`,
		now, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("re-trusting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO trusted_devices (id, user_id, device_id, label, session_version, first_seen_at, last_seen_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			"dev-"+uuid.NewString()[:16], userID, deviceID, label, now, now)
		if err != nil {
			return nil, fmt.Errorf("trusting device: %w", err)
		}
	}

	return r.Get(ctx, userID, deviceID)
}

// TouchSeen records device activity.
func (r *SQLiteRegistry) TouchSeen(ctx context.Context, userID, deviceID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trusted_devices SET last_seen_at = ?
		 WHERE user_id = ? AND device_id = ?`,
		time.Now().UTC().Format(time.RFC3339), userID, deviceID)
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}
	return requireRow(res)
}

// Revoke withdraws trust and bumps the session version so outstanding
// access tokens bound to the device stop validating immediately.
func (r *SQLiteRegistry) Revoke(ctx context.Context, userID, deviceID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trusted_devices
		 SET revoked_at = ?, session_version = session_version + 1
		 WHERE user_id = ? AND device_id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), userID, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	return requireRow(res)
}

// RevokeAllForUser withdraws trust from every device of a user.
// Used for "log out everywhere" and on password change.
func (r *SQLiteRegistry) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trusted_devices
		 SET revoked_at = ?, session_version = session_version + 1
		 WHERE user_id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return 0, fmt.Errorf("revoking all devices: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	return n, nil
}

// BumpSession increments the session version without revoking trust.
// The device stays trusted but must authenticate again.
func (r *SQLiteRegistry) BumpSession(ctx context.Context, userID, deviceID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE trusted_devices SET session_version = session_version + 1
		 WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("bumping session version: %w", err)
	}
	if err := requireRow(res); err != nil {
		return 0, err
	}
	return r.SessionVersion(ctx, userID, deviceID)
}

// SessionVersion returns the current session version for the pair.
func (r *SQLiteRegistry) SessionVersion(ctx context.Context, userID, deviceID string) (int, error) {
	var v int
	err := r.db.QueryRowContext(ctx,
		`SELECT session_version FROM trusted_devices
		 WHERE user_id = ? AND device_id = ?`, userID, deviceID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, ErrDeviceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading session version: %w", err)
	}
	return v, nil
}

// ListForUser returns all trust records for a user, revoked included,
// most recently seen first.
func (r *SQLiteRegistry) ListForUser(ctx context.Context, userID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices
		 WHERE user_id = ? ORDER BY last_seen_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var revokedAt sql.NullString
		var firstSeen, lastSeen string
		if err := rows.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.Label, &d.SessionVersion,
			&firstSeen, &lastSeen, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen) //nolint:errcheck // format is controlled
		d.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)   //nolint:errcheck // format is controlled
		if revokedAt.Valid {
			t, _ := time.Parse(time.RFC3339, revokedAt.String) //nolint:errcheck // format is controlled
			d.RevokedAt = &t
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// scanDevice scans a single-row result into a Device.
func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var revokedAt sql.NullString
	var firstSeen, lastSeen string

	err := row.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.Label, &d.SessionVersion,
		&firstSeen, &lastSeen, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("getting device: %w", err)
	}

	d.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen) //nolint:errcheck // format is controlled
	d.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)   //nolint:errcheck // format is controlled
	if revokedAt.Valid {
		t, _ := time.Parse(time.RFC3339, revokedAt.String) //nolint:errcheck // format is controlled
		d.RevokedAt = &t
	}
	return &d, nil
}

// requireRow converts a zero-rows-affected update into ErrDeviceNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

package hub

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for hub install and pairing-nonce
// persistence. Token version rows are owned by the Ledger, which runs
// multi-row transitions inside its own transactions.
type Repository interface {
	Create(ctx context.Context, install *Install) error
	GetBySerial(ctx context.Context, serial string) (*Install, error)
	GetByID(ctx context.Context, id string) (*Install, error)
	List(ctx context.Context) ([]Install, error)
	SetSyncSecret(ctx context.Context, id, secretEnc string) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	Deactivate(ctx context.Context, id string) error

	RecordNonce(ctx context.Context, serial, nonce string, seenAt, expiresAt time.Time) error
	NonceSeen(ctx context.Context, serial, nonce string) (bool, error)
	DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed hub repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const installColumns = `id, serial, bootstrap_secret_enc, sync_secret_enc, is_active,
	 rotate_every_minutes, grace_minutes, published_token_version, last_seen_at, created_at`

// Create registers a new hub install. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, install *Install) error {
	if install.ID == "" {
		install.ID = "hub-" + uuid.NewString()[:16]
	}

	now := time.Now().UTC().Format(time.RFC3339)
	install.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO hubs (id, serial, bootstrap_secret_enc, sync_secret_enc, is_active,
		 rotate_every_minutes, grace_minutes, published_token_version, last_seen_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		install.ID, install.Serial, install.BootstrapSecretEnc,
		nullString(install.SyncSecretEnc), boolToInt(install.IsActive),
		install.RotateEveryMinutes, install.GraceMinutes, install.PublishedVersion,
		nullTime(install.LastSeenAt), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSerialExists
		}
		return fmt.Errorf("creating hub: %w", err)
	}

	return nil
}

// GetBySerial retrieves a hub install by its device serial.
func (r *SQLiteRepository) GetBySerial(ctx context.Context, serial string) (*Install, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+installColumns+` FROM hubs WHERE serial = ?`, serial)
	return scanInstall(row)
}

// GetByID retrieves a hub install by its ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Install, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+installColumns+` FROM hubs WHERE id = ?`, id)
	return scanInstall(row)
}

// List returns all hub installs, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Install, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+installColumns+` FROM hubs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing hubs: %w", err)
	}
	defer rows.Close()

	var installs []Install
	for rows.Next() {
		h, err := scanInstallRows(rows)
		if err != nil {
			return nil, err
		}
		installs = append(installs, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hubs: %w", err)
	}
	return installs, nil
}

// SetSyncSecret stores the encrypted sync secret for a hub. The secret is
// minted once on first pairing and then reused.
func (r *SQLiteRepository) SetSyncSecret(ctx context.Context, id, secretEnc string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE hubs SET sync_secret_enc = ? WHERE id = ?", secretEnc, id)
	if err != nil {
		return fmt.Errorf("setting sync secret: %w", err)
	}
	return requireRow(res, ErrHubNotFound)
}

// TouchLastSeen records the time of the hub's latest successful pairing.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE hubs SET last_seen_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return requireRow(res, ErrHubNotFound)
}

// Deactivate marks a hub inactive. Inactive hubs fail the handshake and
// token verification but keep their history.
func (r *SQLiteRepository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE hubs SET is_active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deactivating hub: %w", err)
	}
	return requireRow(res, ErrHubNotFound)
}

// RecordNonce durably marks a pairing nonce as used. A duplicate insert
// means the same signed request was presented twice and returns
// ErrReplayDetected.
func (r *SQLiteRepository) RecordNonce(ctx context.Context, serial, nonce string, seenAt, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO hub_pairing_nonces (serial, nonce, seen_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		serial, nonce,
		seenAt.UTC().Format(time.RFC3339),
		expiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReplayDetected
		}
		return fmt.Errorf("recording nonce: %w", err)
	}
	return nil
}

// NonceSeen reports whether a nonce has already been accepted for a serial.
func (r *SQLiteRepository) NonceSeen(ctx context.Context, serial, nonce string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		"SELECT 1 FROM hub_pairing_nonces WHERE serial = ? AND nonce = ?",
		serial, nonce).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking nonce: %w", err)
	}
	return true, nil
}

// DeleteExpiredNonces removes nonces whose retention window has passed.
// A nonce only needs to outlive the timestamp skew band: requests older
// than that are rejected as stale before the nonce is ever consulted.
func (r *SQLiteRepository) DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM hub_pairing_nonces WHERE expires_at <= ?",
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting expired nonces: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	return n, nil
}

// scanInstall scans a single-row query result into an Install.
func scanInstall(row *sql.Row) (*Install, error) {
	var h Install
	var syncSecret sql.NullString
	var lastSeen sql.NullString
	var isActive int
	var createdAt string

	err := row.Scan(&h.ID, &h.Serial, &h.BootstrapSecretEnc, &syncSecret, &isActive,
		&h.RotateEveryMinutes, &h.GraceMinutes, &h.PublishedVersion, &lastSeen, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrHubNotFound
		}
		return nil, fmt.Errorf("getting hub: %w", err)
	}

	populateInstall(&h, syncSecret, lastSeen, isActive, createdAt)
	return &h, nil
}

// scanInstallRows scans the current row of a multi-row result.
func scanInstallRows(rows *sql.Rows) (*Install, error) {
	var h Install
	var syncSecret sql.NullString
	var lastSeen sql.NullString
	var isActive int
	var createdAt string

	if err := rows.Scan(&h.ID, &h.Serial, &h.BootstrapSecretEnc, &syncSecret, &isActive,
		&h.RotateEveryMinutes, &h.GraceMinutes, &h.PublishedVersion, &lastSeen, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning hub: %w", err)
	}

	populateInstall(&h, syncSecret, lastSeen, isActive, createdAt)
	return &h, nil
}

func populateInstall(h *Install, syncSecret, lastSeen sql.NullString, isActive int, createdAt string) {
	h.IsActive = isActive != 0
	if syncSecret.Valid {
		h.SyncSecretEnc = syncSecret.String
	}
	if lastSeen.Valid {
		t, _ := time.Parse(time.RFC3339, lastSeen.String) //nolint:errcheck // format is controlled
		h.LastSeenAt = &t
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
}

// requireRow converts a zero-rows-affected update into notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil time pointer to a SQL NULL, otherwise RFC3339.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a bool to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

package hub

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/vault"
)

const (
	// secretBytes is the entropy of generated hub tokens and sync secrets.
	secretBytes = 32

	// busyRetries bounds retries of promotion/rotation transactions when
	// the single SQLite writer is contended.
	busyRetries = 3
)

// Announcer publishes a retained rotation notice so a hub that reconnects
// later still learns a newer version is waiting. Delivery is best effort;
// the durable source of truth stays in the ledger.
type Announcer interface {
	AnnounceRotation(serial string, publishedVersion, latestVersion int) error
}

// Ledger owns the versioned hub token history and its lifecycle
// transitions. All multi-row transitions run in transactions so a crash
// can never leave a hub with two active versions or a gap in the chain.
type Ledger struct {
	db        *sql.DB
	vault     *vault.Vault
	logger    *logging.Logger
	announcer Announcer

	now func() time.Time
}

// NewLedger creates a token ledger backed by the given database.
func NewLedger(db *sql.DB, v *vault.Vault, logger *logging.Logger) *Ledger {
	return &Ledger{
		db:     db,
		vault:  v,
		logger: logger,
		now:    time.Now,
	}
}

// SetAnnouncer wires an optional rotation announcer (MQTT in production).
func (l *Ledger) SetAnnouncer(a Announcer) {
	l.announcer = a
}

// SeedInitialToken mints version 1 for a hub with no token history.
// The returned raw token is delivered to the hub over the authenticated
// pairing channel; only its hash and vault ciphertext are stored.
func (l *Ledger) SeedInitialToken(ctx context.Context, hubID string) (*Token, string, error) {
	raw, err := generateSecret()
	if err != nil {
		return nil, "", err
	}

	var tok *Token
	err = l.withRetry(func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning seed transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM hub_tokens WHERE hub_id = ?", hubID).Scan(&count); err != nil {
			return fmt.Errorf("counting token history: %w", err)
		}
		if count > 0 {
			return ErrAlreadySeeded
		}

		tok, err = l.insertPending(ctx, tx, hubID, 1, raw)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing seed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return tok, raw, nil
}

// Rotate mints the next pending version for a hub. An unacknowledged
// pending version is superseded (revoked) rather than left dangling, so at
// most one pending version exists at a time and versions stay monotonic.
func (l *Ledger) Rotate(ctx context.Context, hubID string) (*Token, string, error) {
	raw, err := generateSecret()
	if err != nil {
		return nil, "", err
	}

	var tok *Token
	err = l.withRetry(func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning rotation transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

		var maxVersion sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(version) FROM hub_tokens WHERE hub_id = ?", hubID).Scan(&maxVersion); err != nil {
			return fmt.Errorf("reading latest version: %w", err)
		}

		now := l.now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx,
			`UPDATE hub_tokens SET status = ?, revoked_at = ?
			 WHERE hub_id = ? AND status = ?`,
			StatusRevoked, now, hubID, StatusPending); err != nil {
			return fmt.Errorf("superseding pending token: %w", err)
		}

		tok, err = l.insertPending(ctx, tx, hubID, int(maxVersion.Int64)+1, raw)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing rotation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	l.announce(ctx, hubID, tok.Version)

	return tok, raw, nil
}

// Acknowledge promotes a pending version after the hub confirms durable
// receipt. In the same transaction the outgoing active version moves to
// retiring and the hub's published version advances, so the accepted set
// never contains two active versions.
func (l *Ledger) Acknowledge(ctx context.Context, hubID string, version int) error {
	return l.withRetry(func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning promotion transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

		now := l.now().UTC().Format(time.RFC3339)

		res, err := tx.ExecContext(ctx,
			`UPDATE hub_tokens SET status = ?, activated_at = ?
			 WHERE hub_id = ? AND version = ? AND status = ?`,
			StatusActive, now, hubID, version, StatusPending)
		if err != nil {
			return fmt.Errorf("promoting token: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
		if n == 0 {
			return ErrNoSuchVersion
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE hub_tokens SET status = ?, retiring_at = ?
			 WHERE hub_id = ? AND status = ? AND version != ?`,
			StatusRetiring, now, hubID, StatusActive, version); err != nil {
			return fmt.Errorf("retiring outgoing token: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE hubs SET published_token_version = ? WHERE id = ?",
			version, hubID); err != nil {
			return fmt.Errorf("advancing published version: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing promotion: %w", err)
		}
		return nil
	})
}

// AcceptedHashes returns the hashes a hub may currently authenticate with:
// the active version plus any retiring version still inside the hub's
// grace window. Pending and revoked versions are never included.
func (l *Ledger) AcceptedHashes(ctx context.Context, install *Install) ([]string, error) {
	cutoff := l.now().UTC().Add(-install.Grace()).Format(time.RFC3339)

	rows, err := l.db.QueryContext(ctx,
		`SELECT token_hash FROM hub_tokens
		 WHERE hub_id = ?
		   AND (status = ? OR (status = ? AND retiring_at > ?))
		 ORDER BY version DESC`,
		install.ID, StatusActive, StatusRetiring, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying accepted hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hashes: %w", err)
	}
	return hashes, nil
}

// VerifyPresentedToken checks a raw token presented on behalf of a hub
// against the accepted set and returns the matching version. Expired,
// pending, revoked, and unknown tokens all fail with ErrUnauthorized.
func (l *Ledger) VerifyPresentedToken(ctx context.Context, install *Install, raw string) (int, error) {
	if !install.IsActive {
		return 0, ErrUnauthorized
	}

	cutoff := l.now().UTC().Add(-install.Grace()).Format(time.RFC3339)

	var version int
	err := l.db.QueryRowContext(ctx,
		`SELECT version FROM hub_tokens
		 WHERE hub_id = ? AND token_hash = ?
		   AND (status = ? OR (status = ? AND retiring_at > ?))`,
		install.ID, vault.LookupHash(raw), StatusActive, StatusRetiring, cutoff,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrUnauthorized
	}
	if err != nil {
		return 0, fmt.Errorf("verifying token: %w", err)
	}
	return version, nil
}

// PendingToken returns the current pending version for a hub, with its
// plaintext recovered from the vault for re-delivery, or nil when no
// version is awaiting acknowledgement.
func (l *Ledger) PendingToken(ctx context.Context, hubID string) (*Token, string, error) {
	tok, err := l.getByStatus(ctx, hubID, StatusPending)
	if err != nil || tok == nil {
		return nil, "", err
	}
	raw, err := l.vault.Decrypt(tok.TokenEnc)
	if err != nil {
		return nil, "", fmt.Errorf("recovering pending token: %w", err)
	}
	return tok, raw, nil
}

// LatestVersion returns the highest version ever minted for a hub,
// regardless of status. Zero means no history.
func (l *Ledger) LatestVersion(ctx context.Context, hubID string) (int, error) {
	var v sql.NullInt64
	if err := l.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM hub_tokens WHERE hub_id = ?", hubID).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading latest version: %w", err)
	}
	return int(v.Int64), nil
}

// SweepRetired revokes retiring versions whose grace window has elapsed.
// Run periodically; each hub's own grace setting is honoured.
func (l *Ledger) SweepRetired(ctx context.Context) (int64, error) {
	now := l.now().UTC()

	rows, err := l.db.QueryContext(ctx,
		`SELECT t.id, t.retiring_at, h.grace_minutes
		 FROM hub_tokens t JOIN hubs h ON h.id = t.hub_id
		 WHERE t.status = ?`, StatusRetiring)
	if err != nil {
		return 0, fmt.Errorf("querying retiring tokens: %w", err)
	}

	var expired []string
	for rows.Next() {
		var id, retiringAt string
		var graceMinutes int
		if err := rows.Scan(&id, &retiringAt, &graceMinutes); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning retiring token: %w", err)
		}
		at, _ := time.Parse(time.RFC3339, retiringAt) //nolint:errcheck // format is controlled
		if !now.Before(at.Add(time.Duration(graceMinutes) * time.Minute)) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating retiring tokens: %w", err)
	}
	rows.Close()

	nowStr := now.Format(time.RFC3339)
	var revoked int64
	for _, id := range expired {
		res, err := l.db.ExecContext(ctx,
			"UPDATE hub_tokens SET status = ?, revoked_at = ? WHERE id = ? AND status = ?",
			StatusRevoked, nowStr, id, StatusRetiring)
		if err != nil {
			return revoked, fmt.Errorf("revoking retired token: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
		revoked += n
	}

	if revoked > 0 {
		l.logger.Info("revoked retired hub tokens", "count", revoked)
	}
	return revoked, nil
}

// RotateIfDue mints a new pending version for every active hub whose
// active token is older than the hub's rotation interval and that has no
// pending version already outstanding. Returns the number of rotations.
func (l *Ledger) RotateIfDue(ctx context.Context) (int, error) {
	now := l.now().UTC()

	rows, err := l.db.QueryContext(ctx,
		`SELECT h.id, h.serial, h.rotate_every_minutes, t.activated_at
		 FROM hubs h JOIN hub_tokens t ON t.hub_id = h.id AND t.status = ?
		 WHERE h.is_active = 1
		   AND NOT EXISTS (
		       SELECT 1 FROM hub_tokens p WHERE p.hub_id = h.id AND p.status = ?
		   )`,
		StatusActive, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("querying rotation candidates: %w", err)
	}

	type candidate struct {
		hubID  string
		serial string
	}
	var due []candidate
	for rows.Next() {
		var hubID, serial, activatedAt string
		var rotateEvery int
		if err := rows.Scan(&hubID, &serial, &rotateEvery, &activatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning rotation candidate: %w", err)
		}
		at, _ := time.Parse(time.RFC3339, activatedAt) //nolint:errcheck // format is controlled
		if !now.Before(at.Add(time.Duration(rotateEvery) * time.Minute)) {
			due = append(due, candidate{hubID: hubID, serial: serial})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating rotation candidates: %w", err)
	}
	rows.Close()

	rotated := 0
	for _, c := range due {
		if _, _, err := l.Rotate(ctx, c.hubID); err != nil {
			l.logger.Error("scheduled rotation failed", "hub_id", c.hubID, "error", err)
			continue
		}
		l.logger.Info("rotated hub token", "hub_id", c.hubID, "serial", c.serial)
		rotated++
	}
	return rotated, nil
}

// insertPending inserts a new pending token row inside a transaction.
func (l *Ledger) insertPending(ctx context.Context, tx *sql.Tx, hubID string, version int, raw string) (*Token, error) {
	enc, err := l.vault.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypting token: %w", err)
	}

	now := l.now().UTC()
	tok := &Token{
		ID:        "htk-" + uuid.NewString()[:16],
		HubID:     hubID,
		Version:   version,
		Status:    StatusPending,
		TokenHash: vault.LookupHash(raw),
		TokenEnc:  enc,
		CreatedAt: now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO hub_tokens (id, hub_id, version, status, token_hash, token_enc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.HubID, tok.Version, tok.Status, tok.TokenHash, tok.TokenEnc,
		now.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("inserting token version: %w", err)
	}

	return tok, nil
}

// getByStatus returns the newest token row with the given status, or nil.
func (l *Ledger) getByStatus(ctx context.Context, hubID string, status TokenStatus) (*Token, error) {
	var t Token
	var activatedAt, retiringAt, revokedAt sql.NullString
	var createdAt string

	err := l.db.QueryRowContext(ctx,
		`SELECT id, hub_id, version, status, token_hash, token_enc,
		        created_at, activated_at, retiring_at, revoked_at
		 FROM hub_tokens WHERE hub_id = ? AND status = ?
		 ORDER BY version DESC LIMIT 1`,
		hubID, status,
	).Scan(&t.ID, &t.HubID, &t.Version, &t.Status, &t.TokenHash, &t.TokenEnc,
		&createdAt, &activatedAt, &retiringAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting token by status: %w", err)
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	t.ActivatedAt = parseNullTime(activatedAt)
	t.RetiringAt = parseNullTime(retiringAt)
	t.RevokedAt = parseNullTime(revokedAt)
	return &t, nil
}

// announce publishes a best-effort rotation notice after commit.
func (l *Ledger) announce(ctx context.Context, hubID string, latestVersion int) {
	if l.announcer == nil {
		return
	}

	var serial string
	var published int
	err := l.db.QueryRowContext(ctx,
		"SELECT serial, published_token_version FROM hubs WHERE id = ?", hubID,
	).Scan(&serial, &published)
	if err != nil {
		l.logger.Warn("skipping rotation announcement", "hub_id", hubID, "error", err)
		return
	}

	if err := l.announcer.AnnounceRotation(serial, published, latestVersion); err != nil {
		l.logger.Warn("rotation announcement failed", "serial", serial, "error", err)
	}
}

// withRetry runs fn, retrying a bounded number of times when the SQLite
// writer is busy. Sentinel errors pass through untouched.
func (l *Ledger) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

// isBusy checks if an error is a SQLite lock contention error.
func isBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked"))
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, _ := time.Parse(time.RFC3339, s.String) //nolint:errcheck // format is controlled
	return &t
}

// generateSecret returns a 256-bit random secret as hex.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgrid/hearth-core/internal/vault"
)

// Credential is metadata for one stored secret. The ciphertext and
// lookup hash stay internal; Reveal is the only path back to plaintext.
type Credential struct {
	ID         string    `json:"id"`
	HubID      string    `json:"hub_id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	SecretEnc  string    `json:"-"`
	LookupHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Sentinel errors for credential operations.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrDuplicateSecret    = errors.New("identical secret already stored for this hub")
)

// Store holds third-party integration secrets on behalf of hubs,
// encrypted at rest. The lookup hash detects an operator pasting the
// same secret twice under different names without ever decrypting
// anything.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
}

// New creates a credential store.
func New(db *sql.DB, v *vault.Vault) *Store {
	return &Store{db: db, vault: v}
}

// Put stores or replaces the named credential for a hub.
func (s *Store) Put(ctx context.Context, hubID, name, kind, secret string) (*Credential, error) {
	enc, err := s.vault.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting credential: %w", err)
	}
	hash := vault.LookupHash(secret)
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx,
		`UPDATE hub_credentials SET kind = ?, secret_enc = ?, lookup_hash = ?, updated_at = ?
		 WHERE hub_id = ? AND name = ?`,
		kind, enc, hash, now, hubID, name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateSecret
		}
		return nil, fmt.Errorf("updating credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO hub_credentials (id, hub_id, name, kind, secret_enc, lookup_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			"crd-"+uuid.NewString()[:16], hubID, name, kind, enc, hash, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicateSecret
			}
			return nil, fmt.Errorf("inserting credential: %w", err)
		}
	}

	return s.Get(ctx, hubID, name)
}

// Get returns credential metadata without decrypting anything.
func (s *Store) Get(ctx context.Context, hubID, name string) (*Credential, error) {
	var c Credential
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, hub_id, name, kind, secret_enc, lookup_hash, created_at, updated_at
		 FROM hub_credentials WHERE hub_id = ? AND name = ?`, hubID, name,
	).Scan(&c.ID, &c.HubID, &c.Name, &c.Kind, &c.SecretEnc, &c.LookupHash, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}

	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &c, nil
}

// Reveal decrypts the named credential. Callers gate this behind a
// step-up lease; the store itself just decrypts.
func (s *Store) Reveal(ctx context.Context, hubID, name string) (string, error) {
	c, err := s.Get(ctx, hubID, name)
	if err != nil {
		return "", err
	}
	secret, err := s.vault.Decrypt(c.SecretEnc)
	if err != nil {
		return "", fmt.Errorf("decrypting credential %s: %w", c.ID, err)
	}
	return secret, nil
}

// List returns metadata for all of a hub's credentials, sorted by name.
func (s *Store) List(ctx context.Context, hubID string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hub_id, name, kind, secret_enc, lookup_hash, created_at, updated_at
		 FROM hub_credentials WHERE hub_id = ? ORDER BY name`, hubID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.HubID, &c.Name, &c.Kind, &c.SecretEnc, &c.LookupHash,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

// Delete removes the named credential.
func (s *Store) Delete(ctx context.Context, hubID, name string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM hub_credentials WHERE hub_id = ? AND name = ?", hubID, name)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

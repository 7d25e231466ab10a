package hub

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/config"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/vault"
)

// testDB creates a temporary SQLite database with the hub schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "hub-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE hubs (
			id TEXT PRIMARY KEY,
			serial TEXT NOT NULL UNIQUE,
			bootstrap_secret_enc TEXT NOT NULL,
			sync_secret_enc TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			rotate_every_minutes INTEGER NOT NULL DEFAULT 1440,
			grace_minutes INTEGER NOT NULL DEFAULT 10,
			published_token_version INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE hub_tokens (
			id TEXT PRIMARY KEY,
			hub_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'active', 'retiring', 'revoked')),
			token_hash TEXT NOT NULL,
			token_enc TEXT NOT NULL,
			created_at TEXT NOT NULL,
			activated_at TEXT,
			retiring_at TEXT,
			revoked_at TEXT,
			UNIQUE (hub_id, version),
			FOREIGN KEY (hub_id) REFERENCES hubs(id) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE hub_pairing_nonces (
			serial TEXT NOT NULL,
			nonce TEXT NOT NULL,
			seen_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			PRIMARY KEY (serial, nonce)
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	return db
}

// testVault creates a vault with a fixed test key.
func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{0x42}, vault.KeyLength))
	if err != nil {
		t.Fatalf("creating vault: %v", err)
	}
	return v
}

// testLogger creates a logger that only emits errors.
func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

// seedHub inserts a hub row with an encrypted bootstrap secret and returns
// the install plus the plaintext secret.
func seedHub(t *testing.T, db *sql.DB, v *vault.Vault, serial string) (*Install, string) {
	t.Helper()

	secret := "bootstrap-secret-" + serial
	enc, err := v.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypting bootstrap secret: %v", err)
	}

	repo := NewRepository(db)
	install := &Install{
		Serial:             serial,
		BootstrapSecretEnc: enc,
		IsActive:           true,
		RotateEveryMinutes: 1440,
		GraceMinutes:       10,
	}
	if err := repo.Create(context.Background(), install); err != nil {
		t.Fatalf("creating hub: %v", err)
	}
	return install, secret
}

// activeToken seeds and acknowledges an initial token, returning the raw
// plaintext now accepted as the active version.
func activeToken(t *testing.T, ledger *Ledger, hubID string) string {
	t.Helper()

	tok, raw, err := ledger.SeedInitialToken(context.Background(), hubID)
	if err != nil {
		t.Fatalf("seeding token: %v", err)
	}
	if err := ledger.Acknowledge(context.Background(), hubID, tok.Version); err != nil {
		t.Fatalf("acknowledging token: %v", err)
	}
	return raw
}

// fixedClock pins a service's notion of now.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

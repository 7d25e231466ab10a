package stepup

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/config"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/trust"
)

const (
	testChallengeTTL = 30 * time.Minute
	testLeaseTTL     = 10 * time.Minute
)

// testDB creates a temporary SQLite database with the step-up schema.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "stepup-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=OFF")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE trusted_devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			session_version INTEGER NOT NULL DEFAULT 1,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			revoked_at TEXT,
			UNIQUE (user_id, device_id)
		) STRICT;

		CREATE TABLE auth_challenges (
			id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			purpose TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			email TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			approved_at TEXT,
			consumed_at TEXT
		) STRICT;

		CREATE TABLE step_up_leases (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			revoked_at TEXT
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

// recordingMailer captures outbound mail and extracts the link token.
type recordingMailer struct {
	to        string
	subject   string
	body      string
	lastToken string
	sent      int
}

func (m *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	m.sent++

	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "http") {
			continue
		}
		if u, err := url.Parse(strings.TrimSpace(line)); err == nil {
			m.lastToken = u.Query().Get("token")
		}
	}
	return nil
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

// testFlow wires a challenge flow over a fresh database.
func testFlow(t *testing.T) (*ChallengeFlow, *LeaseManager, trust.Registry, *recordingMailer) {
	t.Helper()

	db := testDB(t)
	registry := trust.NewRegistry(db)
	leases := NewLeaseManager(db, testLeaseTTL)
	mailer := &recordingMailer{}
	flow := NewChallengeFlow(db, registry, leases, mailer, testLogger(),
		"https://hearth.example", testChallengeTTL)
	return flow, leases, registry, mailer
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

package hub

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/hearthgrid/hearth-core/internal/vault"
)

const testSkew = 5 * time.Minute

func testHandshake(t *testing.T) (*Handshake, *Install, string, *sql.DB) {
	t.Helper()

	db := testDB(t)
	v := testVault(t)
	install, secret := seedHub(t, db, v, "HUB-PAIR-01")
	ledger := NewLedger(db, v, testLogger())
	hs := NewHandshake(NewRepository(db), ledger, v, testLogger(), testSkew)
	return hs, install, secret, db
}

// signedRequest builds a fresh, correctly signed pairing request.
func signedRequest(secret, serial, nonce string) *PairingRequest {
	ts := time.Now().Unix()
	return &PairingRequest{
		Serial: serial,
		TS:     ts,
		Nonce:  nonce,
		Sig:    Sign(secret, serial, ts, nonce),
	}
}

func TestPairFirstContact(t *testing.T) {
	hs, install, secret, _ := testHandshake(t)

	result, err := hs.Pair(context.Background(), signedRequest(secret, install.Serial, "nonce-first"))
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if result.SyncSecret == "" {
		t.Error("expected a sync secret")
	}
	if result.PublishedVersion != 0 {
		t.Errorf("published version = %d, want 0 before acknowledgement", result.PublishedVersion)
	}
	if result.LatestVersion != 1 {
		t.Errorf("latest version = %d, want 1 after seeding", result.LatestVersion)
	}
	if result.PendingToken == "" || result.PendingVersion != 1 {
		t.Errorf("expected pending token v1 for delivery, got version %d", result.PendingVersion)
	}
	if len(result.TokenHashes) != 0 {
		t.Errorf("accepted hashes = %d, want 0 before acknowledgement", len(result.TokenHashes))
	}
}

func TestPairIsStableAcrossCalls(t *testing.T) {
	hs, install, secret, _ := testHandshake(t)

	first, err := hs.Pair(context.Background(), signedRequest(secret, install.Serial, "nonce-a"))
	if err != nil {
		t.Fatalf("first Pair: %v", err)
	}

	// Hub stores the token and acknowledges out of band.
	if err := hs.ledger.Acknowledge(context.Background(), install.ID, first.PendingVersion); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	second, err := hs.Pair(context.Background(), signedRequest(secret, install.Serial, "nonce-b"))
	if err != nil {
		t.Fatalf("second Pair: %v", err)
	}

	if second.SyncSecret != first.SyncSecret {
		t.Error("sync secret changed between pairings")
	}
	if second.PublishedVersion != 1 || second.LatestVersion != 1 {
		t.Errorf("versions = (%d, %d), want (1, 1)", second.PublishedVersion, second.LatestVersion)
	}
	if second.PendingToken != "" {
		t.Error("no pending token should be delivered after acknowledgement")
	}
	if len(second.TokenHashes) != 1 {
		t.Errorf("accepted hashes = %d, want 1", len(second.TokenHashes))
	}
	if second.TokenHashes[0] != vault.LookupHash(first.PendingToken) {
		t.Error("accepted hash does not match the delivered token")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	hs, install, secret, db := testHandshake(t)

	req := signedRequest(secret, install.Serial, "nonce-replay")
	if _, err := hs.Verify(context.Background(), req); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	// Identical request again: caught by the in-memory pre-filter.
	if _, err := hs.Verify(context.Background(), req); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("replay: got %v, want ErrReplayDetected", err)
	}

	// A fresh process (new cache, same database) must still refuse.
	restarted := NewHandshake(NewRepository(db), hs.ledger, hs.vault, testLogger(), testSkew)
	if _, err := restarted.Verify(context.Background(), req); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("replay after restart: got %v, want ErrReplayDetected", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	hs, install, secret, _ := testHandshake(t)

	for _, offset := range []time.Duration{-testSkew - time.Minute, testSkew + time.Minute} {
		ts := time.Now().Add(offset).Unix()
		req := &PairingRequest{
			Serial: install.Serial,
			TS:     ts,
			Nonce:  "nonce-stale",
			Sig:    Sign(secret, install.Serial, ts, "nonce-stale"),
		}
		if _, err := hs.Verify(context.Background(), req); !errors.Is(err, ErrStaleTimestamp) {
			t.Errorf("offset %v: got %v, want ErrStaleTimestamp", offset, err)
		}
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	hs, install, secret, _ := testHandshake(t)

	req := signedRequest("wrong-secret", install.Serial, "nonce-sig")
	if _, err := hs.Verify(context.Background(), req); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("bad signature: got %v, want ErrInvalidSignature", err)
	}

	// The failed attempt must not have burned the nonce.
	if _, err := hs.Verify(context.Background(), signedRequest(secret, install.Serial, "nonce-sig")); err != nil {
		t.Errorf("valid retry with same nonce: %v", err)
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	hs, install, secret, _ := testHandshake(t)

	// Signature from one request, fields from another.
	good := signedRequest(secret, install.Serial, "nonce-orig")
	tampered := &PairingRequest{
		Serial: good.Serial,
		TS:     good.TS,
		Nonce:  "nonce-swapped",
		Sig:    good.Sig,
	}
	if _, err := hs.Verify(context.Background(), tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered nonce: got %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsUnknownAndInactive(t *testing.T) {
	hs, install, secret, db := testHandshake(t)

	if _, err := hs.Verify(context.Background(), signedRequest(secret, "HUB-GHOST-99", "n1")); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("unknown serial: got %v, want ErrHubNotFound", err)
	}
	if _, err := hs.Verify(context.Background(), &PairingRequest{Serial: "bad serial!", TS: time.Now().Unix(), Nonce: "n"}); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("malformed serial: got %v, want ErrHubNotFound", err)
	}

	if err := NewRepository(db).Deactivate(context.Background(), install.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := hs.Verify(context.Background(), signedRequest(secret, install.Serial, "n2")); !errors.Is(err, ErrHubInactive) {
		t.Errorf("inactive hub: got %v, want ErrHubInactive", err)
	}
}

func TestPruneNonces(t *testing.T) {
	hs, install, secret, _ := testHandshake(t)

	if _, err := hs.Verify(context.Background(), signedRequest(secret, install.Serial, "nonce-prune")); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Retention has not elapsed yet.
	n, err := hs.PruneNonces(context.Background())
	if err != nil {
		t.Fatalf("PruneNonces: %v", err)
	}
	if n != 0 {
		t.Errorf("pruned %d live nonces, want 0", n)
	}

	hs.now = fixedClock(time.Now().Add(2*testSkew + time.Minute))
	n, err = hs.PruneNonces(context.Background())
	if err != nil {
		t.Fatalf("PruneNonces past retention: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d expired nonces, want 1", n)
	}
}

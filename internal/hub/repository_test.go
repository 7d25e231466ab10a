package hub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAndGetHub(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)

	install := &Install{
		Serial:             "HUB-REPO-01",
		BootstrapSecretEnc: "enc-blob",
		IsActive:           true,
		RotateEveryMinutes: 1440,
		GraceMinutes:       10,
	}
	if err := repo.Create(context.Background(), install); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if install.ID == "" {
		t.Fatal("expected generated ID")
	}

	bySerial, err := repo.GetBySerial(context.Background(), "HUB-REPO-01")
	if err != nil {
		t.Fatalf("GetBySerial: %v", err)
	}
	if bySerial.ID != install.ID || !bySerial.IsActive || bySerial.GraceMinutes != 10 {
		t.Errorf("unexpected install: %+v", bySerial)
	}
	if bySerial.LastSeenAt != nil {
		t.Error("expected nil last seen on a never-paired hub")
	}

	byID, err := repo.GetByID(context.Background(), install.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Serial != "HUB-REPO-01" {
		t.Errorf("serial = %q", byID.Serial)
	}
}

func TestCreateDuplicateSerial(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)

	a := &Install{Serial: "HUB-DUP-01", BootstrapSecretEnc: "x", IsActive: true, RotateEveryMinutes: 1440, GraceMinutes: 10}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	b := &Install{Serial: "HUB-DUP-01", BootstrapSecretEnc: "y", IsActive: true, RotateEveryMinutes: 1440, GraceMinutes: 10}
	if err := repo.Create(context.Background(), b); !errors.Is(err, ErrSerialExists) {
		t.Errorf("duplicate serial: got %v, want ErrSerialExists", err)
	}
}

func TestGetMissingHub(t *testing.T) {
	repo := NewRepository(testDB(t))

	if _, err := repo.GetBySerial(context.Background(), "HUB-NONE-01"); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("GetBySerial: got %v, want ErrHubNotFound", err)
	}
	if _, err := repo.GetByID(context.Background(), "hub-none"); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("GetByID: got %v, want ErrHubNotFound", err)
	}
	if err := repo.Deactivate(context.Background(), "hub-none"); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("Deactivate: got %v, want ErrHubNotFound", err)
	}
	if err := repo.SetSyncSecret(context.Background(), "hub-none", "enc"); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("SetSyncSecret: got %v, want ErrHubNotFound", err)
	}
}

func TestUpdateHubState(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)

	install := &Install{Serial: "HUB-UPD-01", BootstrapSecretEnc: "x", IsActive: true, RotateEveryMinutes: 1440, GraceMinutes: 10}
	if err := repo.Create(context.Background(), install); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.SetSyncSecret(context.Background(), install.ID, "sync-enc"); err != nil {
		t.Fatalf("SetSyncSecret: %v", err)
	}
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.TouchLastSeen(context.Background(), install.ID, seen); err != nil {
		t.Fatalf("TouchLastSeen: %v", err)
	}
	if err := repo.Deactivate(context.Background(), install.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	got, err := repo.GetByID(context.Background(), install.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.SyncSecretEnc != "sync-enc" {
		t.Errorf("sync secret = %q", got.SyncSecretEnc)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("last seen = %v, want %v", got.LastSeenAt, seen)
	}
	if got.IsActive {
		t.Error("expected hub to be inactive")
	}
}

func TestListHubs(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)

	for _, serial := range []string{"HUB-LIST-01", "HUB-LIST-02"} {
		h := &Install{Serial: serial, BootstrapSecretEnc: "x", IsActive: true, RotateEveryMinutes: 1440, GraceMinutes: 10}
		if err := repo.Create(context.Background(), h); err != nil {
			t.Fatalf("Create(%s): %v", serial, err)
		}
	}

	installs, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(installs) != 2 {
		t.Errorf("listed %d hubs, want 2", len(installs))
	}
}

func TestNonceLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewRepository(db)

	now := time.Now()
	expires := now.Add(10 * time.Minute)

	if err := repo.RecordNonce(context.Background(), "HUB-N-01", "nonce-1", now, expires); err != nil {
		t.Fatalf("RecordNonce: %v", err)
	}

	seen, err := repo.NonceSeen(context.Background(), "HUB-N-01", "nonce-1")
	if err != nil {
		t.Fatalf("NonceSeen: %v", err)
	}
	if !seen {
		t.Error("recorded nonce not reported as seen")
	}

	// Same nonce for a different serial is a different key.
	seen, err = repo.NonceSeen(context.Background(), "HUB-N-02", "nonce-1")
	if err != nil {
		t.Fatalf("NonceSeen other serial: %v", err)
	}
	if seen {
		t.Error("nonce leaked across serials")
	}

	if err := repo.RecordNonce(context.Background(), "HUB-N-01", "nonce-1", now, expires); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("duplicate nonce: got %v, want ErrReplayDetected", err)
	}

	n, err := repo.DeleteExpiredNonces(context.Background(), expires.Add(time.Second))
	if err != nil {
		t.Fatalf("DeleteExpiredNonces: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d nonces, want 1", n)
	}
}

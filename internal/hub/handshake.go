package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/vault"
)

// Handshake verifies signed pairing requests from hubs and runs the full
// bootstrap exchange: sync secret issue, initial token seed, and pending
// token re-delivery.
type Handshake struct {
	repo   Repository
	ledger *Ledger
	vault  *vault.Vault
	cache  *NonceCache
	logger *logging.Logger
	skew   time.Duration

	now func() time.Time
}

// NewHandshake creates a handshake verifier. skew bounds how far a hub's
// clock may drift in either direction; it also sets nonce retention, since
// a request outside the skew band is rejected as stale regardless.
func NewHandshake(repo Repository, ledger *Ledger, v *vault.Vault, logger *logging.Logger, skew time.Duration) *Handshake {
	return &Handshake{
		repo:   repo,
		ledger: ledger,
		vault:  v,
		cache:  NewNonceCache(2 * skew),
		logger: logger,
		skew:   skew,
		now:    time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 pairing signature over serial|ts|nonce.
// Hub firmware computes the same value with its provisioned bootstrap secret.
func Sign(secret, serial string, ts int64, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d|%s", serial, ts, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify authenticates a pairing request and returns the hub install.
//
// Checks run in a fixed order: timestamp freshness, then replay, then
// signature. Replay detection deliberately precedes signature verification
// so a captured request fails identically whether or not its signature
// would still verify. A nonce is only recorded once the signature is good,
// so unauthenticated traffic cannot poison the nonce table.
func (hs *Handshake) Verify(ctx context.Context, req *PairingRequest) (*Install, error) {
	if !IsValidSerial(req.Serial) || req.Nonce == "" {
		return nil, ErrHubNotFound
	}

	now := hs.now().UTC()
	sent := time.Unix(req.TS, 0).UTC()
	if sent.Before(now.Add(-hs.skew)) || sent.After(now.Add(hs.skew)) {
		return nil, ErrStaleTimestamp
	}

	if hs.cache.Seen(req.Serial, req.Nonce) {
		return nil, ErrReplayDetected
	}
	seen, err := hs.repo.NonceSeen(ctx, req.Serial, req.Nonce)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrReplayDetected
	}

	install, err := hs.repo.GetBySerial(ctx, req.Serial)
	if err != nil {
		return nil, err
	}
	if !install.IsActive {
		return nil, ErrHubInactive
	}

	secret, err := hs.vault.Decrypt(install.BootstrapSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("recovering bootstrap secret: %w", err)
	}

	want, err := hex.DecodeString(Sign(secret, req.Serial, req.TS, req.Nonce))
	if err != nil {
		return nil, fmt.Errorf("encoding expected signature: %w", err)
	}
	got, err := hex.DecodeString(req.Sig)
	if err != nil || !hmac.Equal(want, got) {
		return nil, ErrInvalidSignature
	}

	// Two concurrent copies of the same request can both reach this point;
	// the unique constraint lets exactly one record the nonce. The loser
	// surfaces as a replay.
	if err := hs.repo.RecordNonce(ctx, req.Serial, req.Nonce, now, now.Add(2*hs.skew)); err != nil {
		return nil, err
	}
	hs.cache.Record(req.Serial, req.Nonce)

	return install, nil
}

// Pair runs the full handshake: verifies the request, lazily mints the
// hub's sync secret and initial token version, and returns everything the
// hub needs to resume operation, including re-delivery of any pending
// token it has not yet acknowledged.
func (hs *Handshake) Pair(ctx context.Context, req *PairingRequest) (*PairingResult, error) {
	install, err := hs.Verify(ctx, req)
	if err != nil {
		return nil, err
	}

	syncSecret, err := hs.ensureSyncSecret(ctx, install)
	if err != nil {
		return nil, err
	}

	latest, err := hs.ledger.LatestVersion(ctx, install.ID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		tok, _, err := hs.ledger.SeedInitialToken(ctx, install.ID)
		if err != nil && !errors.Is(err, ErrAlreadySeeded) {
			return nil, err
		}
		if tok != nil {
			latest = tok.Version
			hs.logger.Info("seeded initial hub token", "serial", install.Serial)
		}
	}

	hashes, err := hs.ledger.AcceptedHashes(ctx, install)
	if err != nil {
		return nil, err
	}

	result := &PairingResult{
		SyncSecret:       syncSecret,
		PublishedVersion: install.PublishedVersion,
		LatestVersion:    latest,
		TokenHashes:      hashes,
	}

	if pending, raw, err := hs.ledger.PendingToken(ctx, install.ID); err != nil {
		return nil, err
	} else if pending != nil {
		result.PendingToken = raw
		result.PendingVersion = pending.Version
	}

	if err := hs.repo.TouchLastSeen(ctx, install.ID, hs.now()); err != nil {
		return nil, err
	}

	hs.logger.Info("hub paired", "serial", install.Serial,
		"published_version", result.PublishedVersion, "latest_version", result.LatestVersion)

	return result, nil
}

// PruneNonces removes durable nonces past their retention window.
func (hs *Handshake) PruneNonces(ctx context.Context) (int64, error) {
	return hs.repo.DeleteExpiredNonces(ctx, hs.now())
}

// ensureSyncSecret returns the hub's sync secret plaintext, minting and
// persisting one on first pairing.
func (hs *Handshake) ensureSyncSecret(ctx context.Context, install *Install) (string, error) {
	if install.SyncSecretEnc != "" {
		secret, err := hs.vault.Decrypt(install.SyncSecretEnc)
		if err != nil {
			return "", fmt.Errorf("recovering sync secret: %w", err)
		}
		return secret, nil
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	enc, err := hs.vault.Encrypt(secret)
	if err != nil {
		return "", fmt.Errorf("encrypting sync secret: %w", err)
	}
	if err := hs.repo.SetSyncSecret(ctx, install.ID, enc); err != nil {
		return "", err
	}
	install.SyncSecretEnc = enc

	return secret, nil
}

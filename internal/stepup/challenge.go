package stepup

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/trust"
	"github.com/hearthgrid/hearth-core/internal/vault"
)

// challengeTokenBytes is the entropy of emailed link tokens.
const challengeTokenBytes = 32

// Notifier receives challenge status transitions, e.g. to push them to a
// device waiting on a websocket. Calls are made after the transition is
// durable.
type Notifier func(challengeID string, status ChallengeStatus)

// ChallengeFlow runs the out-of-band approval loop: create a challenge,
// email its link, approve on click, and hand out trust plus a lease when
// the requesting device consumes the approval.
type ChallengeFlow struct {
	db       *sql.DB
	registry trust.Registry
	leases   *LeaseManager
	mailer   Mailer
	logger   *logging.Logger
	baseURL  string
	ttl      time.Duration
	cooldown time.Duration
	notify   Notifier

	now func() time.Time
}

// NewChallengeFlow creates a challenge flow. baseURL is the externally
// reachable prefix embedded in emailed links.
func NewChallengeFlow(db *sql.DB, registry trust.Registry, leases *LeaseManager,
	mailer Mailer, logger *logging.Logger, baseURL string, ttl time.Duration) *ChallengeFlow {
	return &ChallengeFlow{
		db:       db,
		registry: registry,
		leases:   leases,
		mailer:   mailer,
		logger:   logger,
		baseURL:  baseURL,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetNotifier wires an optional status-change listener.
func (f *ChallengeFlow) SetNotifier(n Notifier) {
	f.notify = n
}

// SetResendCooldown sets the minimum gap between challenge emails for
// the same (user, device, purpose) scope. Zero disables throttling.
func (f *ChallengeFlow) SetResendCooldown(d time.Duration) {
	f.cooldown = d
}

// Create opens a challenge for the scope and emails its approval link.
// Any pending challenge for the same (user, device, purpose) is expired
// first, so a resend leaves exactly one live link.
//
// The raw link token goes only into the email; callers poll by ID.
func (f *ChallengeFlow) Create(ctx context.Context, userID, deviceID, email string, purpose Purpose) (*Challenge, error) {
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}

	b := make([]byte, challengeTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating challenge token: %w", err)
	}
	raw := hex.EncodeToString(b)

	now := f.now().UTC()
	ch := &Challenge{
		ID:        "chl-" + uuid.NewString()[:16],
		TokenHash: vault.LookupHash(raw),
		Purpose:   purpose,
		UserID:    userID,
		DeviceID:  deviceID,
		Email:     email,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(f.ttl),
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning challenge transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if f.cooldown > 0 {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM auth_challenges
			 WHERE user_id = ? AND device_id = ? AND purpose = ? AND status = ? AND created_at > ?`,
			userID, deviceID, purpose, StatusPending,
			now.Add(-f.cooldown).Format(time.RFC3339)).Scan(&n); err != nil {
			return nil, fmt.Errorf("checking resend cooldown: %w", err)
		}
		if n > 0 {
			return nil, ErrResendThrottled
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE auth_challenges SET status = ?
		 WHERE user_id = ? AND device_id = ? AND purpose = ? AND status = ?`,
		StatusExpired, userID, deviceID, purpose, StatusPending); err != nil {
		return nil, fmt.Errorf("superseding pending challenge: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO auth_challenges (id, token_hash, purpose, user_id, device_id, email, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.TokenHash, ch.Purpose, ch.UserID, ch.DeviceID, ch.Email, ch.Status,
		now.Format(time.RFC3339), ch.ExpiresAt.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("inserting challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing challenge: %w", err)
	}

	link := fmt.Sprintf("%s/auth/verify?token=%s", f.baseURL, raw)
	if err := f.mailer.Send(ctx, email, subjectFor(purpose), mailBody(purpose, link)); err != nil {
		// The challenge stands; the user can ask for a resend.
		f.logger.Error("challenge mail delivery failed", "challenge_id", ch.ID, "error", err)
	}

	f.logger.Info("challenge created", "challenge_id", ch.ID, "purpose", purpose)
	return ch, nil
}

// Get retrieves a challenge by ID, lazily expiring it if its TTL has
// passed without consumption.
func (f *ChallengeFlow) Get(ctx context.Context, id string) (*Challenge, error) {
	ch, err := f.getBy(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	return f.lazyExpire(ctx, ch)
}

// GetByToken looks up the challenge behind a raw link token without
// changing it. Mail gateways prefetch links, so the read side of
// verification must be free of side effects; a passed TTL is reported
// as expired but not written back.
func (f *ChallengeFlow) GetByToken(ctx context.Context, rawToken string) (*Challenge, error) {
	ch, err := f.getBy(ctx, "token_hash", vault.LookupHash(rawToken))
	if err != nil {
		return nil, err
	}
	if (ch.Status == StatusPending || ch.Status == StatusApproved) && !f.now().UTC().Before(ch.ExpiresAt) {
		ch.Status = StatusExpired
	}
	return ch, nil
}

// Approve handles a confirmed email link. Approval alone grants nothing;
// the requesting device still has to consume the challenge. A second
// click on an already-approved link is harmless.
func (f *ChallengeFlow) Approve(ctx context.Context, rawToken string) (*Challenge, error) {
	ch, err := f.getBy(ctx, "token_hash", vault.LookupHash(rawToken))
	if err != nil {
		return nil, err
	}
	if ch, err = f.lazyExpire(ctx, ch); err != nil {
		return nil, err
	}

	switch ch.Status {
	case StatusApproved:
		return ch, nil
	case StatusConsumed:
		return nil, ErrChallengeConsumed
	case StatusExpired:
		return nil, ErrChallengeExpired
	}

	now := f.now().UTC()
	res, err := f.db.ExecContext(ctx,
		"UPDATE auth_challenges SET status = ?, approved_at = ? WHERE id = ? AND status = ?",
		StatusApproved, now.Format(time.RFC3339), ch.ID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("approving challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
		return nil, ErrChallengeConsumed
	}

	ch.Status = StatusApproved
	ch.ApprovedAt = &now

	f.logger.Info("challenge approved", "challenge_id", ch.ID, "purpose", ch.Purpose)
	if f.notify != nil {
		f.notify(ch.ID, StatusApproved)
	}
	return ch, nil
}

// Consume lets the requesting device collect an approved challenge. This
// is the single point where privilege changes hands: the device is marked
// trusted (for device-trust challenges) and a lease for the challenge's
// scope is issued. The raw lease token is returned exactly once.
func (f *ChallengeFlow) Consume(ctx context.Context, id, userID, deviceID string) (*Lease, string, error) {
	ch, err := f.getBy(ctx, "id", id)
	if err != nil {
		return nil, "", err
	}
	if ch.UserID != userID {
		return nil, "", ErrChallengeNotFound
	}
	if ch.DeviceID != deviceID {
		return nil, "", ErrDeviceMismatch
	}
	if ch, err = f.lazyExpire(ctx, ch); err != nil {
		return nil, "", err
	}

	switch ch.Status {
	case StatusPending:
		return nil, "", ErrChallengeNotApproved
	case StatusConsumed:
		return nil, "", ErrChallengeConsumed
	case StatusExpired:
		return nil, "", ErrChallengeExpired
	}

	// Guarded update makes consumption single-use under concurrency.
	now := f.now().UTC()
	res, err := f.db.ExecContext(ctx,
		"UPDATE auth_challenges SET status = ?, consumed_at = ? WHERE id = ? AND status = ?",
		StatusConsumed, now.Format(time.RFC3339), ch.ID, StatusApproved)
	if err != nil {
		return nil, "", fmt.Errorf("consuming challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
		return nil, "", ErrChallengeConsumed
	}

	if ch.Purpose == PurposeDeviceTrust {
		if _, err := f.registry.Trust(ctx, userID, deviceID, ""); err != nil {
			return nil, "", fmt.Errorf("trusting device: %w", err)
		}
	}

	lease, raw, err := f.leases.Issue(ctx, userID, deviceID, ch.Purpose, 0)
	if err != nil {
		return nil, "", err
	}

	f.logger.Info("challenge consumed", "challenge_id", ch.ID, "purpose", ch.Purpose)
	if f.notify != nil {
		f.notify(ch.ID, StatusConsumed)
	}
	return lease, raw, nil
}

// SweepExpired marks timed-out pending and approved challenges as
// expired. Run periodically; Get also expires lazily, so the sweep only
// keeps the table honest for rows nobody polls.
func (f *ChallengeFlow) SweepExpired(ctx context.Context) (int64, error) {
	res, err := f.db.ExecContext(ctx,
		"UPDATE auth_challenges SET status = ? WHERE status IN (?, ?) AND expires_at <= ?",
		StatusExpired, StatusPending, StatusApproved,
		f.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sweeping challenges: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
	return n, nil
}

// lazyExpire flips a timed-out challenge to expired before returning it.
func (f *ChallengeFlow) lazyExpire(ctx context.Context, ch *Challenge) (*Challenge, error) {
	if ch.Status != StatusPending && ch.Status != StatusApproved {
		return ch, nil
	}
	if f.now().UTC().Before(ch.ExpiresAt) {
		return ch, nil
	}

	if _, err := f.db.ExecContext(ctx,
		"UPDATE auth_challenges SET status = ? WHERE id = ? AND status IN (?, ?)",
		StatusExpired, ch.ID, StatusPending, StatusApproved); err != nil {
		return nil, fmt.Errorf("expiring challenge: %w", err)
	}
	ch.Status = StatusExpired
	return ch, nil
}

// getBy retrieves a challenge row by one of the unique columns.
func (f *ChallengeFlow) getBy(ctx context.Context, column, value string) (*Challenge, error) {
	var ch Challenge
	var approvedAt, consumedAt sql.NullString
	var createdAt, expiresAt string

	err := f.db.QueryRowContext(ctx,
		`SELECT id, token_hash, purpose, user_id, device_id, email, status,
		        created_at, expires_at, approved_at, consumed_at
		 FROM auth_challenges WHERE `+column+` = ?`, value,
	).Scan(&ch.ID, &ch.TokenHash, &ch.Purpose, &ch.UserID, &ch.DeviceID, &ch.Email, &ch.Status,
		&createdAt, &expiresAt, &approvedAt, &consumedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("getting challenge: %w", err)
	}

	ch.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	ch.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	if approvedAt.Valid {
		t, _ := time.Parse(time.RFC3339, approvedAt.String) //nolint:errcheck // format is controlled
		ch.ApprovedAt = &t
	}
	if consumedAt.Valid {
		t, _ := time.Parse(time.RFC3339, consumedAt.String) //nolint:errcheck // format is controlled
		ch.ConsumedAt = &t
	}
	return &ch, nil
}

func subjectFor(purpose Purpose) string {
	switch purpose {
	case PurposeDeviceTrust:
		return "Confirm new device"
	case PurposeRemoteAccess:
		return "Confirm remote access setup"
	case PurposeTwoFactor:
		return "Confirm two-factor enrolment"
	case PurposeEmailVerify:
		return "Verify your email address"
	default:
		return "Confirm action"
	}
}

func mailBody(purpose Purpose, link string) string {
	return fmt.Sprintf("A request (%s) needs your approval.\n\nIf this was you, open:\n%s\n\nIf not, ignore this message.", purpose, link)
}

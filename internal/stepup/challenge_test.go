package stepup

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChallengeHappyPath(t *testing.T) {
	flow, _, registry, mailer := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "owner@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ch.Status != StatusPending {
		t.Errorf("status = %s, want pending", ch.Status)
	}
	if mailer.sent != 1 || mailer.to != "owner@example.com" {
		t.Fatalf("mail not delivered: sent=%d to=%q", mailer.sent, mailer.to)
	}
	if mailer.lastToken == "" {
		t.Fatal("mail carries no link token")
	}

	// Click alone grants nothing.
	approved, err := flow.Approve(context.Background(), mailer.lastToken)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}
	trusted, err := registry.IsTrusted(context.Background(), "usr-1", "dev-a")
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if trusted {
		t.Error("device trusted before consumption")
	}

	// Consumption is where trust and the lease appear.
	lease, raw, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if raw == "" {
		t.Error("expected a raw lease token")
	}
	if lease.Purpose != PurposeDeviceTrust {
		t.Errorf("lease purpose = %s", lease.Purpose)
	}

	trusted, err = registry.IsTrusted(context.Background(), "usr-1", "dev-a")
	if err != nil {
		t.Fatalf("IsTrusted after consume: %v", err)
	}
	if !trusted {
		t.Error("device not trusted after consumption")
	}
}

func TestConsumeRequiresApproval(t *testing.T) {
	flow, _, _, _ := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeTwoFactor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); !errors.Is(err, ErrChallengeNotApproved) {
		t.Errorf("consume pending: got %v, want ErrChallengeNotApproved", err)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	flow, _, _, mailer := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeRemoteAccess)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); !errors.Is(err, ErrChallengeConsumed) {
		t.Errorf("second consume: got %v, want ErrChallengeConsumed", err)
	}
}

func TestConsumeBindsToDevice(t *testing.T) {
	flow, _, registry, mailer := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// An attacker's device cannot collect the approval.
	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-evil"); !errors.Is(err, ErrDeviceMismatch) {
		t.Errorf("wrong device: got %v, want ErrDeviceMismatch", err)
	}
	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-2", "dev-a"); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("wrong user: got %v, want ErrChallengeNotFound", err)
	}

	trusted, err := registry.IsTrusted(context.Background(), "usr-1", "dev-evil")
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if trusted {
		t.Error("attacker device gained trust")
	}

	// The legitimate device still can.
	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); err != nil {
		t.Errorf("legitimate consume after failed attempts: %v", err)
	}
}

func TestApproveIsIdempotentUntilConsumed(t *testing.T) {
	flow, _, _, mailer := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeEmailVerify)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	// Second click is harmless.
	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Errorf("second Approve: %v", err)
	}

	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	// After consumption the link is dead.
	if _, err := flow.Approve(context.Background(), mailer.lastToken); !errors.Is(err, ErrChallengeConsumed) {
		t.Errorf("approve after consume: got %v, want ErrChallengeConsumed", err)
	}
}

func TestApproveUnknownToken(t *testing.T) {
	flow, _, _, _ := testFlow(t)

	if _, err := flow.Approve(context.Background(), "no-such-token"); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("unknown token: got %v, want ErrChallengeNotFound", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	flow, _, _, mailer := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	flow.now = fixedClock(time.Now().Add(testChallengeTTL + time.Minute))

	if _, err := flow.Approve(context.Background(), mailer.lastToken); !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("approve expired: got %v, want ErrChallengeExpired", err)
	}
	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("consume expired: got %v, want ErrChallengeExpired", err)
	}

	got, err := flow.Get(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestResendSupersedes(t *testing.T) {
	flow, _, _, mailer := testFlow(t)

	first, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	firstToken := mailer.lastToken

	second, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}

	// Only the newest link works.
	if _, err := flow.Approve(context.Background(), firstToken); !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("superseded link: got %v, want ErrChallengeExpired", err)
	}
	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Errorf("fresh link: %v", err)
	}

	got, err := flow.Get(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("Get first: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("first challenge status = %s, want expired", got.Status)
	}
	if first.ID == second.ID {
		t.Error("resend reused the challenge ID")
	}
}

func TestNotifierReceivesTransitions(t *testing.T) {
	flow, _, _, mailer := testFlow(t)

	var events []ChallengeStatus
	flow.SetNotifier(func(_ string, status ChallengeStatus) {
		events = append(events, status)
	})

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, _, err := flow.Consume(context.Background(), ch.ID, "usr-1", "dev-a"); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if len(events) != 2 || events[0] != StatusApproved || events[1] != StatusConsumed {
		t.Errorf("events = %v, want [approved consumed]", events)
	}
}

func TestSweepExpired(t *testing.T) {
	flow, _, _, _ := testFlow(t)

	if _, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := flow.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("swept %d live challenges, want 0", n)
	}

	flow.now = fixedClock(time.Now().Add(testChallengeTTL + time.Minute))
	n, err = flow.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired past TTL: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d expired challenges, want 1", n)
	}
}

func TestCreateRejectsUnknownPurpose(t *testing.T) {
	flow, _, _, _ := testFlow(t)

	if _, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", Purpose("rule_the_world")); !errors.Is(err, ErrInvalidPurpose) {
		t.Errorf("unknown purpose: got %v, want ErrInvalidPurpose", err)
	}
}

func TestGetByTokenIsReadOnly(t *testing.T) {
	flow, _, _, mailer := testFlow(t)

	ch, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := flow.GetByToken(context.Background(), mailer.lastToken)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if got.ID != ch.ID {
		t.Errorf("looked up the wrong challenge: %s != %s", got.ID, ch.ID)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	// A passed TTL reads as expired without being written back.
	flow.now = fixedClock(time.Now().Add(testChallengeTTL + time.Minute))
	got, err = flow.GetByToken(context.Background(), mailer.lastToken)
	if err != nil {
		t.Fatalf("GetByToken past TTL: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status past TTL = %s, want expired", got.Status)
	}

	// The row itself is untouched: back in time, the link still approves.
	flow.now = time.Now
	if _, err := flow.Approve(context.Background(), mailer.lastToken); err != nil {
		t.Errorf("Approve after read-only lookups: %v", err)
	}

	if _, err := flow.GetByToken(context.Background(), "no-such-token"); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("unknown token: got %v, want ErrChallengeNotFound", err)
	}
}

func TestResendCooldownThrottles(t *testing.T) {
	flow, _, _, mailer := testFlow(t)
	flow.SetResendCooldown(time.Minute)

	if _, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust); !errors.Is(err, ErrResendThrottled) {
		t.Fatalf("second Create: got %v, want ErrResendThrottled", err)
	}
	if mailer.sent != 1 {
		t.Errorf("mails sent = %d, want 1", mailer.sent)
	}

	// Other scopes are unaffected.
	if _, err := flow.Create(context.Background(), "usr-1", "dev-b", "o@example.com", PurposeDeviceTrust); err != nil {
		t.Errorf("other device Create: %v", err)
	}
	if _, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeRemoteAccess); err != nil {
		t.Errorf("other purpose Create: %v", err)
	}

	// Once the cooldown has passed, a resend supersedes as usual.
	flow.now = fixedClock(time.Now().Add(2 * time.Minute))
	if _, err := flow.Create(context.Background(), "usr-1", "dev-a", "o@example.com", PurposeDeviceTrust); err != nil {
		t.Errorf("Create after cooldown: %v", err)
	}
}

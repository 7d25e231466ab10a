package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/hearthgrid/hearth-core/internal/hub"
	"github.com/hearthgrid/hearth-core/internal/operator"
)

// registerHub provisions a hub through the admin API and returns its ID
// and bootstrap secret.
func registerHub(t *testing.T, env *testEnv, adminToken, serial string) (string, string) {
	t.Helper()

	secret := "bootstrap-" + serial
	w := env.do(t, http.MethodPost, "/api/v1/hubs", adminToken, map[string]any{
		"serial":           serial,
		"bootstrap_secret": secret,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body: %s", w.Code, w.Body.String())
	}

	var install hub.Install
	if err := json.Unmarshal(w.Body.Bytes(), &install); err != nil {
		t.Fatalf("unmarshal install: %v", err)
	}
	return install.ID, secret
}

// signedRequest builds a valid pairing request body for the hub.
func signedRequest(secret, serial, nonce string) map[string]any {
	ts := time.Now().Unix()
	return map[string]any{
		"serial": serial,
		"ts":     ts,
		"nonce":  nonce,
		"sig":    hub.Sign(secret, serial, ts, nonce),
	}
}

func TestHubPairingLifecycle(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")

	_, secret := registerHub(t, env, adminToken, "HUB-LIFE-001")

	// First contact: sync secret minted, version 1 seeded pending.
	w := env.do(t, http.MethodPost, "/api/v1/hub/pair", "", signedRequest(secret, "HUB-LIFE-001", "nonce-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("pair status = %d, body: %s", w.Code, w.Body.String())
	}

	var result hub.PairingResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.SyncSecret == "" {
		t.Error("expected a sync secret")
	}
	if result.LatestVersion != 1 || result.PendingVersion != 1 || result.PendingToken == "" {
		t.Fatalf("expected pending version 1 with token, got %+v", result)
	}
	if len(result.TokenHashes) != 0 {
		t.Errorf("pending token must not be accepted yet, hashes = %v", result.TokenHashes)
	}

	// The pending token is refused until acknowledged.
	w = env.do(t, http.MethodPost, "/api/v1/hub/verify-token", "", map[string]any{
		"serial": "HUB-LIFE-001",
		"token":  result.PendingToken,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("verify before ack status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Acknowledge durable receipt.
	ack := signedRequest(secret, "HUB-LIFE-001", "nonce-2")
	ack["version"] = result.PendingVersion
	w = env.do(t, http.MethodPost, "/api/v1/hub/token-ack", "", ack)
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body: %s", w.Code, w.Body.String())
	}

	// Now the token authenticates.
	w = env.do(t, http.MethodPost, "/api/v1/hub/verify-token", "", map[string]any{
		"serial": "HUB-LIFE-001",
		"token":  result.PendingToken,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("verify after ack status = %d, body: %s", w.Code, w.Body.String())
	}
	var verify map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verify["valid"] != true || int(verify["version"].(float64)) != 1 {
		t.Errorf("verify = %v, want valid version 1", verify)
	}

	// A re-pair reports the published version and the accepted hash.
	w = env.do(t, http.MethodPost, "/api/v1/hub/pair", "", signedRequest(secret, "HUB-LIFE-001", "nonce-3"))
	if w.Code != http.StatusOK {
		t.Fatalf("re-pair status = %d, body: %s", w.Code, w.Body.String())
	}
	result = hub.PairingResult{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal re-pair: %v", err)
	}
	if result.PublishedVersion != 1 || len(result.TokenHashes) != 1 {
		t.Errorf("re-pair = %+v, want published 1 with one hash", result)
	}
	if result.PendingToken != "" {
		t.Errorf("no pending token expected after ack, got one")
	}
}

func TestPair_BadSignature(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")
	registerHub(t, env, adminToken, "HUB-SIG-001")

	req := signedRequest("wrong-secret", "HUB-SIG-001", "nonce-1")
	w := env.do(t, http.MethodPost, "/api/v1/hub/pair", "", req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestPair_Replay(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")
	_, secret := registerHub(t, env, adminToken, "HUB-RPL-001")

	req := signedRequest(secret, "HUB-RPL-001", "nonce-1")
	w := env.do(t, http.MethodPost, "/api/v1/hub/pair", "", req)
	if w.Code != http.StatusOK {
		t.Fatalf("first pair status = %d, body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/hub/pair", "", req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("replayed pair status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestPair_UnknownSerial(t *testing.T) {
	env := testServer(t)

	req := signedRequest("whatever", "HUB-GHOST-001", "nonce-1")
	w := env.do(t, http.MethodPost, "/api/v1/hub/pair", "", req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestTokenAck_UnknownVersion(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")
	_, secret := registerHub(t, env, adminToken, "HUB-ACK-001")

	w := env.do(t, http.MethodPost, "/api/v1/hub/pair", "", signedRequest(secret, "HUB-ACK-001", "nonce-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("pair status = %d", w.Code)
	}

	ack := signedRequest(secret, "HUB-ACK-001", "nonce-2")
	ack["version"] = 99
	w = env.do(t, http.MethodPost, "/api/v1/hub/token-ack", "", ack)
	if w.Code != http.StatusConflict {
		t.Errorf("ack unknown version status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestVerifyToken_UnknownSerial(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/hub/verify-token", "", map[string]any{
		"serial": "HUB-NOPE-001",
		"token":  "anything",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRegisterHub_DuplicateSerial(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")
	registerHub(t, env, adminToken, "HUB-DUP-001")

	w := env.do(t, http.MethodPost, "/api/v1/hubs", adminToken, map[string]any{
		"serial":           "HUB-DUP-001",
		"bootstrap_secret": "another",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestRegisterHub_InvalidSerial(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")

	w := env.do(t, http.MethodPost, "/api/v1/hubs", adminToken, map[string]any{
		"serial":           "lower case!",
		"bootstrap_secret": "secret",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeactivatedHubRejected(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")
	hubID, secret := registerHub(t, env, adminToken, "HUB-OFF-001")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/hubs/%s/deactivate", hubID), adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d, body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/hub/pair", "", signedRequest(secret, "HUB-OFF-001", "nonce-1"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("pair after deactivate status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestManualRotation(t *testing.T) {
	env := testServer(t)
	env.createUser(t, "admin", operator.RoleAdmin)
	adminToken := env.login(t, "admin", "laptop-1")
	hubID, secret := registerHub(t, env, adminToken, "HUB-ROT-001")

	// Seed and acknowledge version 1.
	w := env.do(t, http.MethodPost, "/api/v1/hub/pair", "", signedRequest(secret, "HUB-ROT-001", "nonce-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("pair status = %d", w.Code)
	}
	ack := signedRequest(secret, "HUB-ROT-001", "nonce-2")
	ack["version"] = 1
	if w = env.do(t, http.MethodPost, "/api/v1/hub/token-ack", "", ack); w.Code != http.StatusOK {
		t.Fatalf("ack status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/hubs/%s/rotate", hubID), adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(resp["version"].(float64)) != 2 {
		t.Errorf("rotated version = %v, want 2", resp["version"])
	}

	// The next pairing call carries version 2 for re-delivery.
	w = env.do(t, http.MethodPost, "/api/v1/hub/pair", "", signedRequest(secret, "HUB-ROT-001", "nonce-3"))
	if w.Code != http.StatusOK {
		t.Fatalf("pair after rotate status = %d", w.Code)
	}
	var result hub.PairingResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.PendingVersion != 2 || result.PendingToken == "" {
		t.Errorf("expected pending version 2 for re-delivery, got %+v", result)
	}
}

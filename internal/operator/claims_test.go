package operator

import (
	"errors"
	"strings"
	"testing"
)

const testSecret = "test-jwt-secret-0123456789abcdef"

func testUser() *User {
	return &User{
		ID:       "usr-test01",
		Username: "alex",
		Role:     RoleOperator,
		IsActive: true,
	}
}

func TestGenerateAndParseToken(t *testing.T) {
	signed, err := GenerateAccessToken(testUser(), "dev-a", 3, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := ParseToken(signed, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "usr-test01" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.DeviceID != "dev-a" {
		t.Errorf("device = %q", claims.DeviceID)
	}
	if claims.SessionVersion != 3 {
		t.Errorf("session version = %d, want 3", claims.SessionVersion)
	}
	if claims.Role != RoleOperator {
		t.Errorf("role = %q", claims.Role)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	signed, err := GenerateAccessToken(testUser(), "dev-a", 1, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := ParseToken(signed, "a-different-secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("wrong secret: got %v, want ErrTokenInvalid", err)
	}
}

func TestParseTokenRejectsTampered(t *testing.T) {
	signed, err := GenerateAccessToken(testUser(), "dev-a", 1, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected JWT shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1][:len(parts[1])-2] + "xx." + parts[2]

	if _, err := ParseToken(tampered, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("tampered token: got %v, want ErrTokenInvalid", err)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not.a.jwt", "a.b"} {
		if _, err := ParseToken(bad, testSecret); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("ParseToken(%q): got %v, want ErrTokenInvalid", bad, err)
		}
	}
}

func TestGenerateTokenRequiresDeviceForParse(t *testing.T) {
	// A token minted without a device binding must not parse.
	signed, err := GenerateAccessToken(testUser(), "", 1, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if _, err := ParseToken(signed, testSecret); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("deviceless token: got %v, want ErrTokenInvalid", err)
	}
}

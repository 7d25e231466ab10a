package operator

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends JWT standard claims with the fields Hearth binds tokens
// to: the operator's role, the device the token was minted for, and that
// device's session version at mint time.
type Claims struct {
	jwt.RegisteredClaims
	Role           Role   `json:"role"`
	DeviceID       string `json:"did"`
	SessionVersion int    `json:"sv"`
}

// GenerateAccessToken creates a signed JWT for a user on a specific
// device. The embedded session version ties the token's validity to the
// trust registry: bumping the device's version strands every token
// minted before the bump.
func GenerateAccessToken(user *User, deviceID string, sessionVersion int, secret string, ttlMinutes int) (string, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = 15 //nolint:mnd // default 15-minute access token TTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			ID:        uuid.NewString(),
		},
		Role:           user.Role,
		DeviceID:       deviceID,
		SessionVersion: sessionVersion,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses a JWT access token, returning the
// claims. It checks the signature, expiry, and required fields; the
// session-version comparison against the trust registry is the caller's
// job, since it needs a database read.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device binding", ErrTokenInvalid)
	}
	if claims.SessionVersion <= 0 {
		return nil, fmt.Errorf("%w: missing session version", ErrTokenInvalid)
	}

	return claims, nil
}

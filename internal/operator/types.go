package operator

import (
	"errors"
	"time"
)

// Role determines what an operator account may do.
type Role string

const (
	// RoleAdmin manages hubs, credentials, and other accounts.
	RoleAdmin Role = "admin"

	// RoleOperator uses the system day to day.
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator
}

// User is an operator account. Password hashes never leave the package
// and are excluded from serialisation.
type User struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	DisplayName      string    `json:"display_name"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	Role             Role      `json:"role"`
	IsActive         bool      `json:"is_active"`
	TwoFactorEnabled bool      `json:"twofactor_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Sentinel errors for operator operations.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username or email already in use")
	ErrUserInactive       = errors.New("user account disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token is invalid or expired")
)

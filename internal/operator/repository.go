package operator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for operator account persistence.
type Repository interface {
	Create(ctx context.Context, user *User, password string) error
	Count(ctx context.Context) (int, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Authenticate(ctx context.Context, username, password string) (*User, error)
	UpdatePassword(ctx context.Context, id, newPassword string) error
	SetTwoFactor(ctx context.Context, id string, enabled bool) error
	Deactivate(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed operator repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const userColumns = `id, username, display_name, email, password_hash, role,
	 is_active, twofactor_enabled, created_at, updated_at`

// Create inserts a new account, hashing the password. The ID is
// generated if empty; the role defaults to operator.
func (r *SQLiteRepository) Create(ctx context.Context, user *User, password string) error {
	if user.ID == "" {
		user.ID = "usr-" + uuid.NewString()[:8]
	}
	if user.Role == "" {
		user.Role = RoleOperator
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, email, password_hash, role, is_active, twofactor_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.DisplayName, user.Email, user.PasswordHash,
		user.Role, boolToInt(user.IsActive), boolToInt(user.TwoFactorEnabled), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

// Count returns the number of accounts, active or not.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// GetByID retrieves an account by its ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getBy(ctx, "id", id)
}

// GetByUsername retrieves an account by username.
func (r *SQLiteRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getBy(ctx, "username", username)
}

// Authenticate verifies a username and password pair.
//
// Unknown users, wrong passwords, and disabled accounts are
// indistinguishable to the caller: all fail with ErrInvalidCredentials.
func (r *SQLiteRepository) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := r.GetByUsername(ctx, username)
	if err == ErrUserNotFound {
		// Burn comparable time so unknown usernames are not faster.
		_, _ = VerifyPassword(password, decoyHash) //nolint:errcheck // timing equalisation only
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok || !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// UpdatePassword replaces the stored hash. Callers are expected to also
// revoke device trust and leases for the user.
func (r *SQLiteRepository) UpdatePassword(ctx context.Context, id, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		hash, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return requireRow(res)
}

// SetTwoFactor flips the account's two-factor flag.
func (r *SQLiteRepository) SetTwoFactor(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET twofactor_enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting two-factor flag: %w", err)
	}
	return requireRow(res)
}

// Deactivate disables an account without deleting its history.
func (r *SQLiteRepository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET is_active = 0, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("deactivating user: %w", err)
	}
	return requireRow(res)
}

// getBy retrieves a user by one of the unique columns.
func (r *SQLiteRepository) getBy(ctx context.Context, column, value string) (*User, error) {
	var u User
	var isActive, twoFactor int
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Role,
		&isActive, &twoFactor, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}

	u.IsActive = isActive != 0
	u.TwoFactorEnabled = twoFactor != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &u, nil
}

// decoyHash is a throwaway Argon2id hash used to equalise timing when
// the username does not exist. Never a real credential.
const decoyHash = "$argon2id$v=19$m=65536,t=3,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// requireRow converts a zero-rows-affected update into ErrUserNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// boolToInt converts a bool to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

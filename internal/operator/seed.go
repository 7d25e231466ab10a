package operator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
)

// seedPasswordBytes is the number of random bytes for the seed admin password.
const seedPasswordBytes = 16

// SeedAdmin creates the initial admin account on first boot if no users
// exist. The generated password is logged once and must be changed
// immediately. Returns the generated password, empty if seeding was
// skipped.
func SeedAdmin(ctx context.Context, repo Repository, logger *logging.Logger) (string, error) {
	count, err := repo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		return "", nil
	}

	b := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(b)

	admin := &User{
		Username:    "admin",
		DisplayName: "Initial Admin",
		Email:       "admin@localhost",
		Role:        RoleAdmin,
		IsActive:    true,
	}
	if err := repo.Create(ctx, admin, password); err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	logger.Warn("seed admin account created",
		"username", admin.Username,
		"password", password,
		"action_required", "change this password immediately",
	)
	return password, nil
}

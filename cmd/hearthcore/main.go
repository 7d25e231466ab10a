// Hearth Core - Trust and Credential Service
//
// This is the main entry point for the Hearth Core application. Hearth
// Core is the trust anchor of a multi-tenant home-automation deployment:
//   - Hub pairing and rotating hub token custody
//   - Operator accounts with device-bound sessions
//   - Step-up (email third factor) approval for sensitive operations
//   - Encrypted per-hub credential storage
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/hearthgrid/hearth-core/migrations"

	"github.com/hearthgrid/hearth-core/internal/api"
	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/credstore"
	"github.com/hearthgrid/hearth-core/internal/hub"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/config"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/database"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/mqtt"
	"github.com/hearthgrid/hearth-core/internal/operator"
	"github.com/hearthgrid/hearth-core/internal/stepup"
	"github.com/hearthgrid/hearth-core/internal/trust"
	"github.com/hearthgrid/hearth-core/internal/vault"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	key, err := cfg.DecodedVaultKey()
	if err != nil {
		return fmt.Errorf("decoding vault key: %w", err)
	}
	v, err := vault.New(key)
	if err != nil {
		return fmt.Errorf("initialising vault: %w", err)
	}

	// Hub trust plane
	hubs := hub.NewRepository(db.DB)
	ledger := hub.NewLedger(db.DB, v, log)
	skew := time.Duration(cfg.Security.Pairing.MaxSkewMinutes) * time.Minute
	handshake := hub.NewHandshake(hubs, ledger, v, log, skew)

	// Operator trust plane
	users := operator.NewRepository(db.DB)
	if _, err := operator.SeedAdmin(ctx, users, log); err != nil {
		return fmt.Errorf("seeding initial admin: %w", err)
	}
	registry := trust.NewRegistry(db.DB)
	leases := stepup.NewLeaseManager(db.DB,
		time.Duration(cfg.Security.StepUp.LeaseTTLMinutes)*time.Minute)
	mailer, err := stepup.NewMailer(cfg.Mail, log)
	if err != nil {
		return fmt.Errorf("initialising mailer: %w", err)
	}
	flow := stepup.NewChallengeFlow(db.DB, registry, leases, mailer, log,
		cfg.Site.BaseURL,
		time.Duration(cfg.Security.StepUp.ChallengeTTLMinutes)*time.Minute)
	flow.SetResendCooldown(time.Duration(cfg.Security.StepUp.ResendCooldown) * time.Second)

	// Connect to MQTT broker (optional). Without it, hubs learn of pending
	// rotations on their next pairing call.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		ledger.SetAnnouncer(&rotationAnnouncer{client: mqttClient})
	} else {
		log.Info("MQTT disabled, rotation announcements off")
	}

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		Security:    cfg.Security,
		Logger:      log,
		DB:          db,
		Vault:       v,
		Hubs:        hubs,
		Handshake:   handshake,
		Ledger:      ledger,
		Users:       users,
		Trust:       registry,
		Leases:      leases,
		Challenges:  flow,
		Credentials: credstore.New(db.DB, v),
		Audit:       audit.NewRepository(db.DB),
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	go maintenanceLoop(ctx, cfg, log, ledger, handshake, flow, leases)

	if err := healthCheck(ctx, db, mqttClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// maintenanceLoop runs the periodic housekeeping: due rotations, retired
// token sweeps, and expiry of nonces, challenges, and leases. Each pass
// continues through individual failures so one bad sweep cannot starve
// the rest.
func maintenanceLoop(ctx context.Context, cfg *config.Config, log *logging.Logger,
	ledger *hub.Ledger, handshake *hub.Handshake, flow *stepup.ChallengeFlow, leases *stepup.LeaseManager) {
	interval := time.Duration(cfg.Security.Rotation.SweepInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := ledger.RotateIfDue(ctx); err != nil {
			log.Error("scheduled rotation failed", "error", err)
		} else if n > 0 {
			log.Info("scheduled rotations minted", "count", n)
		}
		if n, err := ledger.SweepRetired(ctx); err != nil {
			log.Error("retired token sweep failed", "error", err)
		} else if n > 0 {
			log.Info("retired tokens revoked", "count", n)
		}
		if _, err := handshake.PruneNonces(ctx); err != nil {
			log.Error("nonce prune failed", "error", err)
		}
		if _, err := flow.SweepExpired(ctx); err != nil {
			log.Error("challenge sweep failed", "error", err)
		}
		if _, err := leases.DeleteExpired(ctx); err != nil {
			log.Error("lease sweep failed", "error", err)
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses HEARTH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient may be nil when the broker is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// rotationAnnouncer publishes retained token rotation notices so a hub
// that reconnects after downtime still sees the latest pending version.
// Announcements carry version numbers only, never token material.
type rotationAnnouncer struct {
	client *mqtt.Client
}

// AnnounceRotation implements hub.Announcer.
func (a *rotationAnnouncer) AnnounceRotation(serial string, publishedVersion, latestVersion int) error {
	payload, err := json.Marshal(map[string]any{
		"published_version": publishedVersion,
		"latest_version":    latestVersion,
		"announced_at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding rotation notice: %w", err)
	}
	return a.client.PublishRetained(mqtt.HubTokenTopic(serial), payload)
}

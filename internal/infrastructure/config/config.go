package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// vaultKeyLength is the required length of the credential vault key in bytes
// (AES-256).
const vaultKeyLength = 32

// Config is the root configuration structure for Hearth Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Mail     MailConfig     `yaml:"mail"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`

	// BaseURL is the externally reachable URL of this service, used to build
	// verification links embedded in challenge emails.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// The broker is optional: when disabled, hubs learn of pending token
// rotations on their next pairing call instead of being notified.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// VaultKey is the process-wide credential encryption key: 32 raw bytes,
	// accepted raw or base64-encoded. REQUIRED — the service refuses to start
	// without it. Always supply via HEARTH_VAULT_KEY in production.
	VaultKey string `yaml:"vault_key"`

	JWT      JWTConfig      `yaml:"jwt"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Rotation RotationConfig `yaml:"rotation"`
	StepUp   StepUpConfig   `yaml:"step_up"`
}

// JWTConfig contains operator session token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// PairingConfig contains hub pairing handshake settings.
//
// MaxSkewMinutes is the single knob governing both the accepted timestamp
// band (±MaxSkewMinutes around server time) and the retention of accepted
// nonces: once a nonce is older than the band, a replayed request carrying
// it would fail the timestamp check anyway, so the record can be dropped.
type PairingConfig struct {
	MaxSkewMinutes int `yaml:"max_skew_minutes"`
}

// RotationConfig contains default hub token rotation policy.
// Per-hub values on the hub record override these defaults.
type RotationConfig struct {
	RotateEveryMinutes int `yaml:"rotate_every_minutes"`
	GraceMinutes       int `yaml:"grace_minutes"`
	SweepInterval      int `yaml:"sweep_interval"` // seconds
}

// StepUpConfig contains challenge and lease settings.
type StepUpConfig struct {
	ChallengeTTLMinutes int `yaml:"challenge_ttl_minutes"`
	LeaseTTLMinutes     int `yaml:"lease_ttl_minutes"`
	ResendCooldown      int `yaml:"resend_cooldown"` // seconds
}

// MailConfig contains outbound verification mail settings.
//
// Delivery itself is an external collaborator; the "log" driver writes
// verification links to the application log instead of sending, which is
// the development default.
type MailConfig struct {
	Driver string `yaml:"driver"` // "log" is the only built-in driver
	From   string `yaml:"from"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HEARTH_SECTION_KEY
// For example: HEARTH_DATABASE_PATH, HEARTH_VAULT_KEY
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Hearth",
			Timezone: "UTC",
			BaseURL:  "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Path:        "./data/hearth.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hearth-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Pairing: PairingConfig{
				MaxSkewMinutes: 5,
			},
			Rotation: RotationConfig{
				RotateEveryMinutes: 1440,
				GraceMinutes:       10,
				SweepInterval:      60,
			},
			StepUp: StepUpConfig{
				ChallengeTTLMinutes: 30,
				LeaseTTLMinutes:     10,
				ResendCooldown:      60,
			},
		},
		Mail: MailConfig{
			Driver: "log",
			From:   "no-reply@hearth.local",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HEARTH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Site
	if v := os.Getenv("HEARTH_SITE_BASE_URL"); v != "" {
		cfg.Site.BaseURL = v
	}

	// Database
	if v := os.Getenv("HEARTH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("HEARTH_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("HEARTH_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HEARTH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HEARTH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Security - key material (IMPORTANT: always override in production)
	if v := os.Getenv("HEARTH_VAULT_KEY"); v != "" {
		cfg.Security.VaultKey = v
	}
	if v := os.Getenv("HEARTH_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Key material problems are startup-fatal by design: a gateway that cannot
// decrypt its hub secrets must not serve pairing or reveal requests at all.
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Vault key is REQUIRED and must decode to exactly 32 bytes.
	// Hub bootstrap secrets and home-automation credentials are unreadable
	// without it, so a missing or malformed key is a configuration error,
	// never a per-request one.
	if c.Security.VaultKey == "" {
		errs = append(errs, "security.vault_key is required (set HEARTH_VAULT_KEY environment variable)")
	} else if _, err := c.DecodedVaultKey(); err != nil {
		errs = append(errs, fmt.Sprintf("security.vault_key: %v", err))
	}

	// JWT secret is REQUIRED for operator sessions.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set HEARTH_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Security.Pairing.MaxSkewMinutes <= 0 {
		errs = append(errs, "security.pairing.max_skew_minutes must be positive")
	}
	if c.Security.Rotation.GraceMinutes <= 0 {
		errs = append(errs, "security.rotation.grace_minutes must be positive")
	}
	if c.Security.StepUp.LeaseTTLMinutes <= 0 {
		errs = append(errs, "security.step_up.lease_ttl_minutes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DecodedVaultKey returns the vault key as raw bytes.
//
// The key is accepted in three forms: standard base64, unpadded/URL-safe
// base64, or 32 raw bytes. Anything that doesn't decode to exactly 32 bytes
// is rejected.
func (c *Config) DecodedVaultKey() ([]byte, error) {
	s := c.Security.VaultKey

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil && len(decoded) == vaultKeyLength {
			return decoded, nil
		}
	}

	if len(s) == vaultKeyLength {
		return []byte(s), nil
	}

	return nil, fmt.Errorf("must be %d raw bytes or base64 encoding thereof", vaultKeyLength)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// MaxSkew returns the pairing clock-skew band as a Duration.
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.Security.Pairing.MaxSkewMinutes) * time.Minute
}

// ChallengeTTL returns the step-up challenge lifetime as a Duration.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.Security.StepUp.ChallengeTTLMinutes) * time.Minute
}

// LeaseTTL returns the default step-up lease lifetime as a Duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Security.StepUp.LeaseTTLMinutes) * time.Minute
}

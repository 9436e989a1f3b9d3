package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Security SecuritySection `toml:"security"`
	Features FeaturesSection `toml:"features"`
}

type ServerSection struct {
	HTTPPort         int    `toml:"http_port"`
	MetricsPort      int    `toml:"metrics_port"`
	DatabasePath     string `toml:"database_path"`
	IdentityPath     string `toml:"identity_path"`
	PublicBaseURL    string `toml:"public_base_url"`
	RegistrationPath string `toml:"registration_path"`
}

type LimitsSection struct {
	MessagesPerSecond        float64 `toml:"messages_per_second"`
	MessageBurst             int     `toml:"message_burst"`
	MessagesPerHour          int     `toml:"messages_per_hour"`
	HandshakeTimeoutSeconds  int     `toml:"handshake_timeout_seconds"`
	SessionTimeoutSeconds    int     `toml:"session_timeout_seconds"`
	MaxTextureBytes          int     `toml:"max_texture_bytes"`
	MaxRecordBytes           int     `toml:"max_record_bytes"`
	MaxRecordTTLSeconds      int     `toml:"max_record_ttl_seconds"`
	RetentionIntervalMinutes int     `toml:"retention_interval_minutes"`
}

type SecuritySection struct {
	VerificationURL string `toml:"verification_url"`
}

type FeaturesSection struct {
	Groups    bool `toml:"groups"`
	Locations bool `toml:"locations"`
	Friends   bool `toml:"friends"`
	Textures  bool `toml:"textures"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:         7645,
			MetricsPort:      9090,
			DatabasePath:     "~/.lodestone/server.db",
			IdentityPath:     "~/.lodestone/server-identity.db",
			PublicBaseURL:    "http://localhost:7645",
			RegistrationPath: "/register",
		},
		Limits: LimitsSection{
			MessagesPerSecond:        20,
			MessageBurst:             40,
			MessagesPerHour:          10000,
			HandshakeTimeoutSeconds:  30,
			SessionTimeoutSeconds:    120,
			MaxTextureBytes:          256 * 1024,
			MaxRecordBytes:           4096,
			MaxRecordTTLSeconds:      86400,
			RetentionIntervalMinutes: 10,
		},
		Security: SecuritySection{
			VerificationURL: "", // empty = accept any session token (dev mode)
		},
		Features: FeaturesSection{
			Groups:    true,
			Locations: true,
			Friends:   true,
			Textures:  true,
		},
	}
}

// ServerConfig holds resolved server configuration
type ServerConfig struct {
	HTTPPort         int
	MetricsPort      int
	PublicBaseURL    string
	RegistrationPath string

	MessagesPerSecond       float64
	MessageBurst            int
	MessagesPerHour         int
	HandshakeTimeoutSeconds int
	SessionTimeoutSeconds   int
	MaxTextureBytes         int
	MaxRecordBytes          int
	MaxRecordTTLSeconds     int
	RetentionIntervalMins   int

	VerificationURL string

	GroupsEnabled    bool
	LocationsEnabled bool
	FriendsEnabled   bool
	TexturesEnabled  bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// LoadConfig loads configuration from a TOML file, creates default if not
// found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort: the server still runs on defaults if the write fails
		_ = writeDefaultConfig(path, config)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: LODESTONE_SECTION_KEY
// Example: LODESTONE_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("LODESTONE_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("LODESTONE_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("LODESTONE_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("LODESTONE_SERVER_IDENTITY_PATH"); val != "" {
		config.Server.IdentityPath = val
	}
	if val := os.Getenv("LODESTONE_SERVER_PUBLIC_BASE_URL"); val != "" {
		config.Server.PublicBaseURL = val
	}
	if val := os.Getenv("LODESTONE_SECURITY_VERIFICATION_URL"); val != "" {
		config.Security.VerificationURL = val
	}
	if val := os.Getenv("LODESTONE_LIMITS_MESSAGES_PER_SECOND"); val != "" {
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			config.Limits.MessagesPerSecond = v
		}
	}
	if val := os.Getenv("LODESTONE_LIMITS_MESSAGES_PER_HOUR"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			config.Limits.MessagesPerHour = v
		}
	}
	if val := os.Getenv("LODESTONE_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = v
		}
	}
	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Lodestone Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# LODESTONE_SECTION_KEY (e.g., LODESTONE_SERVER_HTTP_PORT=8080)

[server]
# Port for the public HTTP server (/ws, /discovery, /register)
http_port = 7645

# Port for the internal metrics server (/metrics, /health) - never expose publicly
metrics_port = 9090

# Path to the SQLite database file
database_path = "~/.lodestone/server.db"

# Path to the server's identity store (keypair and trusted clients)
identity_path = "~/.lodestone/server-identity.db"

# Base URL clients use to reach this server (for registration challenges)
public_base_url = "http://localhost:7645"

# Path under the base URL where device registration completes
registration_path = "/register"

[limits]
# Per-connection steady message rate and burst
messages_per_second = 20.0
message_burst = 40

# Per-connection hourly message ceiling
messages_per_hour = 10000

# Seconds a connection may sit in any single handshake state
handshake_timeout_seconds = 30

# Seconds of silence before an established session is dropped
session_timeout_seconds = 120

# Maximum texture blob size in bytes
max_texture_bytes = 262144

# Maximum DHT record value size in bytes
max_record_bytes = 4096

# Maximum DHT record TTL in seconds
max_record_ttl_seconds = 86400

# How often to delete expired DHT records, in minutes
retention_interval_minutes = 10

[security]
# URL of the platform session verification service.
# Leave empty to accept any session token (development only).
verification_url = ""

[features]
# Feature flags advertised by the discovery endpoint
groups = true
locations = true
friends = true
textures = true
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := ServerConfig{
		HTTPPort:                c.Server.HTTPPort,
		MetricsPort:             c.Server.MetricsPort,
		PublicBaseURL:           c.Server.PublicBaseURL,
		RegistrationPath:        c.Server.RegistrationPath,
		MessagesPerSecond:       c.Limits.MessagesPerSecond,
		MessageBurst:            c.Limits.MessageBurst,
		MessagesPerHour:         c.Limits.MessagesPerHour,
		HandshakeTimeoutSeconds: c.Limits.HandshakeTimeoutSeconds,
		SessionTimeoutSeconds:   c.Limits.SessionTimeoutSeconds,
		MaxTextureBytes:         c.Limits.MaxTextureBytes,
		MaxRecordBytes:          c.Limits.MaxRecordBytes,
		MaxRecordTTLSeconds:     c.Limits.MaxRecordTTLSeconds,
		RetentionIntervalMins:   c.Limits.RetentionIntervalMinutes,
		VerificationURL:         c.Security.VerificationURL,
		GroupsEnabled:           c.Features.Groups,
		LocationsEnabled:        c.Features.Locations,
		FriendsEnabled:          c.Features.Friends,
		TexturesEnabled:         c.Features.Textures,
	}

	defaults := DefaultTOMLConfig()
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = defaults.Server.HTTPPort
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = defaults.Server.MetricsPort
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = defaults.Server.PublicBaseURL
	}
	if cfg.RegistrationPath == "" {
		cfg.RegistrationPath = defaults.Server.RegistrationPath
	}
	if cfg.MessagesPerSecond == 0 {
		cfg.MessagesPerSecond = defaults.Limits.MessagesPerSecond
	}
	if cfg.MessageBurst == 0 {
		cfg.MessageBurst = defaults.Limits.MessageBurst
	}
	if cfg.MessagesPerHour == 0 {
		cfg.MessagesPerHour = defaults.Limits.MessagesPerHour
	}
	if cfg.HandshakeTimeoutSeconds == 0 {
		cfg.HandshakeTimeoutSeconds = defaults.Limits.HandshakeTimeoutSeconds
	}
	if cfg.SessionTimeoutSeconds == 0 {
		cfg.SessionTimeoutSeconds = defaults.Limits.SessionTimeoutSeconds
	}
	if cfg.MaxTextureBytes == 0 {
		cfg.MaxTextureBytes = defaults.Limits.MaxTextureBytes
	}
	if cfg.MaxRecordBytes == 0 {
		cfg.MaxRecordBytes = defaults.Limits.MaxRecordBytes
	}
	if cfg.MaxRecordTTLSeconds == 0 {
		cfg.MaxRecordTTLSeconds = defaults.Limits.MaxRecordTTLSeconds
	}
	if cfg.RetentionIntervalMins == 0 {
		cfg.RetentionIntervalMins = defaults.Limits.RetentionIntervalMinutes
	}
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

// GetIdentityPath returns the identity store path with ~ expanded
func (c *TOMLConfig) GetIdentityPath() (string, error) {
	return expandHome(c.Server.IdentityPath)
}

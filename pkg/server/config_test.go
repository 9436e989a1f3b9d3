package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 7645, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "/register", cfg.RegistrationPath)
	assert.Equal(t, 20.0, cfg.MessagesPerSecond)
	assert.Equal(t, 40, cfg.MessageBurst)
	assert.Equal(t, 30, cfg.HandshakeTimeoutSeconds)
	assert.Equal(t, 120, cfg.SessionTimeoutSeconds)
	assert.Empty(t, cfg.VerificationURL)
	assert.True(t, cfg.GroupsEnabled)
	assert.True(t, cfg.TexturesEnabled)
}

func TestToServerConfigFillsZeroValues(t *testing.T) {
	// A sparse config file leaves most fields zero; conversion backfills.
	sparse := TOMLConfig{
		Server: ServerSection{HTTPPort: 8080},
		Limits: LimitsSection{MessagesPerHour: 500},
	}
	cfg := sparse.ToServerConfig()

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 500, cfg.MessagesPerHour)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 20.0, cfg.MessagesPerSecond)
	assert.Equal(t, 256*1024, cfg.MaxTextureBytes)
	assert.Equal(t, 10, cfg.RetentionIntervalMins)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7645, cfg.Server.HTTPPort)

	// The default file was written and parses back to the same values.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server, reloaded.Server)
	assert.Equal(t, cfg.Limits, reloaded.Limits)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
http_port = 9999
public_base_url = "https://chat.example.com"

[limits]
messages_per_second = 5.0

[security]
verification_url = "https://login.example.com/verify"

[features]
groups = true
friends = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "https://chat.example.com", cfg.Server.PublicBaseURL)
	assert.Equal(t, 5.0, cfg.Limits.MessagesPerSecond)
	assert.Equal(t, "https://login.example.com/verify", cfg.Security.VerificationURL)
	assert.True(t, cfg.Features.Groups)
	assert.False(t, cfg.Features.Friends)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LODESTONE_SERVER_HTTP_PORT", "8081")
	t.Setenv("LODESTONE_SECURITY_VERIFICATION_URL", "https://env.example.com/verify")
	t.Setenv("LODESTONE_LIMITS_SESSION_TIMEOUT_SECONDS", "45")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "server.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.HTTPPort)
	assert.Equal(t, "https://env.example.com/verify", cfg.Security.VerificationURL)
	assert.Equal(t, 45, cfg.Limits.SessionTimeoutSeconds)
}

func TestLoadConfigBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

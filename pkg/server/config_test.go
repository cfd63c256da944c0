package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6784, config.Server.Port)
	assert.Equal(t, "your-client-secret", config.Server.ClientSecret)

	// The default file was written and documents its options
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[server]")
	assert.Contains(t, string(data), "client_secret")

	// Loading the written file round-trips the defaults
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Server, again.Server)
	assert.Equal(t, config.Limits, again.Limits)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 7000
client_secret = "s3cret"

[limits]
max_message_length = 100

[[channels.seed_channels]]
name = "lobby"
description = "Lobby"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, config.Server.Port)
	assert.Equal(t, "s3cret", config.Server.ClientSecret)
	assert.Equal(t, 100, config.Limits.MaxMessageLength)
	require.Len(t, config.Channels.SeedChannels, 1)
	assert.Equal(t, "lobby", config.Channels.SeedChannels[0].Name)
}

func TestLoadConfigBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not toml ["), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("CHAT_TOY_CLIENT_SECRET", "from-env")
	t.Setenv("CHAT_TOY_LIMITS_MAX_MESSAGE_LENGTH", "42")

	config := applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "from-env", config.Server.ClientSecret)
	assert.Equal(t, 42, config.Limits.MaxMessageLength)

	// Section-style variables win over the legacy PORT spelling
	t.Setenv("CHAT_TOY_SERVER_PORT", "8888")
	config = applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, 8888, config.Server.Port)

	// Garbage numbers are ignored
	t.Setenv("CHAT_TOY_SERVER_PORT", "not-a-port")
	t.Setenv("PORT", "")
	config = applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, 6784, config.Server.Port)
}

func TestToServerConfig(t *testing.T) {
	toml := DefaultTOMLConfig()
	toml.Server.Port = 7001
	toml.Server.MetricsPort = 0
	toml.Limits.SendBufferSize = 8
	toml.Channels.SeedChannels = []SeedChannel{{Name: "lobby"}}

	cfg := toml.ToServerConfig()
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, 0, cfg.MetricsPort, "zero disables the metrics listener")
	assert.Equal(t, 8, cfg.SendBufferSize)
	require.Len(t, cfg.SeedChannels, 1)
	assert.Equal(t, "lobby", cfg.SeedChannels[0].Name)

	// Zero values in the file fall back to defaults
	empty := TOMLConfig{}
	cfg = empty.ToServerConfig()
	assert.Equal(t, 6784, cfg.Port)
	assert.Equal(t, "your-client-secret", cfg.ClientSecret)
	assert.Equal(t, 4096, cfg.MaxMessageLength)
}

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
	Channels ChannelsSection `toml:"channels"`
}

type ServerSection struct {
	Port              int    `toml:"port"`
	MetricsPort       int    `toml:"metrics_port"`
	ClientSecret      string `toml:"client_secret"`
	DefaultServerName string `toml:"default_server_name"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	MaxFrameSize     int `toml:"max_frame_size"`
	SendBufferSize   int `toml:"send_buffer_size"`
}

type ChannelsSection struct {
	SeedChannels []SeedChannel `toml:"seed_channels"`
}

type SeedChannel struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// DefaultTOMLConfig returns the default TOML configuration. The default
// port is 6784 (ASCII "CT").
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Port:              6784,
			MetricsPort:       9090,
			ClientSecret:      "your-client-secret",
			DefaultServerName: "main",
		},
		Limits: LimitsSection{
			MaxMessageLength: 4096,
			MaxFrameSize:     1024,
			SendBufferSize:   256,
		},
		Channels: ChannelsSection{
			SeedChannels: []SeedChannel{
				{Name: "general", Description: "General discussion"},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one
// if not found, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config. If we can't write
		// (permissions), still run with defaults.
		config := DefaultTOMLConfig()
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern CHAT_TOY_SECTION_KEY, e.g.
// CHAT_TOY_SERVER_PORT=8080. The legacy PORT and CHAT_TOY_CLIENT_SECRET
// variables are honored as well.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("CHAT_TOY_CLIENT_SECRET"); val != "" {
		config.Server.ClientSecret = val
	}

	if val := os.Getenv("CHAT_TOY_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("CHAT_TOY_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("CHAT_TOY_SERVER_CLIENT_SECRET"); val != "" {
		config.Server.ClientSecret = val
	}
	if val := os.Getenv("CHAT_TOY_SERVER_DEFAULT_SERVER_NAME"); val != "" {
		config.Server.DefaultServerName = val
	}

	if val := os.Getenv("CHAT_TOY_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("CHAT_TOY_LIMITS_MAX_FRAME_SIZE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxFrameSize = limit
		}
	}
	if val := os.Getenv("CHAT_TOY_LIMITS_SEND_BUFFER_SIZE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.SendBufferSize = limit
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented.
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# chat-toy server configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables can override these settings:
# CHAT_TOY_SECTION_KEY (e.g., CHAT_TOY_SERVER_PORT=8080)
# The legacy PORT and CHAT_TOY_CLIENT_SECRET variables also work.

[server]
# Port for the HTTP + WebSocket listener ("CT" in ASCII)
port = 6784

# Port for the internal metrics server (/metrics, /health).
# Never expose this publicly. Set to 0 to disable.
metrics_port = 9090

# Shared bearer token clients must present on every API request
client_secret = "your-client-secret"

# Name of the server entity that backs the single-tier /channel and
# /channels routes
default_server_name = "main"

[limits]
# Maximum message content length in bytes
max_message_length = 4096

# Maximum inbound control frame size in bytes
max_frame_size = 1024

# Outbound event buffer per connection; a connection whose buffer is
# full silently misses events
send_buffer_size = 256

[channels]
# Channels created in the default server on startup
seed_channels = [
  { name = "general", description = "General discussion" },
]
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.ClientSecret) != "" {
		cfg.ClientSecret = c.Server.ClientSecret
	}
	if strings.TrimSpace(c.Server.DefaultServerName) != "" {
		cfg.DefaultServerName = c.Server.DefaultServerName
	}

	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxFrameSize != 0 {
		cfg.MaxFrameSize = int64(c.Limits.MaxFrameSize)
	}
	if c.Limits.SendBufferSize != 0 {
		cfg.SendBufferSize = c.Limits.SendBufferSize
	}

	for _, seed := range c.Channels.SeedChannels {
		cfg.SeedChannels = append(cfg.SeedChannels, SeedChannel{
			Name:        seed.Name,
			Description: seed.Description,
		})
	}

	return cfg
}

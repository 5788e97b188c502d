package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/relaychat/pkg/client"
)

// DefaultConfigPath is where the server looks for its config file
const DefaultConfigPath = "~/.relaychat/server.toml"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Groups  GroupsSection  `toml:"groups"`
	Client  ClientSection  `toml:"client"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	Host         string `toml:"host"`
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
	DefaultGroup string `toml:"default_group"`
}

type LimitsSection struct {
	MaxLineLength      int `toml:"max_line_length"`
	MaxNicknameLength  int `toml:"max_nickname_length"`
	MaxGroupNameLength int `toml:"max_group_name_length"`
	MaxHandleAttempts  int `toml:"max_handle_attempts"`
	OutboundQueueSize  int `toml:"outbound_queue_size"`
	WriteTimeoutMs     int `toml:"write_timeout_ms"`
	MessageRateLimit   int `toml:"message_rate_limit"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

type GroupsSection struct {
	EvictEmpty bool `toml:"evict_empty"`
}

type ClientSection struct {
	Host                 string `toml:"host"`
	Port                 int    `toml:"port"`
	MaxRetries           int    `toml:"max_retries"`
	RetryDelaySeconds    int    `toml:"retry_delay_seconds"`
	MaxRetryDelaySeconds int    `toml:"max_retry_delay_seconds"`
}

type LoggingSection struct {
	Level string `toml:"level"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:         "localhost",
			TCPPort:      12345,
			SSHPort:      12346,
			HTTPPort:     8080,
			MetricsPort:  9090,
			SSHHostKey:   "~/.relaychat/ssh_host_key",
			DatabasePath: "~/.relaychat/sessions.db",
			DefaultGroup: DefaultGroupName,
		},
		Limits: LimitsSection{
			MaxLineLength:      4096,
			MaxNicknameLength:  20,
			MaxGroupNameLength: 32,
			MaxHandleAttempts:  5,
			OutboundQueueSize:  64,
			WriteTimeoutMs:     5000,
			MessageRateLimit:   0,
			IdleTimeoutSeconds: 0,
		},
		Groups: GroupsSection{
			EvictEmpty: true,
		},
		Client: ClientSection{
			Host:              "localhost",
			Port:              12345,
			MaxRetries:        5,
			RetryDelaySeconds: 5,
		},
		Logging: LoggingSection{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one if
// not found, and applies environment variable overrides. Keys missing from
// the file keep their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults
		// (might be a permissions issue, but we can still run)
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

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

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: RELAYCHAT_SECTION_KEY
// Example: RELAYCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envString("RELAYCHAT_SERVER_HOST", &config.Server.Host)
	envInt("RELAYCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("RELAYCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("RELAYCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("RELAYCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("RELAYCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("RELAYCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("RELAYCHAT_SERVER_DEFAULT_GROUP", &config.Server.DefaultGroup)

	// Limits section
	envInt("RELAYCHAT_LIMITS_MAX_LINE_LENGTH", &config.Limits.MaxLineLength)
	envInt("RELAYCHAT_LIMITS_MAX_NICKNAME_LENGTH", &config.Limits.MaxNicknameLength)
	envInt("RELAYCHAT_LIMITS_MAX_GROUP_NAME_LENGTH", &config.Limits.MaxGroupNameLength)
	envInt("RELAYCHAT_LIMITS_MAX_HANDLE_ATTEMPTS", &config.Limits.MaxHandleAttempts)
	envInt("RELAYCHAT_LIMITS_OUTBOUND_QUEUE_SIZE", &config.Limits.OutboundQueueSize)
	envInt("RELAYCHAT_LIMITS_WRITE_TIMEOUT_MS", &config.Limits.WriteTimeoutMs)
	envInt("RELAYCHAT_LIMITS_MESSAGE_RATE_LIMIT", &config.Limits.MessageRateLimit)
	envInt("RELAYCHAT_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)

	// Groups section
	envBool("RELAYCHAT_GROUPS_EVICT_EMPTY", &config.Groups.EvictEmpty)

	// Client section
	envString("RELAYCHAT_CLIENT_HOST", &config.Client.Host)
	envInt("RELAYCHAT_CLIENT_PORT", &config.Client.Port)
	envInt("RELAYCHAT_CLIENT_MAX_RETRIES", &config.Client.MaxRetries)
	envInt("RELAYCHAT_CLIENT_RETRY_DELAY_SECONDS", &config.Client.RetryDelaySeconds)
	envInt("RELAYCHAT_CLIENT_MAX_RETRY_DELAY_SECONDS", &config.Client.MaxRetryDelaySeconds)

	// Logging section
	envString("RELAYCHAT_LOGGING_LEVEL", &config.Logging.Level)

	return config
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// envInt leaves dst unchanged when the variable is unset or not a number
func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# relaychat server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# RELAYCHAT_SECTION_KEY (e.g., RELAYCHAT_SERVER_TCP_PORT=7000)

[server]
# Interface to listen on
host = "localhost"

# Port for raw TCP line connections (0 = pick a free port)
tcp_port = 12345

# Port for SSH connections (0 = disabled)
ssh_port = 12346

# Port for the public HTTP server (/ws endpoint, 0 = disabled)
http_port = 8080

# Port for the internal metrics server (/metrics, /health, 0 = disabled)
# Never expose this publicly!
metrics_port = 9090

# Path to SSH host key file (generated on first run)
ssh_host_key = "~/.relaychat/ssh_host_key"

# Path to SQLite session ledger (empty = no ledger)
database_path = "~/.relaychat/sessions.db"

# Group every user starts in; it always exists
default_group = "public"

[limits]
# Maximum line length in bytes; longer lines close the connection
max_line_length = 4096

# Maximum nickname length in characters
max_nickname_length = 20

# Maximum group name length in characters
max_group_name_length = 32

# Invalid or taken nicknames allowed before the connection is closed
max_handle_attempts = 5

# Outbound lines buffered per connection before it counts as a slow peer
outbound_queue_size = 64

# Deadline for each write to a connection
write_timeout_ms = 5000

# Maximum messages per minute per user (0 = unlimited)
message_rate_limit = 0

# Disconnect users idle for this long (0 = never)
idle_timeout_seconds = 0

[groups]
# Drop a group as soon as its last member leaves (the default group is kept)
evict_empty = true

[client]
# Used by the load tester and other bundled clients
host = "localhost"
port = 12345
max_retries = 5
retry_delay_seconds = 5

# When > 0, the retry delay doubles after each attempt up to this cap
# max_retry_delay_seconds = 0

[logging]
# debug, info, warn or error
level = "info"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Non-positive limits
// fall back to defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.Host = c.Server.Host
	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.SSHHostKeyPath = c.Server.SSHHostKey
	cfg.DatabasePath = c.Server.DatabasePath
	cfg.EvictEmptyGroups = c.Groups.EvictEmpty

	if strings.TrimSpace(c.Server.DefaultGroup) != "" {
		cfg.DefaultGroup = c.Server.DefaultGroup
	}
	if c.Limits.MaxLineLength > 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}
	if c.Limits.MaxNicknameLength > 0 {
		cfg.MaxNicknameLength = c.Limits.MaxNicknameLength
	}
	if c.Limits.MaxGroupNameLength > 0 {
		cfg.MaxGroupNameLength = c.Limits.MaxGroupNameLength
	}
	if c.Limits.MaxHandleAttempts > 0 {
		cfg.MaxHandleAttempts = c.Limits.MaxHandleAttempts
	}
	if c.Limits.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}
	if c.Limits.WriteTimeoutMs > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutMs) * time.Millisecond
	}
	if c.Limits.MessageRateLimit > 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	}

	return cfg
}

// ToClientOptions converts the client section to connection options
func (c *TOMLConfig) ToClientOptions() client.Options {
	opts := client.DefaultOptions()
	if c.Client.Host != "" {
		opts.Host = c.Client.Host
	}
	if c.Client.Port > 0 {
		opts.Port = c.Client.Port
	}
	if c.Client.MaxRetries > 0 {
		opts.MaxRetries = c.Client.MaxRetries
	}
	if c.Client.RetryDelaySeconds > 0 {
		opts.RetryDelay = time.Duration(c.Client.RetryDelaySeconds) * time.Second
	}
	if c.Client.MaxRetryDelaySeconds > 0 {
		opts.MaxRetryDelay = time.Duration(c.Client.MaxRetryDelaySeconds) * time.Second
	}
	return opts
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

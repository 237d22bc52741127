package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/netchat/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Protocol ProtocolSection `toml:"protocol"`
	Limits   LimitsSection   `toml:"limits"`
	Relay    RelaySection    `toml:"relay"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
	DataDir     string `toml:"data_dir"`
	EventLog    string `toml:"event_log"`
	EventDB     string `toml:"event_db"`
}

type ProtocolSection struct {
	Framing       string `toml:"framing"`
	Encryption    bool   `toml:"encryption"`
	EncryptionKey string `toml:"encryption_key"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	MessageRateLimit int `toml:"message_rate_limit"`
	MessageBurst     int `toml:"message_burst"`
}

type RelaySection struct {
	MaxFileSize          int64 `toml:"max_file_size"`
	ChunkSize            int   `toml:"chunk_size"`
	OfferGraceMs         int   `toml:"offer_grace_ms"`
	ReadyDelayMs         int   `toml:"ready_delay_ms"`
	AwaitAccept          bool  `toml:"await_accept"`
	AcceptTimeoutSeconds int   `toml:"accept_timeout_seconds"`
}

type LoggingSection struct {
	Debug bool `toml:"debug"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     5000,
			SSHPort:     0,
			HTTPPort:    0,
			MetricsPort: 9090,
			SSHHostKey:  "~/.netchat/ssh_host_key",
			DataDir:     "~/.netchat",
			EventLog:    "server_log.txt",
			EventDB:     "",
		},
		Protocol: ProtocolSection{
			Framing:       string(protocol.FramingLine),
			Encryption:    false,
			EncryptionKey: protocol.DefaultKey,
		},
		Limits: LimitsSection{
			MaxMessageLength: protocol.ReadBufferSize,
			MessageRateLimit: 120,
			MessageBurst:     20,
		},
		Relay: RelaySection{
			MaxFileSize:          protocol.MaxFileSize,
			ChunkSize:            protocol.ChunkSize,
			OfferGraceMs:         2000,
			ReadyDelayMs:         200,
			AwaitAccept:          false,
			AcceptTimeoutSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their default values.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just return defaults without error
		// (might be a permissions issue, but we can still run)
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: NETCHAT_SECTION_KEY
// Example: NETCHAT_SERVER_TCP_PORT=6000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("NETCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("NETCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("NETCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("NETCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("NETCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("NETCHAT_SERVER_DATA_DIR", &config.Server.DataDir)
	envString("NETCHAT_SERVER_EVENT_LOG", &config.Server.EventLog)
	envString("NETCHAT_SERVER_EVENT_DB", &config.Server.EventDB)

	envString("NETCHAT_PROTOCOL_FRAMING", &config.Protocol.Framing)
	envBool("NETCHAT_PROTOCOL_ENCRYPTION", &config.Protocol.Encryption)
	envString("NETCHAT_PROTOCOL_ENCRYPTION_KEY", &config.Protocol.EncryptionKey)

	envInt("NETCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("NETCHAT_LIMITS_MESSAGE_RATE_LIMIT", &config.Limits.MessageRateLimit)
	envInt("NETCHAT_LIMITS_MESSAGE_BURST", &config.Limits.MessageBurst)

	if val := os.Getenv("NETCHAT_RELAY_MAX_FILE_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Relay.MaxFileSize = n
		}
	}
	envInt("NETCHAT_RELAY_CHUNK_SIZE", &config.Relay.ChunkSize)
	envInt("NETCHAT_RELAY_OFFER_GRACE_MS", &config.Relay.OfferGraceMs)
	envInt("NETCHAT_RELAY_READY_DELAY_MS", &config.Relay.ReadyDelayMs)
	envBool("NETCHAT_RELAY_AWAIT_ACCEPT", &config.Relay.AwaitAccept)
	envInt("NETCHAT_RELAY_ACCEPT_TIMEOUT_SECONDS", &config.Relay.AcceptTimeoutSeconds)

	envBool("NETCHAT_LOGGING_DEBUG", &config.Logging.Debug)

	return config
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// writeDefaultConfig writes the default config to a file with all options documented
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

	content := `# NetChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# NETCHAT_SECTION_KEY (e.g., NETCHAT_SERVER_TCP_PORT=6000)

[server]
# Port for plain TCP chat connections
tcp_port = 5000

# Port for SSH connections (0 = disabled)
ssh_port = 0

# Port for the WebSocket endpoint /ws (0 = disabled)
http_port = 0

# Port for /metrics and /health (0 = disabled) - keep this internal
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.netchat/ssh_host_key"

# Directory for errors.log, server.log and debug.log
data_dir = "~/.netchat"

# Event log file, relative paths are resolved against the working directory
event_log = "server_log.txt"

# SQLite event log (empty = disabled)
# event_db = "~/.netchat/events.db"

[protocol]
# Message framing: "line" (newline delimited) or "read" (one read per
# message, for legacy clients)
framing = "line"

# Reversible XOR transform on every text message (not on file bytes)
encryption = false
encryption_key = "NetworkChat2025!SecureKey#"

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Messages per minute per session (0 = unlimited) and burst allowance
message_rate_limit = 120
message_burst = 20

[relay]
# Largest accepted file in bytes (at most 10 MiB)
max_file_size = 10485760

# Bytes moved per read/write during a relay
chunk_size = 8192

# Wait between offer and ready notice when not awaiting an answer
offer_grace_ms = 2000

# Wait between ready notice and the first file byte
ready_delay_ms = 200

# Wait for the recipient's /accept_file or /reject_file before streaming
await_accept = false
accept_timeout_seconds = 30

[logging]
# Write debug.log in data_dir
debug = false
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	framing, err := protocol.ParseFraming(c.Protocol.Framing)
	if err != nil {
		return ServerConfig{}, err
	}

	if c.Relay.MaxFileSize <= 0 || c.Relay.MaxFileSize > protocol.MaxFileSize {
		return ServerConfig{}, fmt.Errorf("relay.max_file_size must be in (0, %d], got %d", protocol.MaxFileSize, c.Relay.MaxFileSize)
	}
	if c.Relay.ChunkSize <= 0 {
		return ServerConfig{}, fmt.Errorf("relay.chunk_size must be positive, got %d", c.Relay.ChunkSize)
	}

	dataDir, err := expandHome(c.Server.DataDir)
	if err != nil {
		return ServerConfig{}, err
	}
	hostKey, err := expandHome(c.Server.SSHHostKey)
	if err != nil {
		return ServerConfig{}, err
	}
	eventDB, err := expandHome(c.Server.EventDB)
	if err != nil {
		return ServerConfig{}, err
	}

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.SSHHostKeyPath = hostKey
	cfg.DataDir = dataDir
	cfg.EventLogPath = c.Server.EventLog
	cfg.EventDBPath = eventDB

	cfg.Framing = framing
	cfg.Encryption = c.Protocol.Encryption
	if c.Protocol.EncryptionKey != "" {
		cfg.EncryptionKey = c.Protocol.EncryptionKey
	}

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	cfg.MessageRateLimit = c.Limits.MessageRateLimit
	cfg.MessageBurst = c.Limits.MessageBurst

	cfg.Relay = RelayConfig{
		MaxFileSize:   c.Relay.MaxFileSize,
		ChunkSize:     c.Relay.ChunkSize,
		OfferGrace:    time.Duration(c.Relay.OfferGraceMs) * time.Millisecond,
		ReadyDelay:    time.Duration(c.Relay.ReadyDelayMs) * time.Millisecond,
		AwaitAccept:   c.Relay.AwaitAccept,
		AcceptTimeout: time.Duration(c.Relay.AcceptTimeoutSeconds) * time.Second,
	}

	cfg.Debug = c.Logging.Debug

	return cfg, nil
}

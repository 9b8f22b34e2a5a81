package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the immutable runtime configuration. It is built
// once at startup and passed into components; nothing mutates it after
// that.
type ServerConfig struct {
	Port         int
	DatabasePath string
	MetricsPort  int // 0 disables the metrics endpoint
	LogLevel     string

	MaxClients        int           // Worker slot capacity; acceptance blocks when saturated
	ShutdownGrace     time.Duration // Delay between shutdown notice and forced close
	WorkerWaitTimeout time.Duration // How long Stop waits for in-flight workers

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Port:              5001,
		DatabasePath:      "chat.db",
		MetricsPort:       9090,
		LogLevel:          "info",
		MaxClients:        50,
		ShutdownGrace:     500 * time.Millisecond,
		WorkerWaitTimeout: 5 * time.Second,
	}
}

// TOMLConfig mirrors the structure of the config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	TLS    TLSSection    `toml:"tls"`
}

type ServerSection struct {
	Port         int    `toml:"port"`
	DatabasePath string `toml:"database_path"`
	MetricsPort  int    `toml:"metrics_port"`
	LogLevel     string `toml:"log_level"`
}

type LimitsSection struct {
	MaxClients            int `toml:"max_clients"`
	ShutdownGraceMillis   int `toml:"shutdown_grace_ms"`
	WorkerWaitTimeoutSecs int `toml:"worker_wait_timeout_seconds"`
}

type TLSSection struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// LoadConfig loads configuration from a TOML file, writes a documented
// default file if none exists, and applies environment variable
// overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := defaultTOMLConfig()
		// Best effort: a read-only location still lets the server run on
		// defaults.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

func defaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Port:         def.Port,
			DatabasePath: def.DatabasePath,
			MetricsPort:  def.MetricsPort,
			LogLevel:     def.LogLevel,
		},
		Limits: LimitsSection{
			MaxClients:            def.MaxClients,
			ShutdownGraceMillis:   int(def.ShutdownGrace / time.Millisecond),
			WorkerWaitTimeoutSecs: int(def.WorkerWaitTimeout / time.Second),
		},
	}
}

// applyEnvOverrides applies environment variable overrides following
// the pattern RELAYCHAT_SECTION_KEY, e.g. RELAYCHAT_SERVER_PORT=6001.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("RELAYCHAT_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("RELAYCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("RELAYCHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("RELAYCHAT_SERVER_LOG_LEVEL"); val != "" {
		config.Server.LogLevel = val
	}
	if val := os.Getenv("RELAYCHAT_LIMITS_MAX_CLIENTS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxClients = limit
		}
	}
	if val := os.Getenv("RELAYCHAT_LIMITS_SHUTDOWN_GRACE_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Limits.ShutdownGraceMillis = ms
		}
	}
	if val := os.Getenv("RELAYCHAT_LIMITS_WORKER_WAIT_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			config.Limits.WorkerWaitTimeoutSecs = secs
		}
	}
	if val := os.Getenv("RELAYCHAT_TLS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.TLS.Enabled = enabled
		}
	}
	if val := os.Getenv("RELAYCHAT_TLS_CERT_FILE"); val != "" {
		config.TLS.CertFile = val
	}
	if val := os.Getenv("RELAYCHAT_TLS_KEY_FILE"); val != "" {
		config.TLS.KeyFile = val
	}
	return config
}

// ToServerConfig converts the file representation into the immutable
// runtime configuration, filling gaps with defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.LogLevel) != "" {
		cfg.LogLevel = c.Server.LogLevel
	}
	if c.Limits.MaxClients != 0 {
		cfg.MaxClients = c.Limits.MaxClients
	}
	if c.Limits.ShutdownGraceMillis != 0 {
		cfg.ShutdownGrace = time.Duration(c.Limits.ShutdownGraceMillis) * time.Millisecond
	}
	if c.Limits.WorkerWaitTimeoutSecs != 0 {
		cfg.WorkerWaitTimeout = time.Duration(c.Limits.WorkerWaitTimeoutSecs) * time.Second
	}

	cfg.TLSEnabled = c.TLS.Enabled
	cfg.TLSCertFile = c.TLS.CertFile
	cfg.TLSKeyFile = c.TLS.KeyFile

	return cfg
}

// writeDefaultConfig writes a documented default config file.
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

	content := `# RelayChat Server Configuration
# This file was auto-generated with default values.
# Environment variables can override these settings:
# RELAYCHAT_SECTION_KEY (e.g., RELAYCHAT_SERVER_PORT=6001)

[server]
# Port for client connections
port = 5001

# Path to the SQLite database file
database_path = "chat.db"

# Internal metrics/health HTTP port (0 disables)
metrics_port = 9090

# Log level: debug, info, warn, error
log_level = "info"

[limits]
# Maximum concurrent client sessions. When all slots are busy, new
# connections are not accepted until one frees.
max_clients = 50

# Delay between the shutdown notice and forced connection close
shutdown_grace_ms = 500

# How long shutdown waits for in-flight workers before giving up
worker_wait_timeout_seconds = 5

[tls]
# Wrap the listener in TLS. Clients must then speak TLS from the first
# byte; the chat protocol itself is unchanged.
enabled = false
# cert_file = "server.crt"
# key_file = "server.key"
`
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

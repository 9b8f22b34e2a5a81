package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// The file now exists and the returned values are the defaults.
	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg.ToServerConfig())
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
port = 6001
database_path = "/var/lib/relaychat/chat.db"
metrics_port = 9100
log_level = "debug"

[limits]
max_clients = 10
shutdown_grace_ms = 250
worker_wait_timeout_seconds = 2

[tls]
enabled = true
cert_file = "server.crt"
key_file = "server.key"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	sc := cfg.ToServerConfig()

	assert.Equal(t, 6001, sc.Port)
	assert.Equal(t, "/var/lib/relaychat/chat.db", sc.DatabasePath)
	assert.Equal(t, 9100, sc.MetricsPort)
	assert.Equal(t, "debug", sc.LogLevel)
	assert.Equal(t, 10, sc.MaxClients)
	assert.Equal(t, 250*time.Millisecond, sc.ShutdownGrace)
	assert.Equal(t, 2*time.Second, sc.WorkerWaitTimeout)
	assert.True(t, sc.TLSEnabled)
	assert.Equal(t, "server.crt", sc.TLSCertFile)
	assert.Equal(t, "server.key", sc.TLSKeyFile)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 6001\n"), 0644))

	t.Setenv("RELAYCHAT_SERVER_PORT", "7001")
	t.Setenv("RELAYCHAT_LIMITS_MAX_CLIENTS", "5")
	t.Setenv("RELAYCHAT_TLS_ENABLED", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	sc := cfg.ToServerConfig()

	assert.Equal(t, 7001, sc.Port)
	assert.Equal(t, 5, sc.MaxClients)
	assert.True(t, sc.TLSEnabled)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not toml = ["), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestToServerConfigFillsGapsWithDefaults(t *testing.T) {
	var cfg TOMLConfig
	cfg.Server.Port = 6001

	sc := cfg.ToServerConfig()
	def := DefaultConfig()

	assert.Equal(t, 6001, sc.Port)
	assert.Equal(t, def.DatabasePath, sc.DatabasePath)
	assert.Equal(t, def.MaxClients, sc.MaxClients)
	assert.Equal(t, def.ShutdownGrace, sc.ShutdownGrace)
	assert.Equal(t, def.WorkerWaitTimeout, sc.WorkerWaitTimeout)
}

// ABOUTME: Tests for config loading: YAML parsing, env expansion, duration
// ABOUTME: parsing, defaults and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:9090"
database:
  path: "/tmp/deskgate.db"
auth:
  jwt_secret: "sekrit"
agents:
  probe_interval: "1m"
  presence_ttl: "30s"
  command_timeout: "5s"
  download_timeout: "90s"
view:
  page_size: 25
  snapshot_ttl: "10m"
  token_ttl: "3m"
telegram:
  enabled: true
  bot_token: "123:abc"
  admin_chat_id: 42
  webhook_secret: "hook"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/deskgate.db", cfg.Database.Path)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
	assert.Equal(t, time.Minute, cfg.Agents.ProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.Agents.PresenceTTL)
	assert.Equal(t, 5*time.Second, cfg.Agents.CommandTimeout)
	assert.Equal(t, 90*time.Second, cfg.Agents.DownloadTimeout)
	assert.Equal(t, 25, cfg.View.PageSize)
	assert.Equal(t, 10*time.Minute, cfg.View.SnapshotTTL)
	assert.Equal(t, 3*time.Minute, cfg.View.TokenTTL)
	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, int64(42), cfg.Telegram.AdminChatID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/deskgate.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Agents.ProbeInterval)
	assert.Equal(t, 2*time.Minute, cfg.Agents.PresenceTTL)
	assert.Equal(t, 15*time.Second, cfg.Agents.CommandTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Agents.DownloadTimeout)
	assert.Equal(t, 10, cfg.View.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.View.SnapshotTTL)
	assert.Equal(t, 5*time.Minute, cfg.View.TokenTTL)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DESKGATE_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/deskgate.db"
auth:
  jwt_secret: "${TEST_DESKGATE_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/deskgate.db"
agents:
  command_timeout: "fifteen seconds"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command_timeout")
}

func TestValidateMissingDatabase(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidateTelegramRequiresToken(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/deskgate.db"
telegram:
  enabled: true
  admin_chat_id: 42
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot_token")
}

func TestValidateTailscaleRequiresHostname(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "/tmp/deskgate.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hostname")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

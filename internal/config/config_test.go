package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nexus", cfg.Auth.Issuer)
	assert.Equal(t, 10*time.Second, cfg.Realtime.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Inbox.MinRefreshInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Contains(t, cfg.Database.URL, "postgres://")
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nexus.yaml")
	yaml := `
database:
  url: postgres://file/db
auth:
  secret: from-file
realtime:
  poll_interval: 2s
  push_url: ws://localhost:9000/ws
inbox:
  min_refresh_interval: 500ms
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))
	t.Setenv("NEXUS_AUTH_SECRET", "from-env")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.Database.URL)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Second, cfg.Realtime.PollInterval)
	assert.Equal(t, "ws://localhost:9000/ws", cfg.Realtime.PushURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Inbox.MinRefreshInterval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_SearchesConfigDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "nexus.yaml"), []byte("keystore:\n  path: /tmp/k.db\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/k.db", cfg.Keystore.Path)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseConfig_RequiresDatabaseURL(t *testing.T) {
	t.Chdir(t.TempDir())
	v, err := LoadConfig("")
	require.NoError(t, err)
	v.Set("database.url", "")

	_, err = ParseConfig(v)
	assert.ErrorIs(t, err, ErrMissingDatabaseURL)
}

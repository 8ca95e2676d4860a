package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "notification.events.q", cfg.MQ.Queue)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  host: db.internal
retry:
  max_attempts: 5
server:
  port: "9000"
`), 0o644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DB_HOST", "db.override")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db.override", cfg.DB.Host, "environment wins over the file")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "9000", cfg.Server.Port)
}

func TestLoadRejectsNonPositiveMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 0\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 30 * time.Second, MaxDelay: 2 * time.Minute}

	assert.Equal(t, 30*time.Second, cfg.Backoff(1))
	assert.Equal(t, time.Minute, cfg.Backoff(2))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(3))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(10), "capped at max delay")
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "9724", cfg.Port)
	assert.Equal(t, 300, cfg.Defaults.DailyLimit)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "8080"
log_level: debug
defaults:
  min_delay_sec: 10
  max_delay_sec: 20
  warmup_messages: 5
  warmup_delay_min_sec: 30
  warmup_delay_max_sec: 60
  batch_size: 10
  batch_rest_min_sec: 100
  batch_rest_max_sec: 200
  daily_limit: 50
  country_code: "62"
`), 0o644))

	t.Setenv("PORT", "7000")
	t.Setenv("DB_DSN", "file:other.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port, "env wins over file")
	assert.Equal(t, "file:other.db", cfg.DBDSN)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.Defaults.DailyLimit)
}

func TestLoadRejectsInvalidDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  batch_size: 0
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2000, cfg.Logs.BufferLines)
	assert.Equal(t, 30, cfg.Run.ReadinessAttempts)
	assert.Equal(t, time.Second, cfg.Run.ReadinessInterval)
	assert.Equal(t, 15*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, 20*time.Second, cfg.Housekeeping.SweepTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Jobs.HistoryRetention)
	assert.Zero(t, cfg.Deploy.CommandTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
log:
  level: debug
  format: json
run:
  readiness_attempts: 5
  readiness_interval: 250ms
jobs:
  retention: 1h
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Run.ReadinessAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Run.ReadinessInterval)
	assert.Equal(t, time.Hour, cfg.Jobs.Retention)
	// Untouched keys keep defaults.
	assert.Equal(t, 2000, cfg.Logs.BufferLines)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logs:\n  buffer_lines: 0\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:1234"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", loaded.Listen)
	assert.Equal(t, cfg.Run.StopGrace, loaded.Run.StopGrace)
}

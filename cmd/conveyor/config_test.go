package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConveyorEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONVEYOR_DB_PATH",
		"CONVEYOR_PUBLIC_URL",
		"CONVEYOR_INTERNAL_URL",
		"CONVEYOR_LOG_LEVEL",
		"CONVEYOR_POLL_SCHEDULE",
		"CONVEYOR_PROGRESS_MODE",
		"CONVEYOR_VAULT_PASSPHRASE",
		"CONVEYOR_VAULT_SALT",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConveyorEnv(t)

	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "* * * * *", cfg.PollSchedule)
	assert.Equal(t, "per_step", cfg.ProgressMode)
	assert.Contains(t, cfg.DBPath, "conveyor.db")
	assert.Empty(t, cfg.VaultPassphrase)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	clearConveyorEnv(t)

	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{
		"db_path": "/tmp/custom.db",
		"log_level": "debug",
		"public_url": "https://conveyor.example"
	}`), 0o644))

	cfg := loadConfigFrom(settings)

	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://conveyor.example", cfg.PublicURL)
	// Untouched keys keep their defaults.
	assert.Equal(t, "* * * * *", cfg.PollSchedule)
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	clearConveyorEnv(t)

	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{"log_level": "debug"}`), 0o644))

	t.Setenv("CONVEYOR_LOG_LEVEL", "error")
	t.Setenv("CONVEYOR_DB_PATH", "/tmp/env.db")

	cfg := loadConfigFrom(settings)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
}

func TestLoadConfig_InternalURLFallsBackToPublic(t *testing.T) {
	clearConveyorEnv(t)

	t.Setenv("CONVEYOR_PUBLIC_URL", "https://conveyor.example")

	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, "https://conveyor.example", cfg.InternalURL)
}

func TestLoadConfig_InternalURLExplicit(t *testing.T) {
	clearConveyorEnv(t)

	t.Setenv("CONVEYOR_PUBLIC_URL", "https://public.example")
	t.Setenv("CONVEYOR_INTERNAL_URL", "http://engine.internal:8080")

	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, "http://engine.internal:8080", cfg.InternalURL)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// Config holds all conveyor engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	PublicURL    string `json:"public_url"`
	InternalURL  string `json:"internal_url"`
	LogLevel     string `json:"log_level"`
	PollSchedule string `json:"poll_schedule"`
	ProgressMode string `json:"progress_mode"`

	// VaultPassphrase and VaultSalt enable connection secret
	// encryption. Both empty disables the vault.
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(conveyorDir(), "conveyor.db"),
		LogLevel:     "info",
		PollSchedule: "* * * * *",
		ProgressMode: "per_step",
	}
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func loadConfig() Config {
	return loadConfigFrom(filepath.Join(conveyorDir(), "settings.json"))
}

func loadConfigFrom(settingsPath string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVEYOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVEYOR_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("CONVEYOR_INTERNAL_URL"); v != "" {
		cfg.InternalURL = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVEYOR_POLL_SCHEDULE"); v != "" {
		cfg.PollSchedule = v
	}
	if v := os.Getenv("CONVEYOR_PROGRESS_MODE"); v != "" {
		cfg.ProgressMode = v
	}
	if v := os.Getenv("CONVEYOR_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("CONVEYOR_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	// The internal URL defaults to the public one.
	if cfg.InternalURL == "" {
		cfg.InternalURL = cfg.PublicURL
	}

	return cfg
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

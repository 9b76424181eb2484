// Package config loads camofy's process-level settings from the
// environment: listen address, data root, and log level. Everything
// persisted (profiles, scheduler state, selections) lives in
// internal/appconfig instead, which is reloaded from disk rather than
// the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the environment-sourced settings camofy needs before it
// can load internal/appconfig.Store.
type Config struct {
	Host         string
	Port         int
	DataRoot     string
	LogLevel     string
	OTLPEndpoint string
}

// Load reads CAMOFY_* environment variables, falling back to
// platform-appropriate defaults.
func Load() *Config {
	return &Config{
		Host:         envStr("CAMOFY_HOST", "0.0.0.0"),
		Port:         envInt("CAMOFY_PORT", 3000),
		DataRoot:     envStr("CAMOFY_DATA_ROOT", defaultDataRoot()),
		LogLevel:     envStr("CAMOFY_LOG", "info"),
		OTLPEndpoint: envStr("CAMOFY_OTLP_ENDPOINT", ""),
	}
}

// defaultDataRoot mirrors original_source/src/app.rs's data_root(): a
// router image keeps persistent state under /jffs (its one writable,
// reboot-surviving partition); anywhere else falls back to a per-user
// XDG-ish directory.
func defaultDataRoot() string {
	if info, err := os.Stat("/jffs"); err == nil && info.IsDir() {
		return "/jffs/camofy"
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/var/lib/camofy"
	}
	return filepath.Join(home, ".local", "share", "camofy")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

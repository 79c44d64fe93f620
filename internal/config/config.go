// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the mindsync CLI configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bMacroni/MindClear-sub002/mindsync"
)

// SyncConfig tunes the engine and its triggers.
type SyncConfig struct {
	PushConcurrency   int    `yaml:"push_concurrency"`
	Schedule          string `yaml:"schedule"` // cron spec, e.g. "@every 5m"
	DebounceMillis    int    `yaml:"debounce_millis"`
	Realtime          bool   `yaml:"realtime"`
	WatchLocal        bool   `yaml:"watch_local"`
	BackoffMinSeconds int    `yaml:"backoff_min_seconds"`
	BackoffMaxSeconds int    `yaml:"backoff_max_seconds"`
	LogStageTimings   bool   `yaml:"log_stage_timings"`
}

// ServerConfig configures the reference API served by `mindsync serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// DatabaseURL selects the PostgreSQL store; empty keeps records in memory.
	DatabaseURL string `yaml:"database_url"`
}

// Config is the CLI configuration loaded from config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	APIURL   string `yaml:"api_url"`
	Database string `yaml:"database"`
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
	// Token is a bearer token; when empty and JWTSecret is set, the CLI mints
	// one for UserID and DeviceID.
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`

	LogLevel string `yaml:"log_level"`
	// LogFile enables rotated file logging next to stderr.
	LogFile      string `yaml:"log_file"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb"`

	Sync   SyncConfig   `yaml:"sync"`
	Server ServerConfig `yaml:"server"`
}

func defaultConfig() Config {
	return Config{
		APIURL:       "http://127.0.0.1:8080",
		Database:     "mindclear.db",
		LogLevel:     "info",
		LogMaxSizeMB: 10,
		Sync: SyncConfig{
			PushConcurrency:   1,
			Schedule:          "@every 5m",
			DebounceMillis:    500,
			Realtime:          true,
			WatchLocal:        true,
			BackoffMinSeconds: 1,
			BackoffMaxSeconds: 60,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// HomeDir returns the configuration directory. MINDSYNC_HOME overrides it.
func HomeDir() string {
	if override := os.Getenv("MINDSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mindsync")
}

// ConfigPath returns the config file inside homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads path (ConfigPath(HomeDir()) when empty), applies environment
// overrides and fills defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if path == "" {
		path = ConfigPath(cfg.HomeDir)
	} else {
		cfg.HomeDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Database != "" && !filepath.IsAbs(cfg.Database) && cfg.Database != ":memory:" {
		cfg.Database = filepath.Join(cfg.HomeDir, cfg.Database)
	}
	if cfg.LogFile != "" && !filepath.IsAbs(cfg.LogFile) {
		cfg.LogFile = filepath.Join(cfg.HomeDir, cfg.LogFile)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 10
	}
	if cfg.Sync.PushConcurrency <= 0 {
		cfg.Sync.PushConcurrency = 1
	}
	if cfg.Sync.Schedule == "" {
		cfg.Sync.Schedule = "@every 5m"
	}
	if cfg.Sync.DebounceMillis <= 0 {
		cfg.Sync.DebounceMillis = 500
	}
	if cfg.Sync.BackoffMinSeconds <= 0 {
		cfg.Sync.BackoffMinSeconds = 1
	}
	if cfg.Sync.BackoffMaxSeconds < cfg.Sync.BackoffMinSeconds {
		cfg.Sync.BackoffMaxSeconds = cfg.Sync.BackoffMinSeconds
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MINDSYNC_API_URL"); raw != "" {
		cfg.APIURL = raw
	}
	if raw := os.Getenv("MINDSYNC_DATABASE"); raw != "" {
		cfg.Database = raw
	}
	if raw := os.Getenv("MINDSYNC_USER_ID"); raw != "" {
		cfg.UserID = raw
	}
	if raw := os.Getenv("MINDSYNC_DEVICE_ID"); raw != "" {
		cfg.DeviceID = raw
	}
	if raw := os.Getenv("MINDSYNC_TOKEN"); raw != "" {
		cfg.Token = raw
	}
	if raw := os.Getenv("MINDSYNC_JWT_SECRET"); raw != "" {
		cfg.JWTSecret = raw
	}
	if raw := os.Getenv("MINDSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MINDSYNC_LOG_FILE"); raw != "" {
		cfg.LogFile = raw
	}
	if raw := os.Getenv("MINDSYNC_PUSH_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.PushConcurrency = v
		}
	}
	if raw := os.Getenv("MINDSYNC_SCHEDULE"); raw != "" {
		cfg.Sync.Schedule = raw
	}
	if raw := os.Getenv("MINDSYNC_REALTIME"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Sync.Realtime = v
		}
	}
	if raw := os.Getenv("MINDSYNC_SERVER_ADDR"); raw != "" {
		cfg.Server.Addr = raw
	}
	if raw := os.Getenv("MINDSYNC_DATABASE_URL"); raw != "" {
		cfg.Server.DatabaseURL = raw
	}
}

// SlogLevel maps LogLevel onto a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EngineConfig builds the engine configuration from the sync section.
func (c Config) EngineConfig() *mindsync.Config {
	ec := mindsync.DefaultConfig()
	ec.PushConcurrency = c.Sync.PushConcurrency
	ec.Schedule = c.Sync.Schedule
	ec.Debounce = time.Duration(c.Sync.DebounceMillis) * time.Millisecond
	ec.BackoffMin = time.Duration(c.Sync.BackoffMinSeconds) * time.Second
	ec.BackoffMax = time.Duration(c.Sync.BackoffMaxSeconds) * time.Second
	ec.LogStageTimings = c.Sync.LogStageTimings
	return ec
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

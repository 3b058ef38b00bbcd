package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/plugins"
)

// Duration is a time.Duration written as a Go duration string ("30s") in
// settings.json.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds all flowrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string   `json:"db_path"`
	LogLevel          string   `json:"log_level"`
	PoolSize          int      `json:"pool_size"`
	Parallel          bool     `json:"parallel"`
	JoinPolicy        string   `json:"join_policy"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	HTTPTimeout       Duration `json:"http_timeout"`

	// Plugins are MCP servers whose tools become runners. Settings file only.
	Plugins []plugins.PluginConfig `json:"plugins,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(flowrunDir(), "flowrun.db"),
		LogLevel:          "info",
		PoolSize:          engine.DefaultPoolSize,
		JoinPolicy:        string(engine.JoinStarve),
		SchedulerInterval: Duration(time.Minute),
		HTTPTimeout:       Duration(30 * time.Second),
	}
}

func flowrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrun"
	}
	return filepath.Join(home, ".flowrun")
}

func settingsPath() string {
	return filepath.Join(flowrunDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignored if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWRUN_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWRUN_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("FLOWRUN_PARALLEL"); v != "" {
		cfg.Parallel = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWRUN_JOIN_POLICY"); v != "" {
		cfg.JoinPolicy = v
	}
	if v := os.Getenv("FLOWRUN_SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWRUN_SCHEDULER_INTERVAL: %w", err)
		}
		cfg.SchedulerInterval = Duration(d)
	}
	if v := os.Getenv("FLOWRUN_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("FLOWRUN_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = Duration(d)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch engine.JoinPolicy(c.JoinPolicy) {
	case engine.JoinStarve, engine.JoinFillEmpty:
	default:
		return fmt.Errorf("join_policy must be %q or %q, got %q", engine.JoinStarve, engine.JoinFillEmpty, c.JoinPolicy)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler_interval must be positive")
	}
	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.Name == "" || p.Command == "" {
			return fmt.Errorf("plugins[%d]: name and command are required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("plugins[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// parseLevel maps a config level name to a slog level. Unknown names mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// newLogger writes text logs to stderr, tagged with the flow, execution and
// node IDs carried in the context. Stdout is reserved for the MCP transport.
func newLogger(level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(logging.NewCorrelationHandler(h))
}

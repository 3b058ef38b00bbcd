package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// runInstall creates ~/.flowrun and writes settings.json from flags.
func runInstall(out io.Writer, args []string) error {
	def := defaultConfig()

	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dbPath := fs.String("db-path", def.DBPath, "database path")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", def.PoolSize, "worker pool size in parallel mode")
	parallel := fs.Bool("parallel", false, "dispatch ready nodes concurrently")
	joinPolicy := fs.String("join-policy", def.JoinPolicy, "join policy: starve or fill_empty")
	interval := fs.Duration("scheduler-interval", time.Duration(def.SchedulerInterval), "scheduled trigger polling interval")
	httpTimeout := fs.Duration("http-timeout", time.Duration(def.HTTPTimeout), "default http.request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := Config{
		DBPath:            *dbPath,
		LogLevel:          *logLevel,
		PoolSize:          *poolSize,
		Parallel:          *parallel,
		JoinPolicy:        *joinPolicy,
		SchedulerInterval: Duration(*interval),
		HTTPTimeout:       Duration(*httpTimeout),
	}
	// Plugins are edited in the settings file; keep the ones already there.
	if prev, err := loadConfig(); err == nil {
		cfg.Plugins = prev.Plugins
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	dir := flowrunDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Config written to %s\n", path)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/plugins"
	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

// app is the wired object graph shared by the commands.
type app struct {
	store    *store.LibSQLStore
	registry *runners.Registry
	plugins  *plugins.Manager
	hub      *streaming.MemoryHub
	service  *service.Service
}

// newRegistry builds the runner registry with every built-in runner.
func newRegistry(cfg Config) (*runners.Registry, error) {
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("create schema validator: %w", err)
	}
	reg := runners.NewRegistry()
	httpCfg := runners.HTTPConfig{
		DefaultTimeout: time.Duration(cfg.HTTPTimeout),
		Breaker:        runners.DefaultCircuitBreakerConfig(),
	}
	if err := runners.RegisterBuiltins(reg, jsv, httpCfg); err != nil {
		return nil, fmt.Errorf("register runners: %w", err)
	}
	return reg, nil
}

// loadPlugins starts every configured plugin and registers its tools. A
// plugin that fails to start is logged and skipped.
func loadPlugins(ctx context.Context, reg *runners.Registry, cfg Config, logger *slog.Logger) *plugins.Manager {
	mgr := plugins.NewManager(reg, logger)
	for _, pc := range cfg.Plugins {
		if _, err := mgr.Load(ctx, pc); err != nil {
			logger.Warn("plugin not loaded", "plugin", pc.Name, "error", err)
		}
	}
	return mgr
}

// openApp opens and migrates the database and wires the flow service.
func openApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg, err := newRegistry(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	mgr := loadPlugins(ctx, reg, cfg, logger)

	hub := streaming.NewMemoryHub()
	events := streaming.NewTeeLog(store.NewEventLog(st), hub)

	svc, err := service.New(st, events, reg, service.Config{
		Parallel:   cfg.Parallel,
		PoolSize:   cfg.PoolSize,
		JoinPolicy: engine.ParseJoinPolicy(cfg.JoinPolicy),
	}, logger)
	if err != nil {
		_ = mgr.Close()
		_ = st.Close()
		return nil, err
	}

	return &app{store: st, registry: reg, plugins: mgr, hub: hub, service: svc}, nil
}

func (a *app) Close() error {
	_ = a.plugins.Close()
	return a.store.Close()
}

// loadDefinition reads a flow definition from a JSON file.
func loadDefinition(path string) (*schema.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/mcp"
	"github.com/rendis/flowrun/pkg/schema"
)

const usageText = `usage: flowrun <command> [flags]

commands:
  serve                        serve MCP tools on stdio and run scheduled triggers
  run <flow.json> [start-node] execute a flow file and print the result
  validate <flow.json>         check a flow file
  install                      write ~/.flowrun/settings.json
  version                      print the version
`

// errInvalidFlow is returned by validate when the flow has errors.
var errInvalidFlow = errors.New("flow is invalid")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(out, usageText)
		return errors.New("missing command")
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "run":
		return runFlow(ctx, out, args[1:])
	case "validate":
		return runValidate(ctx, out, args[1:])
	case "install":
		return runInstall(out, args[1:])
	case "version":
		printVersion(out)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(out, usageText)
		return nil
	default:
		fmt.Fprint(out, usageText)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	noScheduler := fs.Bool("no-scheduler", false, "do not fire scheduled triggers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Service: a.service,
		Runners: a.registry,
		Events:  a.hub,
		Logger:  logger,
	})

	if !*noScheduler {
		sched := scheduler.NewScheduler(a.store, srv.TriggerRunner(), time.Duration(cfg.SchedulerInterval), logger)
		srv.EnableScheduling(sched)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed trigger recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	logger.Info("flowrun serving on stdio",
		"db_path", cfg.DBPath,
		"runners", a.registry.Count(),
		"plugins", a.plugins.Check(ctx))
	return srv.Serve(ctx)
}

func runFlow(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	seedJSON := fs.String("seed", "", "JSON array of items handed to the start node")
	stopAfter := fs.String("stop-after", "", "node after which nothing propagates downstream")
	parallel := fs.Bool("parallel", false, "dispatch ready nodes concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("run: flow file is required")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}
	opts := service.RunOptions{StartNode: fs.Arg(1), StopAfter: *stopAfter}
	if *seedJSON != "" {
		var items schema.Items
		if err := json.Unmarshal([]byte(*seedJSON), &items); err != nil {
			return fmt.Errorf("run: -seed must be a JSON array: %w", err)
		}
		opts.Seed = schema.PortData{items}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *parallel {
		cfg.Parallel = true
	}
	a, err := openApp(ctx, cfg, newLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer a.Close()

	res, runErr := a.service.RunDefinition(ctx, def, opts)
	if res != nil {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	}
	return runErr
}

func runValidate(ctx context.Context, out io.Writer, args []string) error {
	if len(args) < 1 {
		return errors.New("validate: flow file is required")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	mgr := loadPlugins(ctx, reg, cfg, newLogger(cfg.LogLevel))
	defer mgr.Close()

	v, err := validation.NewFlowValidator(reg)
	if err != nil {
		return err
	}

	result := v.Validate(def)
	if err := writeJSON(out, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}); err != nil {
		return err
	}
	if !result.Valid() {
		return errInvalidFlow
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package plugins turns external MCP servers into runner packs: every tool
// a plugin exposes becomes a runner named "<plugin>.<tool>".
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowrun/internal/runners"
	"github.com/rendis/flowrun/pkg/schema"
)

// Plugin status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PluginConfig describes how to launch a plugin subprocess.
type PluginConfig struct {
	Name    string   `json:"name"`           // runner prefix
	Command string   `json:"command"`        // MCP server binary
	Args    []string `json:"args,omitempty"` // CLI arguments
	Env     []string `json:"env,omitempty"`  // extra KEY=VALUE pairs
}

// Manager owns the plugin clients and registers their tools as runners.
type Manager struct {
	registry *runners.Registry
	plugins  map[string]*managedPlugin
	loading  map[string]bool // names reserved by an Attach in progress
	mu       sync.RWMutex
	logger   *slog.Logger
}

type managedPlugin struct {
	client  ToolClient
	tools   []string
	status  string
	lastErr string
}

// NewManager creates a Manager that registers into reg.
func NewManager(reg *runners.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Manager{
		registry: reg,
		plugins:  make(map[string]*managedPlugin),
		loading:  make(map[string]bool),
		logger:   logger,
	}
}

// Load starts the plugin subprocess over stdio and attaches it.
// Returns the number of runners registered.
func (m *Manager) Load(ctx context.Context, cfg PluginConfig) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin requires name and command")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, append(os.Environ(), cfg.Env...), cfg.Args...)
	if err != nil {
		return 0, fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}
	n, err := m.Attach(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return 0, err
	}
	return n, nil
}

// Attach performs the MCP handshake on an already started client, lists its
// tools and registers one runner per tool under the given name prefix.
func (m *Manager) Attach(ctx context.Context, name string, c ToolClient) (int, error) {
	if err := m.reserve(name); err != nil {
		return 0, err
	}
	attached := false
	defer func() {
		if !attached {
			m.release(name)
		}
	}()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "flowrun", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return 0, fmt.Errorf("handshake with plugin %q: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools of plugin %q: %w", name, err)
	}

	toolRunners := make([]runners.Runner, 0, len(listed.Tools))
	toolNames := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		toolRunners = append(toolRunners, &toolRunner{
			tool:        tool.Name,
			description: tool.Description,
			client:      c,
		})
		toolNames = append(toolNames, tool.Name)
	}
	sort.Strings(toolNames)

	n, err := m.registry.RegisterApp(name, toolRunners)
	if err != nil {
		return 0, fmt.Errorf("register plugin %q: %w", name, err)
	}

	m.mu.Lock()
	delete(m.loading, name)
	m.plugins[name] = &managedPlugin{client: c, tools: toolNames, status: StatusHealthy}
	m.mu.Unlock()
	attached = true

	m.logger.InfoContext(ctx, "plugin loaded", slog.String("plugin", name), slog.Int("runners", n))
	return n, nil
}

// reserve claims name for an Attach in progress.
func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[name]; exists || m.loading[name] {
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", name)
	}
	m.loading[name] = true
	return nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loading, name)
}

// Check pings every plugin and records its status.
func (m *Manager) Check(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		mp := m.plugins[name]
		m.mu.RUnlock()
		if mp == nil {
			continue
		}
		err := mp.client.Ping(ctx)

		m.mu.Lock()
		if err != nil {
			mp.status = StatusUnhealthy
			mp.lastErr = err.Error()
		} else {
			mp.status = StatusHealthy
			mp.lastErr = ""
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.WarnContext(ctx, "plugin unhealthy", slog.String("plugin", name), slog.String("error", err.Error()))
		}
	}
	return m.Status()
}

// Status returns the last known status of each plugin.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.plugins))
	for name, mp := range m.plugins {
		out[name] = mp.status
	}
	return out
}

// Tools returns the tool names a plugin exposes, sorted.
func (m *Manager) Tools(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.plugins[name]; ok {
		return append([]string(nil), mp.tools...)
	}
	return nil
}

// Close closes every plugin client. Registered runners stay in the registry
// and fail when called.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, mp := range m.plugins {
		if err := mp.client.Close(); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin", slog.String("plugin", name), slog.String("error", err.Error()))
		}
		delete(m.plugins, name)
	}
	return lastErr
}

// toolRunner calls one MCP tool per input item. Step parameters form the
// base arguments; object items are merged over them. A start node calls
// the tool once with the parameters alone.
type toolRunner struct {
	tool        string
	description string
	client      ToolClient
}

func (r *toolRunner) Name() string { return r.tool }

func (r *toolRunner) Schema() runners.RunnerSchema {
	return runners.RunnerSchema{Description: r.description}
}

func (r *toolRunner) Validate(map[string]any) error { return nil }

func (r *toolRunner) Run(ctx context.Context, in runners.Input) (schema.PortData, error) {
	out := runners.Ports(in.Outputs)
	items := in.Inputs.Flatten()
	if len(items) == 0 && in.IsStart() {
		items = schema.Items{nil}
	}

	for i, item := range items {
		args := make(map[string]any, len(in.Params))
		for k, v := range in.Params {
			args[k] = v
		}
		if obj, ok := item.(map[string]any); ok {
			for k, v := range obj {
				args[k] = v
			}
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = r.tool
		req.Params.Arguments = args
		res, err := r.client.CallTool(ctx, req)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeRunnerFailed, "%s: item %d: %s", r.tool, i, err.Error()).
				WithNode(in.NodeID).
				WithCause(err)
		}

		texts := make([]string, 0, len(res.Content))
		for _, c := range res.Content {
			texts = append(texts, mcp.GetTextFromContent(c))
		}
		if res.IsError {
			return nil, schema.NewErrorf(schema.ErrCodeRunnerFailed, "%s: item %d: tool error: %v", r.tool, i, texts).
				WithNode(in.NodeID)
		}
		for _, text := range texts {
			out[0] = append(out[0], decodeText(text))
		}
	}
	return out, nil
}

// decodeText returns text as JSON when it parses, and {"text": text}
// otherwise.
func decodeText(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return map[string]any{"text": text}
}

package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/flowrun/internal/store"
)

// TriggerNotifier pushes notifications about fired triggers.
type TriggerNotifier interface {
	Notify(ctx context.Context, triggerID string, payload map[string]any) error
}

// MCPNotifier implements TriggerNotifier using MCP session push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the session that
// scheduled each trigger.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the trigger's session.
// Best-effort: returns nil if no session is connected.
func (n *MCPNotifier) Notify(_ context.Context, triggerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.Owner(triggerID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Forget(sessionID)
		return nil
	}
	return err
}

// triggerRunner runs the flow a trigger points at. FlowService satisfies it.
type triggerRunner interface {
	RunTrigger(ctx context.Context, trig *store.ScheduledTrigger) (*store.Execution, error)
}

// NotifyingRunner runs scheduled triggers and reports each outcome to the
// session that scheduled the trigger. It satisfies scheduler.FlowRunner.
type NotifyingRunner struct {
	next     triggerRunner
	notifier TriggerNotifier
	logger   *slog.Logger
}

// RunTrigger runs trig and sends a "trigger_fired" notification.
func (r *NotifyingRunner) RunTrigger(ctx context.Context, trig *store.ScheduledTrigger) (*store.Execution, error) {
	exec, runErr := r.next.RunTrigger(ctx, trig)

	payload := map[string]any{
		"type":       "trigger_fired",
		"trigger_id": trig.ID,
		"flow_id":    trig.FlowID,
	}
	if exec != nil {
		payload["execution_id"] = exec.ID
		payload["status"] = string(exec.Status)
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if err := r.notifier.Notify(ctx, trig.ID, payload); err != nil {
		r.logger.WarnContext(ctx, "trigger notification failed",
			slog.String("trigger_id", trig.ID),
			slog.String("error", err.Error()))
	}
	return exec, runErr
}

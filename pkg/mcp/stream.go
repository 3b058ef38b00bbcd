package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/flowrun/internal/streaming"
)

// streamExecution forwards the events of one execution to the calling
// session until the returned function is called. It is a no-op without a
// hub or a session.
func (s *FlowServer) streamExecution(ctx context.Context, executionID string) func() {
	session := server.ClientSessionFromContext(ctx)
	if s.events == nil || session == nil {
		return func() {}
	}
	sessionID := session.SessionID()
	return forwardEvents(ctx, s.events, executionID, func(payload map[string]any) error {
		return s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	}, s.logger)
}

// forwardEvents subscribes to executionID on hub and calls send with a
// "flow_event" payload per event. The returned stop function unsubscribes
// and waits until every buffered event has been sent.
func forwardEvents(ctx context.Context, hub streaming.EventHub, executionID string, send func(map[string]any) error, logger *slog.Logger) func() {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		logger.WarnContext(ctx, "event stream not started",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if err := send(map[string]any{"type": "flow_event", "event": ev}); err != nil {
				logger.DebugContext(ctx, "event notification failed",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

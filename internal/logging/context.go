// Package logging carries execution correlation IDs on contexts and stamps
// them onto slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// correlation is immutable once stored; every With* call copies it.
type correlation struct {
	flowID      string
	executionID string
	nodeID      string
	runIndex    int
	hasRun      bool
}

func from(ctx context.Context) correlation {
	c, _ := ctx.Value(ctxKey{}).(correlation)
	return c
}

func with(ctx context.Context, edit func(*correlation)) context.Context {
	c := from(ctx)
	edit(&c)
	return context.WithValue(ctx, ctxKey{}, c)
}

func WithFlowID(ctx context.Context, id string) context.Context {
	return with(ctx, func(c *correlation) { c.flowID = id })
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return with(ctx, func(c *correlation) { c.executionID = id })
}

// WithNodeID sets the node and clears any run index from an outer node.
func WithNodeID(ctx context.Context, id string) context.Context {
	return with(ctx, func(c *correlation) { c.nodeID, c.runIndex, c.hasRun = id, 0, false })
}

// WithNodeRun sets the node and the run index being executed.
func WithNodeRun(ctx context.Context, id string, run int) context.Context {
	return with(ctx, func(c *correlation) { c.nodeID, c.runIndex, c.hasRun = id, run, true })
}

func FlowID(ctx context.Context) string      { return from(ctx).flowID }
func ExecutionID(ctx context.Context) string { return from(ctx).executionID }
func NodeID(ctx context.Context) string      { return from(ctx).nodeID }

// RunIndex returns the run index set by WithNodeRun.
func RunIndex(ctx context.Context) (int, bool) {
	c := from(ctx)
	return c.runIndex, c.hasRun
}

func (c correlation) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	if c.flowID != "" {
		attrs = append(attrs, slog.String("flow_id", c.flowID))
	}
	if c.executionID != "" {
		attrs = append(attrs, slog.String("execution_id", c.executionID))
	}
	if c.nodeID != "" {
		attrs = append(attrs, slog.String("node_id", c.nodeID))
	}
	if c.hasRun {
		attrs = append(attrs, slog.Int("run_index", c.runIndex))
	}
	return attrs
}

// CorrelationHandler adds the context's correlation IDs to every record it
// handles, so plain logger.InfoContext(ctx, ...) calls carry them.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(from(ctx).attrs()...)
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{next: h.next.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{next: h.next.WithGroup(name)}
}

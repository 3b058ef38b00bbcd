package expressions

import (
	"context"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// Engine evaluates expressions against a variable map built by Scope.Map.
// CEL backs flow.if conditions, jq and expr back the transform runners.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programs caches compiled expressions by source text. Compiled programs of
// all three engines are safe to share between goroutines.
type programs[P any] struct {
	engine  string
	compile func(expression string) (P, error)

	mu    sync.Mutex
	cache map[string]P
}

func newPrograms[P any](engine string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{engine: engine, compile: compile, cache: make(map[string]P)}
}

// get returns the compiled program for expression, compiling it on first use.
// Failures are not cached.
func (p *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", p.engine)
	}

	p.mu.Lock()
	prg, ok := p.cache[expression]
	p.mu.Unlock()
	if ok {
		return prg, nil
	}

	prg, err := p.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation,
			"%s compile error in %q: %s", p.engine, expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[expression]; ok {
		return existing, nil
	}
	p.cache[expression] = prg
	return prg, nil
}

func (p *programs[P]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// evalError wraps a runtime failure as an EXPRESSION error.
func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

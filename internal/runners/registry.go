package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// Registry is a thread-safe, string-keyed runner registry.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner to the registry. Returns error on duplicate name.
func (r *Registry) Register(runner Runner) error {
	if runner == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner is nil")
	}
	name := runner.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "runner name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner %q already registered", name)
	}
	r.runners[name] = runner
	return nil
}

// Get retrieves a runner by name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRunnerUnavailable, "runner %q not registered", name)
	}
	return runner, nil
}

// List returns info for all registered runners, sorted by name.
func (r *Registry) List() []RunnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RunnerInfo, 0, len(r.runners))
	for name, rn := range r.runners {
		infos = append(infos, RunnerInfo{
			Name:        name,
			Description: rn.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterApp bulk-registers the runners of a connector pack under a
// prefixed namespace. Each runner name becomes "prefix.originalName"
// (e.g. "slack.post_message"). Either every runner is registered or, on a
// conflict, none is.
func (r *Registry) RegisterApp(prefix string, runners []Runner) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "app prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]Runner, len(runners))
	for _, rn := range runners {
		prefixed := fmt.Sprintf("%s.%s", prefix, rn.Name())
		if _, exists := r.runners[prefixed]; exists {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "app runner %q already registered", prefixed)
		}
		if _, dup := batch[prefixed]; dup {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "app runner %q listed twice", prefixed)
		}
		batch[prefixed] = &prefixedRunner{inner: rn, name: prefixed}
	}
	for name, rn := range batch {
		r.runners[name] = rn
	}
	return len(batch), nil
}

// Has checks if a runner is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[name]
	return ok
}

// ParamsSchema returns the parameter JSON Schema of a runner, or nil when
// the runner is unknown or declares none.
func (r *Registry) ParamsSchema(name string) json.RawMessage {
	rn, err := r.Get(name)
	if err != nil {
		return nil
	}
	return rn.Schema().ParamsSchema
}

// ValidateParams runs the named runner's own parameter checks.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	rn, err := r.Get(name)
	if err != nil {
		return err
	}
	return rn.Validate(params)
}

// Count returns the number of registered runners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// prefixedRunner wraps an app runner with a prefixed name.
type prefixedRunner struct {
	inner Runner
	name  string
}

func (p *prefixedRunner) Name() string                         { return p.name }
func (p *prefixedRunner) Schema() RunnerSchema                 { return p.inner.Schema() }
func (p *prefixedRunner) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *prefixedRunner) Run(ctx context.Context, in Input) (schema.PortData, error) {
	return p.inner.Run(ctx, in)
}

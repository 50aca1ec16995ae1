package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// WorkflowFunc is a deterministic orchestration. It must only interact with
// the outside world through ctx.
type WorkflowFunc func(ctx Context) (any, error)

// ActivityFunc is a unit of work invoked with JSON input.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps names to workflows and activities.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
	}
}

// RegisterWorkflow adds a workflow under name.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// RegisterActivityFunc adds a raw activity under name.
func (r *Registry) RegisterActivityFunc(name string, fn ActivityFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activities[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

// RegisterActivity adds a typed activity, decoding its input and encoding
// its output as JSON.
func RegisterActivity[In, Out any](r *Registry, name string, fn func(ctx context.Context, in In) (Out, error)) error {
	return r.RegisterActivityFunc(name, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode %s input: %w", name, err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
}

// Workflow looks up a workflow by name.
func (r *Registry) Workflow(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

// Activity looks up an activity by name.
func (r *Registry) Activity(name string) (ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}

// Activities lists the registered activity names, sorted.
func (r *Registry) Activities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for n := range r.activities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

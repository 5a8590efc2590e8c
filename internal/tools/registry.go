// Package tools provides the tool registry consumed by the execution engine.
// Tool implementations themselves live in the embedding application; this
// package only maps names to executors and supports per-task-type filtering.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trellis/internal/llm"
)

// Executor is one callable tool.
type Executor interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Provider is the read-side contract the engine depends on.
type Provider interface {
	Get(name string) (Executor, error)
	List() []llm.ToolDefinition
}

// Registry implements Provider with a mutable, mutex-guarded tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Executor)}
}

// Register adds a tool; duplicate names are rejected.
func (r *Registry) Register(tool Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the tool for name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// List returns definitions for all registered tools, sorted by name.
func (r *Registry) List() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Subset returns a filtered view restricted to the named tools. Unknown names
// are ignored; the view reflects later registrations on the parent.
func (r *Registry) Subset(names ...string) Provider {
	include := make(map[string]bool, len(names))
	for _, name := range names {
		include[name] = true
	}
	return &subsetProvider{parent: r, include: include}
}

type subsetProvider struct {
	parent  *Registry
	include map[string]bool
}

func (s *subsetProvider) Get(name string) (Executor, error) {
	if !s.include[name] {
		return nil, fmt.Errorf("tool not available: %s", name)
	}
	return s.parent.Get(name)
}

func (s *subsetProvider) List() []llm.ToolDefinition {
	all := s.parent.List()
	filtered := make([]llm.ToolDefinition, 0, len(all))
	for _, def := range all {
		if s.include[def.Name] {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

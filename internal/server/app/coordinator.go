// Package app wires the task registry, worker engines, and broadcaster into
// the delegation surface the transport handlers call.
package app

import (
	"context"
	"fmt"
	"strings"

	"trellis/internal/broadcast"
	"trellis/internal/engine"
	"trellis/internal/logging"
	"trellis/internal/task"
	"trellis/internal/tools"
)

// TaskPolicy shapes how one task type is executed: which tools the worker
// sees and which of them are one-shot.
type TaskPolicy struct {
	// Type matches DelegateRequest.Type; empty matches nothing.
	Type string
	// Tools restricts the worker to a subset of the registry. Empty means
	// the full registry.
	Tools []string
	// OneShotTools may run at most once per task.
	OneShotTools []string
	// MaxIterations overrides the engine default when positive.
	MaxIterations int
}

// DefaultPolicies covers the task types the assistant currently delegates.
func DefaultPolicies() []TaskPolicy {
	return []TaskPolicy{
		{
			Type:         "quick_add",
			Tools:        []string{"extract_content", "create_note", "create_connection", "search_notes"},
			OneShotTools: []string{"extract_content"},
		},
		{Type: "research"},
		{Type: "organize"},
	}
}

// DelegateRequest is one task handed down from the conversational layer.
type DelegateRequest struct {
	Task            string   `json:"task"`
	Context         []string `json:"context,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
	// Type selects a TaskPolicy; unknown or empty types use the default
	// policy (full toolset, default iteration budget).
	Type string `json:"type,omitempty"`
}

// Coordinator accepts delegation requests, records them in the registry,
// and dispatches the matching worker engine.
type Coordinator struct {
	registry    *task.Registry
	broadcaster *broadcast.Broadcaster
	logger      logging.Logger

	engines       map[string]*engine.Engine
	defaultEngine *engine.Engine
}

// NewCoordinator builds one engine per policy plus a default engine with the
// full toolset. The base config applies to every engine; a policy with a
// positive MaxIterations overrides the base budget for its type.
func NewCoordinator(deps engine.Deps, base engine.Config, policies []TaskPolicy) *Coordinator {
	c := &Coordinator{
		registry:    deps.Registry,
		broadcaster: deps.Broadcaster,
		logger:      logging.OrNop(deps.Logger),
		engines:     make(map[string]*engine.Engine, len(policies)),
	}

	c.defaultEngine = engine.New(deps, base)

	fullRegistry, _ := deps.Tools.(*tools.Registry)
	for _, p := range policies {
		if p.Type == "" {
			continue
		}
		policyDeps := deps
		if len(p.Tools) > 0 && fullRegistry != nil {
			policyDeps.Tools = fullRegistry.Subset(p.Tools...)
		}
		cfg := base
		if p.MaxIterations > 0 {
			cfg.MaxIterations = p.MaxIterations
		}
		cfg.OneShotTools = p.OneShotTools
		c.engines[p.Type] = engine.New(policyDeps, cfg)
	}
	return c
}

// Delegate validates the request, queues the task, announces it, and starts
// the worker in the background. The returned task is in the queued state;
// callers follow progress through the broadcaster.
func (c *Coordinator) Delegate(ctx context.Context, req DelegateRequest) (*task.Task, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("task description is required")
	}

	t := c.registry.Create(req.Task, req.Context, req.ExpectedOutcome)
	c.logger.Info("Delegated task %s (type=%q, session %s)", t.ID, req.Type, t.SessionID)

	if c.broadcaster != nil {
		c.broadcaster.Publish(t.SessionID, broadcast.NewEvent(broadcast.EventTaskQueued, map[string]any{
			"task_id": t.ID,
			"task":    t.Task,
			"type":    req.Type,
		}))
	}

	c.engineFor(req.Type).Dispatch(ctx, t.SessionID)
	return t, nil
}

func (c *Coordinator) engineFor(taskType string) *engine.Engine {
	if eng, ok := c.engines[taskType]; ok {
		return eng
	}
	return c.defaultEngine
}

// Registry exposes the task store to transport handlers.
func (c *Coordinator) Registry() *task.Registry { return c.registry }

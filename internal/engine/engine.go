// Package engine runs one worker agent to completion for one delegated task:
// a bounded tool-calling loop with wrapped tool access, output validation,
// and task finalization.
package engine

import (
	"context"
	"fmt"
	"strings"

	"trellis/internal/broadcast"
	"trellis/internal/capsule"
	"trellis/internal/llm"
	"trellis/internal/logging"
	"trellis/internal/metrics"
	"trellis/internal/task"
	tokenutil "trellis/internal/token"
	"trellis/internal/tools"
	"trellis/internal/validate"
)

// DefaultMaxIterations is the hard iteration budget for one worker run.
const DefaultMaxIterations = 6

// PriceFunc converts accumulated token usage into USD for a model.
type PriceFunc func(model string, inputTokens, outputTokens int) float64

// Interaction is the durable record of one completed worker run.
type Interaction struct {
	SessionID        string
	TaskID           string
	Task             string
	Summary          string
	Status           task.Status
	Iterations       int
	InputTokens      int
	OutputTokens     int
	CostUSD          float64
	ValidationReason string
	ToolsUsed        []string
}

// InteractionLog persists interaction records. Calls are fire-and-forget:
// failures are logged by the engine, never propagated.
type InteractionLog interface {
	LogInteraction(ctx context.Context, rec Interaction) error
}

// Deps are the collaborators one engine run needs.
type Deps struct {
	Registry    *task.Registry
	Client      llm.Client
	Tools       tools.Provider
	Broadcaster *broadcast.Broadcaster
	Price       PriceFunc
	Journal     InteractionLog // optional
	Edges       EdgeChecker    // optional
	Logger      logging.Logger // optional
}

// Config tunes one engine instance.
type Config struct {
	// MaxIterations caps the tool-calling loop; zero selects the default.
	MaxIterations int
	// OneShotTools are side-effecting extraction tools that may execute at
	// most once per task run.
	OneShotTools []string
}

// Engine drives the bounded worker loop for tasks handed to it.
type Engine struct {
	registry    *task.Registry
	client      llm.Client
	tools       tools.Provider
	broadcaster *broadcast.Broadcaster
	price       PriceFunc
	journal     InteractionLog
	edges       EdgeChecker
	logger      logging.Logger

	maxIterations int
	oneShot       map[string]bool
}

// New builds an engine from its dependencies.
func New(deps Deps, cfg Config) *Engine {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	oneShot := make(map[string]bool, len(cfg.OneShotTools))
	for _, name := range cfg.OneShotTools {
		oneShot[name] = true
	}

	return &Engine{
		registry:      deps.Registry,
		client:        deps.Client,
		tools:         deps.Tools,
		broadcaster:   deps.Broadcaster,
		price:         deps.Price,
		journal:       deps.Journal,
		edges:         deps.Edges,
		logger:        logging.OrNop(deps.Logger),
		maxIterations: maxIter,
		oneShot:       oneShot,
	}
}

// Dispatch starts Run in its own goroutine. The run is detached from the
// caller's cancellation (a finished HTTP request must not kill the worker);
// terminal errors land in the structured log rather than vanishing.
func (e *Engine) Dispatch(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := e.Run(ctx, sessionID); err != nil {
			e.logger.Error("Task run failed for session %s: %v", sessionID, err)
		}
	}()
}

// Run executes the worker loop for the session's task and finalizes the task
// in the registry. Tool errors are recoverable inside the loop; a failing
// worker-model call is fatal: the task is force-completed as failed and the
// error is returned to the dispatching caller.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	t := e.registry.MarkInProgress(sessionID)
	if t == nil {
		return fmt.Errorf("unknown or already finished session: %s", sessionID)
	}

	e.logger.Info("Starting worker run for task %s (session %s)", t.ID, sessionID)
	e.publish(sessionID, broadcast.EventTaskStarted, map[string]any{
		"task_id": t.ID,
		"task":    t.Task,
	})

	res, err := e.runLoop(ctx, t)
	if err != nil {
		summary := fmt.Sprintf("Task failed: %v", err)
		e.registry.Complete(sessionID, summary, task.StatusFailed)
		e.publish(sessionID, broadcast.EventTaskCompleted, map[string]any{
			"task_id": t.ID,
			"status":  string(task.StatusFailed),
			"summary": summary,
		})
		metrics.TasksFinished.WithLabelValues(string(task.StatusFailed)).Inc()
		return err
	}

	e.finalize(ctx, t, res)
	return nil
}

// runResult accumulates the loop's outcome before finalization.
type runResult struct {
	Summary         string
	LastToolSummary string
	Usage           llm.TokenUsage
	Iterations      int
	ToolsUsed       []string
}

func (e *Engine) runLoop(ctx context.Context, t *task.Task) (*runResult, error) {
	res := &runResult{}
	wrapped := newWrappedTools(e.tools, e.oneShot, e.edges, e.logger)

	msgs := []llm.Message{{Role: "user", Content: buildTaskPrompt(t)}}
	defs := e.tools.List()

	for iter := 1; iter <= e.maxIterations; iter++ {
		res.Iterations = iter
		e.logger.Debug("=== Iteration %d/%d (task %s) ===", iter, e.maxIterations, t.ID)
		e.publish(t.SessionID, broadcast.EventTaskIteration, map[string]any{
			"iteration":      iter,
			"max_iterations": e.maxIterations,
		})

		resp, err := e.complete(ctx, msgs, defs)
		if err != nil {
			res.ToolsUsed = wrapped.toolsUsed()
			return res, fmt.Errorf("worker model call failed: %w", err)
		}
		res.Usage.Add(usageOrEstimate(resp, msgs))

		if len(resp.ToolCalls) == 0 {
			// Final text, or a degenerate empty reply; either way the loop
			// is over and the fallback below covers the empty case.
			res.Summary = strings.TrimSpace(resp.Content)
			break
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		extractionDone := false
		for _, call := range resp.ToolCalls {
			outcome := wrapped.execute(ctx, call)
			res.LastToolSummary = outcome.summary
			e.publish(t.SessionID, broadcast.EventTaskTool, map[string]any{
				"tool":   call.Name,
				"result": outcome.summary,
				"ok":     outcome.ok,
			})
			msgs = append(msgs, llm.Message{Role: "tool", Content: outcome.summary, ToolCallID: call.ID})
			if outcome.oneShotFired {
				extractionDone = true
			}
		}

		if extractionDone {
			// The expensive extraction succeeded; request the closing report
			// with no tools so it cannot run again.
			msgs = append(msgs, llm.Message{Role: "user", Content: closingReportPrompt})
			final, err := e.complete(ctx, msgs, nil)
			if err != nil {
				res.ToolsUsed = wrapped.toolsUsed()
				return res, fmt.Errorf("worker model call failed: %w", err)
			}
			res.Usage.Add(usageOrEstimate(final, msgs))
			res.Summary = strings.TrimSpace(final.Content)
			break
		}
	}

	if res.Summary == "" {
		// Budget exhausted without a clean final answer: fall back to the
		// most recent tool-result summary rather than an empty outcome.
		res.Summary = res.LastToolSummary
	}
	if res.Summary == "" {
		res.Summary = "The worker produced no output before the iteration budget ran out."
	}
	res.ToolsUsed = wrapped.toolsUsed()
	return res, nil
}

func (e *Engine) complete(ctx context.Context, msgs []llm.Message, defs []llm.ToolDefinition) (*llm.CompletionResponse, error) {
	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: workerSystemPrompt,
		Messages:     msgs,
		Tools:        defs,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("nil completion response")
	}
	return resp, nil
}

// finalize validates the candidate summary, prices the run, journals it, and
// writes the terminal state.
func (e *Engine) finalize(ctx context.Context, t *task.Task, res *runResult) {
	parsed := capsule.Parse(t.Context)
	verdict := validate.Validate(res.Summary, parsed.ReferenceIDs)

	status := task.StatusCompleted
	final := res.Summary
	if verdict.Status == validate.StatusFailed {
		status = task.StatusFailed
		// Keep what the worker said and why it was rejected visible together.
		final = res.Summary + "\n\n[validation failed: " + verdict.Reason + "]"
		e.logger.Warn("Validation failed for task %s: %s", t.ID, verdict.Reason)
	}

	var cost float64
	if e.price != nil {
		cost = e.price(e.client.Model(), res.Usage.InputTokens, res.Usage.OutputTokens)
	}

	if e.journal != nil {
		rec := Interaction{
			SessionID:        t.SessionID,
			TaskID:           t.ID,
			Task:             t.Task,
			Summary:          final,
			Status:           status,
			Iterations:       res.Iterations,
			InputTokens:      res.Usage.InputTokens,
			OutputTokens:     res.Usage.OutputTokens,
			CostUSD:          cost,
			ValidationReason: verdict.Reason,
			ToolsUsed:        res.ToolsUsed,
		}
		if err := e.journal.LogInteraction(ctx, rec); err != nil {
			e.logger.Warn("Failed to journal interaction for task %s: %v", t.ID, err)
		}
	}

	e.registry.Complete(t.SessionID, final, status)
	e.publish(t.SessionID, broadcast.EventTaskCompleted, map[string]any{
		"task_id":       t.ID,
		"status":        string(status),
		"summary":       final,
		"iterations":    res.Iterations,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"cost_usd":      cost,
		"sources_used":  verdict.SourcesUsed,
	})
	metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	e.logger.Info("Task %s finished: %s (%d iterations, %d+%d tokens, $%.6f)",
		t.ID, status, res.Iterations, res.Usage.InputTokens, res.Usage.OutputTokens, cost)
}

func (e *Engine) publish(sessionID string, eventType broadcast.EventType, data map[string]any) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Publish(sessionID, broadcast.NewEvent(eventType, data))
}

// usageOrEstimate prefers provider-reported usage, estimating with tiktoken
// when the provider omitted counters.
func usageOrEstimate(resp *llm.CompletionResponse, msgs []llm.Message) llm.TokenUsage {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage
	}

	var input strings.Builder
	for _, m := range msgs {
		input.WriteString(m.Content)
		input.WriteString("\n")
	}
	return llm.TokenUsage{
		InputTokens:  tokenutil.CountTokens(input.String()),
		OutputTokens: tokenutil.CountTokens(resp.Content),
	}
}

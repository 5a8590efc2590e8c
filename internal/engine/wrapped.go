package engine

import (
	"context"
	"fmt"
	"strings"

	"trellis/internal/llm"
	"trellis/internal/logging"
	"trellis/internal/tools"
)

// connectionCreateTool is the graph tool guarded against duplicate edges.
const connectionCreateTool = "create_connection"

// maxToolResultChars caps tool output fed back into the message history.
const maxToolResultChars = 4000

// EdgeChecker answers whether an equivalent graph connection already exists.
// It backs the idempotency guard on connection creation.
type EdgeChecker interface {
	Exists(fromID, toID int) bool
}

// toolOutcome is the wrapped result of one tool call.
type toolOutcome struct {
	// summary is the short natural-language result fed back to the model.
	summary string
	ok      bool
	// oneShotFired marks a successful execution of a one-shot tool.
	oneShotFired bool
}

// wrappedTools decorates raw tool execution with the cross-cutting policy of
// a single task run: usage bookkeeping, duplicate-edge suppression, and
// one-shot suppression for side-effecting extraction tools.
type wrappedTools struct {
	provider tools.Provider
	oneShot  map[string]bool
	fired    map[string]bool
	edges    EdgeChecker
	logger   logging.Logger

	usedSet map[string]bool
	used    []string
}

func newWrappedTools(provider tools.Provider, oneShot map[string]bool, edges EdgeChecker, logger logging.Logger) *wrappedTools {
	return &wrappedTools{
		provider: provider,
		oneShot:  oneShot,
		fired:    make(map[string]bool),
		edges:    edges,
		logger:   logger,
		usedSet:  make(map[string]bool),
	}
}

// execute runs one tool call under the run's policy. Failures never abort the
// loop; they come back as error-result summaries for the model to react to.
func (w *wrappedTools) execute(ctx context.Context, call llm.ToolCall) toolOutcome {
	w.recordUse(call.Name)

	if w.oneShot[call.Name] && w.fired[call.Name] {
		// A worker that already performed an expensive external fetch must
		// never repeat it just because the model asks again.
		w.logger.Warn("Suppressed duplicate one-shot tool call: %s", call.Name)
		return toolOutcome{summary: fmt.Sprintf("Tool %s already ran in this task; the duplicate call was suppressed.", call.Name)}
	}

	if call.Name == connectionCreateTool && w.edges != nil {
		if from, to, ok := connectionArgs(call.Arguments); ok && w.edges.Exists(from, to) {
			w.logger.Info("Connection %d->%d already exists, skipping creation", from, to)
			return toolOutcome{
				summary: fmt.Sprintf("Connection %d->%d already exists; creation was skipped.", from, to),
				ok:      true,
			}
		}
	}

	tool, err := w.provider.Get(call.Name)
	if err != nil {
		return toolOutcome{summary: fmt.Sprintf("Tool %s is not available for this task.", call.Name)}
	}

	content, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		w.logger.Warn("Tool %s failed: %v", call.Name, err)
		return toolOutcome{summary: fmt.Sprintf("Tool %s failed: %v", call.Name, err)}
	}

	if w.oneShot[call.Name] {
		w.fired[call.Name] = true
	}

	summary := strings.TrimSpace(content)
	if summary == "" {
		summary = fmt.Sprintf("Tool %s completed successfully.", call.Name)
	}
	return toolOutcome{
		summary:      truncateToolResult(summary, maxToolResultChars),
		ok:           true,
		oneShotFired: w.oneShot[call.Name],
	}
}

// recordUse notes the tool name exactly once per distinct tool in this run.
func (w *wrappedTools) recordUse(name string) {
	if w.usedSet[name] {
		return
	}
	w.usedSet[name] = true
	w.used = append(w.used, name)
}

// toolsUsed returns the distinct tool names used, in first-use order.
func (w *wrappedTools) toolsUsed() []string {
	return append([]string(nil), w.used...)
}

func connectionArgs(args map[string]any) (from, to int, ok bool) {
	from, okFrom := intArg(args, "from_id")
	to, okTo := intArg(args, "to_id")
	return from, to, okFrom && okTo
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// truncateToolResult caps content at limit, cutting at the nearest preceding
// line boundary to avoid splitting a line in half.
func truncateToolResult(content string, limit int) string {
	if len(content) <= limit {
		return content
	}

	cut := strings.LastIndex(content[:limit], "\n")
	if cut <= 0 {
		cut = limit
	}
	shownLines := strings.Count(content[:cut], "\n") + 1
	totalLines := strings.Count(content, "\n") + 1

	return content[:cut] + fmt.Sprintf(
		"\n\n[Content truncated: showing %d/%d lines (%d/%d chars).]",
		shownLines, totalLines, cut, len(content),
	)
}

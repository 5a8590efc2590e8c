package engine

import (
	"strings"

	"trellis/internal/task"
)

// workerSystemPrompt frames the worker agent and pins the report template the
// output validator enforces.
const workerSystemPrompt = `You are a focused worker agent inside a personal knowledge-graph application.
You are given one delegated task, optional context lines, and a set of tools.
Use tools when you need information or must change the graph; otherwise answer directly.

When you are done, reply with a final report in exactly this template:

Result: <what you did or found>
Follow-up: <remaining work for the owner, or "None">
Context sources used: <comma-separated ids of the context references you relied on>

If the context includes a grounding capsule, cite at least one of its reference ids.
Do not invent reference ids.`

// closingReportPrompt is sent after a one-shot extraction succeeded, with no
// tools offered, so the expensive side effect cannot be repeated.
const closingReportPrompt = `The extraction has completed. Do not request any further tool calls.
Write your final report now using the required template (Result / Follow-up / Context sources used).`

// buildTaskPrompt assembles the initial user message from the task record.
func buildTaskPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(t.Task)

	if len(t.Context) > 0 {
		b.WriteString("\n\nContext:\n")
		for _, line := range t.Context {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if t.ExpectedOutcome != "" {
		b.WriteString("\nExpected outcome: ")
		b.WriteString(t.ExpectedOutcome)
	}
	return b.String()
}

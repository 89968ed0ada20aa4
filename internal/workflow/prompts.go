package workflow

import (
	"fmt"
	"strings"
	"time"
)

// childGuardrailText is injected into the prompt of any workflow that
// declares child workflows. The agent's own judgment is the first line of
// defense; the invocation budget is the structural backstop.
const childGuardrailText = `You may invoke the child workflows listed above with the run_workflow tool,
but ONLY when the task explicitly calls for it. Prefer completing small tasks
directly with your own tools. Never invoke a child workflow speculatively, in
a loop, or to retry a failure. The same applies to loop_over batches.`

// RunContext is the runtime identity block injected into every run's prompt
// so the agent can reason about staleness and provenance without a tool call.
type RunContext struct {
	WorkflowID         string
	RunID              string
	InvokedBy          string // "user:<id>" or "workflow:<parent workflow id>".
	CurrentDatetime    time.Time
	ExecutionStartedAt time.Time
	LastRunAt          *time.Time // nil renders as "never".
}

// Map returns the context as the flat key set handed to the agent runner.
func (rc RunContext) Map() map[string]any {
	lastRun := "never"
	if rc.LastRunAt != nil {
		lastRun = rc.LastRunAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"workflow_id":          rc.WorkflowID,
		"run_id":               rc.RunID,
		"invoked_by":           rc.InvokedBy,
		"current_datetime":     rc.CurrentDatetime.UTC().Format(time.RFC3339),
		"execution_started_at": rc.ExecutionStartedAt.UTC().Format(time.RFC3339),
		"last_run_at":          lastRun,
	}
}

// RenderPrompt assembles the full agent prompt for a run: the workflow's own
// instructions, the runtime context block, prior notes, and the composition
// guardrail when child workflows are declared.
func RenderPrompt(wf *Workflow, rc RunContext, childNames []string, notes []Note) string {
	var b strings.Builder
	b.WriteString(wf.Prompt)
	b.WriteString("\n\n## Run context\n")
	ctx := rc.Map()
	for _, key := range []string{"workflow_id", "run_id", "invoked_by", "current_datetime", "execution_started_at", "last_run_at"} {
		fmt.Fprintf(&b, "- %s: %v\n", key, ctx[key])
	}

	if len(notes) > 0 {
		b.WriteString("\n## Notes from previous runs\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- [%s] %s\n", n.CreatedAt.UTC().Format(time.RFC3339), n.Content)
		}
	}

	if len(childNames) > 0 {
		b.WriteString("\n## Child workflows\n")
		for _, name := range childNames {
			fmt.Fprintf(&b, "- %s\n", name)
		}
		b.WriteString("\n")
		b.WriteString(childGuardrailText)
		b.WriteString("\n")
	}
	return b.String()
}

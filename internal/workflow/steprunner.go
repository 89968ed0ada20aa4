package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/mauzo/internal/dispatch"
)

// StepRunner is the headless AgentRunner: it executes the declarative tool
// steps carried in trigger_data.steps, each {"tool": name, "params": {...}},
// through the dispatcher. Deployments that drive runs from a conversational
// agent plug in their own runner instead.
type StepRunner struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewStepRunner creates a StepRunner.
func NewStepRunner(d *dispatch.Dispatcher, logger *slog.Logger) *StepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{
		dispatcher: d,
		logger:     logger.With(slog.String("component", "steprunner")),
	}
}

// Run implements AgentRunner. Steps execute in order; a step that pauses for
// approval is recorded and execution continues with the next step. Context
// cancellation is observed between steps.
func (r *StepRunner) Run(ctx context.Context, in *RunInput) (*RunOutput, error) {
	steps, err := parseSteps(in.Run.TriggerData)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(steps))
	completed := 0
	for i, step := range steps {
		if ctx.Err() != nil {
			return &RunOutput{
				Output:         map[string]any{"steps": results},
				StepsCompleted: completed,
			}, ctx.Err()
		}

		out, err := r.dispatcher.ExecuteTool(ctx, dispatch.Request{
			OrgID:          in.Run.OrgID,
			UserID:         in.Run.UserID,
			ConversationID: in.Run.ID,
			ToolName:       step.tool,
			Params:         step.params,
			Workflow:       in.Scope,
		})
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.tool, err)
		}

		row := map[string]any{"tool": step.tool, "status": out.Status}
		switch out.Status {
		case dispatch.OutcomeApprovalPending:
			row["operation_id"] = out.Preview.OperationID
		case dispatch.OutcomeExecuted:
			row["output"] = out.Result.Output
			completed++
		default:
			row["error"] = out.Result.Output
		}
		results = append(results, row)

		r.logger.InfoContext(ctx, "workflow step finished",
			slog.String("run_id", in.Run.ID.String()),
			slog.Int("step", i+1),
			slog.String("tool", step.tool),
			slog.String("status", out.Status),
		)
	}

	return &RunOutput{
		Output:         map[string]any{"steps": results},
		StepsCompleted: completed,
	}, nil
}

type step struct {
	tool   string
	params map[string]any
}

func parseSteps(triggerData map[string]any) ([]step, error) {
	raw, ok := triggerData["steps"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("trigger_data.steps must be a non-empty array")
	}
	steps := make([]step, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d is not an object", i+1)
		}
		name, _ := m["tool"].(string)
		if name == "" {
			return nil, fmt.Errorf("step %d has no tool", i+1)
		}
		params, _ := m["params"].(map[string]any)
		steps = append(steps, step{tool: name, params: params})
	}
	return steps, nil
}

var _ AgentRunner = (*StepRunner)(nil)

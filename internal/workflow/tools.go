package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/mauzo/internal/dispatch"
	"github.com/jkaninda/mauzo/internal/queue"
	"github.com/jkaninda/mauzo/internal/ratelimit"
	"github.com/jkaninda/mauzo/internal/tools"
)

// rejectedResult builds the structured guardrail rejection. The run keeps
// going; the agent sees the rejection and adapts its plan.
func rejectedResult(reason string) *tools.Result {
	return &tools.Result{
		Success: false,
		Output:  reason,
		Metadata: map[string]any{
			"status": "rejected",
			"reason": reason,
		},
	}
}

// runWorkflowTool spawns one named child workflow. Workflow-only; every call
// spends one unit of the run's invocation budget.
type runWorkflowTool struct {
	engine *Engine
}

// NewRunWorkflowTool creates the run_workflow tool.
func NewRunWorkflowTool(engine *Engine) tools.Tool {
	return &runWorkflowTool{engine: engine}
}

func (t *runWorkflowTool) WorkflowOnly() bool { return true }

func (t *runWorkflowTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "run_workflow",
		Description: "Invoke a child workflow by name. Only for explicit requests; spends one unit of this run's child budget.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"workflow_name": map[string]any{"type": "string"},
				"input":         map[string]any{"type": "object"},
			},
			"required": []string{"workflow_name"},
		},
		Risk:                    tools.RiskExternalWrite,
		DefaultRequiresApproval: false,
	}
}

func (t *runWorkflowTool) Validate(params map[string]any) error {
	if name, _ := params["workflow_name"].(string); name == "" {
		return fmt.Errorf("workflow_name is required")
	}
	return nil
}

func (t *runWorkflowTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	if !scope.InWorkflow() {
		return rejectedResult("run_workflow is only available inside workflow runs"), nil
	}
	parentScope := t.engine.Scope(scope.RunID)
	if parentScope == nil {
		return nil, fmt.Errorf("no active run %s", scope.RunID)
	}

	name, _ := params["workflow_name"].(string)
	child, err := t.engine.store.GetWorkflowByName(ctx, scope.OrgID, name)
	if err != nil {
		return nil, fmt.Errorf("resolving workflow %q: %w", name, err)
	}
	if !declaredChild(t.engine, ctx, scope, child) {
		return rejectedResult(fmt.Sprintf("workflow %q is not a declared child of this workflow", name)), nil
	}

	if err := parentScope.Budget.Spend(); err != nil {
		return rejectedResult(err.Error()), nil
	}

	triggerData := map[string]any{
		parentContextKey: &ParentContext{
			WorkflowID:           parentScope.WorkflowID,
			RunID:                parentScope.RunID,
			EffectiveAutoApprove: parentScope.EffectiveAutoApprove,
			Permissions:          parentScope.Permissions,
		},
	}
	if input, ok := params["input"].(map[string]any); ok {
		triggerData["input"] = input
	}

	run, err := t.engine.Dispatch(ctx, scope.OrgID, child.ID, scope.UserID, "run_workflow", triggerData)
	if err != nil {
		return nil, fmt.Errorf("dispatching child workflow: %w", err)
	}

	t.engine.logger.InfoContext(ctx, "child workflow spawned",
		slog.String("parent_run_id", scope.RunID.String()),
		slog.String("child_workflow", child.Name),
		slog.String("child_run_id", run.ID.String()),
		slog.Int("budget_remaining", parentScope.Budget.Remaining()),
	)
	if t.engine.metrics != nil {
		t.engine.metrics.ChildSpawnsTotal.WithLabelValues("spawned").Inc()
	}

	out := map[string]any{
		"run_id":           run.ID.String(),
		"workflow":         child.Name,
		"status":           string(run.Status),
		"budget_remaining": parentScope.Budget.Remaining(),
	}
	if run.Status == RunCompleted && run.Output != nil {
		out["output"] = run.Output
	}
	encoded, _ := json.Marshal(out)
	return &tools.Result{Success: true, Output: string(encoded), Metadata: out}, nil
}

// declaredChild enforces the declared child_workflows list when the parent
// declares one; a workflow with no declared children may not spawn at all.
func declaredChild(e *Engine, ctx context.Context, scope tools.Scope, child *Workflow) bool {
	parent, err := e.store.GetWorkflow(ctx, scope.OrgID, scope.WorkflowID)
	if err != nil {
		return false
	}
	for _, id := range parent.ChildWorkflows {
		if id == child.ID {
			return true
		}
	}
	return false
}

// loopOverTool fans one tool out over many items through the batch
// coordinator. One budget unit per batch, not per item.
type loopOverTool struct {
	engine     *Engine
	dispatcher *dispatch.Dispatcher
	workers    int
	limiter    *ratelimit.Limiter
	maxItems   int
}

// NewLoopOverTool creates the loop_over tool. limiter may be nil.
func NewLoopOverTool(engine *Engine, dispatcher *dispatch.Dispatcher, workers, maxItems int, limiter *ratelimit.Limiter) tools.Tool {
	if maxItems <= 0 {
		maxItems = 100
	}
	return &loopOverTool{
		engine:     engine,
		dispatcher: dispatcher,
		workers:    workers,
		limiter:    limiter,
		maxItems:   maxItems,
	}
}

func (t *loopOverTool) WorkflowOnly() bool { return true }

func (t *loopOverTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "loop_over",
		Description: "Run one tool over a list of items in parallel. Per-item failures are isolated; results come back per item.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool_name":  map[string]any{"type": "string", "description": "Tool to invoke per item."},
				"items":      map[string]any{"type": "array"},
				"item_param": map[string]any{"type": "string", "description": "Parameter name each item is passed as."},
				"params":     map[string]any{"type": "object", "description": "Shared parameters merged into every call."},
			},
			"required": []string{"tool_name", "items", "item_param"},
		},
		Risk:                    tools.RiskExternalWrite,
		DefaultRequiresApproval: false,
	}
}

func (t *loopOverTool) Validate(params map[string]any) error {
	name, _ := params["tool_name"].(string)
	if name == "" {
		return fmt.Errorf("tool_name is required")
	}
	if name == "run_workflow" || name == "loop_over" {
		return fmt.Errorf("loop_over cannot fan out %s", name)
	}
	items, _ := params["items"].([]any)
	if len(items) == 0 {
		return fmt.Errorf("items must be a non-empty array")
	}
	if len(items) > t.maxItems {
		return fmt.Errorf("too many items: %d > %d", len(items), t.maxItems)
	}
	if ip, _ := params["item_param"].(string); ip == "" {
		return fmt.Errorf("item_param is required")
	}
	return nil
}

func (t *loopOverTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	if !scope.InWorkflow() {
		return rejectedResult("loop_over is only available inside workflow runs"), nil
	}
	runScope := t.engine.Scope(scope.RunID)
	if runScope == nil {
		return nil, fmt.Errorf("no active run %s", scope.RunID)
	}
	if err := runScope.Budget.Spend(); err != nil {
		return rejectedResult(err.Error()), nil
	}

	toolName, _ := params["tool_name"].(string)
	items, _ := params["items"].([]any)
	itemParam, _ := params["item_param"].(string)
	shared, _ := params["params"].(map[string]any)

	results := queue.RunFanout(ctx, items, queue.FanoutConfig{
		Workers: t.workers,
		Limiter: t.limiter,
		Key:     scope.OrgID.String(),
		Logger:  t.engine.logger,
	}, func(ctx context.Context, item any) (any, error) {
		callParams := make(map[string]any, len(shared)+1)
		for k, v := range shared {
			callParams[k] = v
		}
		callParams[itemParam] = item

		out, err := t.dispatcher.ExecuteTool(ctx, dispatch.Request{
			OrgID:          scope.OrgID,
			UserID:         scope.UserID,
			ConversationID: scope.ConversationID,
			ToolName:       toolName,
			Params:         callParams,
			Workflow:       runScope,
		})
		if err != nil {
			return nil, err
		}
		switch out.Status {
		case dispatch.OutcomeApprovalPending:
			return map[string]any{"status": "approval_pending", "operation_id": out.Preview.OperationID}, nil
		case dispatch.OutcomeExecuted:
			return out.Result.Output, nil
		default:
			return nil, fmt.Errorf("%s", out.Result.Output)
		}
	})

	completed, failed := 0, 0
	for i := range results {
		if results[i].Status == "completed" {
			completed++
		} else {
			failed++
		}
		if t.engine.metrics != nil {
			t.engine.metrics.FanoutItemsTotal.WithLabelValues(results[i].Status).Inc()
		}
	}

	meta := map[string]any{
		"tool":      toolName,
		"total":     len(results),
		"completed": completed,
		"failed":    failed,
		"results":   results,
	}
	encoded, _ := json.Marshal(meta)
	return &tools.Result{
		Success:  failed == 0,
		Output:   tools.TruncateOutput(string(encoded), tools.MaxOutputBytes),
		Metadata: meta,
	}, nil
}

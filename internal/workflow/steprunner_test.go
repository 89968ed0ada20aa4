package workflow

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/dispatch"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/tools"
)

// stepTool is a minimal tool for driving the step runner.
type stepTool struct {
	def   tools.Definition
	calls int
}

func (s *stepTool) Definition() tools.Definition         { return s.def }
func (s *stepTool) Validate(params map[string]any) error { return nil }
func (s *stepTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	s.calls++
	return &tools.Result{Success: true, Output: "done"}, nil
}

func newStepDispatcher(t *testing.T, toolset ...tools.Tool) *dispatch.Dispatcher {
	t.Helper()
	logger := slog.Default()

	registry := tools.NewRegistry()
	for _, tool := range toolset {
		registry.Register(tool)
	}
	connectors := connector.NewRegistry()
	records := connector.NewMemory()
	if err := connectors.Register(records); err != nil {
		t.Fatalf("registering memory connector: %v", err)
	}
	evaluator := policy.NewEvaluator(registry, nil)
	approvals := approval.NewManager(approval.NewMemoryStore(), logger)
	sessions := session.NewEngine(session.NewMemoryStore(), records, logger)

	d := dispatch.New(registry, evaluator, approvals, sessions, connectors, logger)
	approvals.SetExecutor(d)
	return d
}

func TestStepRunnerExecutesSteps(t *testing.T) {
	lookup := &stepTool{def: tools.Definition{Name: "lookup", Risk: tools.RiskLocalRead}}
	d := newStepDispatcher(t, lookup)

	store := NewMemoryStore()
	engine := NewEngine(store, nil, NewStepRunner(d, slog.Default()), slog.Default())

	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "report", TriggerType: TriggerManual})

	run, err := engine.Dispatch(context.Background(), orgID, wf.ID, "u1", "manual", map[string]any{
		"steps": []any{
			map[string]any{"tool": "lookup", "params": map[string]any{"q": "a"}},
			map[string]any{"tool": "lookup", "params": map[string]any{"q": "b"}},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("run = %+v", run)
	}
	if run.StepsCompleted != 2 {
		t.Errorf("steps_completed = %d, want 2", run.StepsCompleted)
	}
	if lookup.calls != 2 {
		t.Errorf("tool calls = %d, want 2", lookup.calls)
	}
	rows, ok := run.Output["steps"].([]map[string]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("output steps = %v", run.Output["steps"])
	}
	if rows[0]["status"] != dispatch.OutcomeExecuted {
		t.Errorf("step status = %v", rows[0]["status"])
	}
}

func TestStepRunnerGatedStepPauses(t *testing.T) {
	gated := &stepTool{def: tools.Definition{
		Name: "send_invoice", Risk: tools.RiskExternalWrite, DefaultRequiresApproval: true,
	}}
	read := &stepTool{def: tools.Definition{Name: "lookup", Risk: tools.RiskLocalRead}}
	d := newStepDispatcher(t, gated, read)

	store := NewMemoryStore()
	engine := NewEngine(store, nil, NewStepRunner(d, slog.Default()), slog.Default())

	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "billing", TriggerType: TriggerManual})

	run, err := engine.Dispatch(context.Background(), orgID, wf.ID, "u1", "manual", map[string]any{
		"steps": []any{
			map[string]any{"tool": "send_invoice"},
			map[string]any{"tool": "lookup"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("run = %+v", run)
	}

	// The gated step parks for approval without executing; the read step runs.
	if gated.calls != 0 {
		t.Errorf("gated tool executed %d times before approval", gated.calls)
	}
	if read.calls != 1 {
		t.Errorf("read tool calls = %d, want 1", read.calls)
	}
	if run.StepsCompleted != 1 {
		t.Errorf("steps_completed = %d, want 1", run.StepsCompleted)
	}
	rows := run.Output["steps"].([]map[string]any)
	if rows[0]["status"] != dispatch.OutcomeApprovalPending {
		t.Errorf("gated step status = %v", rows[0]["status"])
	}
	if rows[0]["operation_id"] == "" {
		t.Error("gated step has no operation_id")
	}
}

func TestStepRunnerMissingStepsFailsRun(t *testing.T) {
	d := newStepDispatcher(t)
	store := NewMemoryStore()
	engine := NewEngine(store, nil, NewStepRunner(d, slog.Default()), slog.Default())

	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "empty", TriggerType: TriggerManual})

	run, err := engine.Dispatch(context.Background(), orgID, wf.ID, "u1", "manual", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.Error == "" {
		t.Error("failed run has no error message")
	}
}

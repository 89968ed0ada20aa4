package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/tools"
)

// scriptedRunner runs a caller-provided function as the agent.
type scriptedRunner struct {
	fn func(ctx context.Context, in *RunInput) (*RunOutput, error)
}

func (r *scriptedRunner) Run(ctx context.Context, in *RunInput) (*RunOutput, error) {
	if r.fn != nil {
		return r.fn(ctx, in)
	}
	return &RunOutput{Output: map[string]any{"done": true}, StepsCompleted: 1}, nil
}

func seedWorkflow(t *testing.T, store *MemoryStore, wf *Workflow) *Workflow {
	t.Helper()
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	wf.Enabled = true
	wf.CreatedAt = time.Now().UTC()
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

func TestEngineRunCompletes(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{
		OrgID: orgID, Name: "daily-digest", TriggerType: TriggerManual,
		Prompt: "Summarize yesterday's deals.",
	})

	var sawContext map[string]any
	runner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		sawContext = in.Context
		return &RunOutput{Output: map[string]any{"summary": "3 deals"}, StepsCompleted: 2}, nil
	}}
	engine := NewEngine(store, nil, runner, slog.Default())

	run, err := engine.Dispatch(context.Background(), orgID, wf.ID, "u1", "manual", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.StepsCompleted != 2 || run.Output["summary"] != "3 deals" {
		t.Errorf("run = %+v", run)
	}

	// Runtime context injection.
	if sawContext["invoked_by"] != "user:u1" {
		t.Errorf("invoked_by = %v", sawContext["invoked_by"])
	}
	if sawContext["last_run_at"] != "never" {
		t.Errorf("last_run_at = %v, want never on first run", sawContext["last_run_at"])
	}
	for _, key := range []string{"workflow_id", "run_id", "current_datetime", "execution_started_at"} {
		if sawContext[key] == "" || sawContext[key] == nil {
			t.Errorf("context missing %s", key)
		}
	}
}

func TestEngineRunFails(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "wf", TriggerType: TriggerManual})

	runner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		return nil, errors.New("llm unavailable")
	}}
	engine := NewEngine(store, nil, runner, slog.Default())

	run, err := engine.Dispatch(context.Background(), orgID, wf.ID, "u1", "manual", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunFailed || run.Error != "llm unavailable" {
		t.Fatalf("run = %+v", run)
	}
}

func TestEngineCancelReportsCancelled(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "wf", TriggerType: TriggerManual})

	started := make(chan uuid.UUID, 1)
	runner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		started <- in.Run.ID
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	engine := NewEngine(store, nil, runner, slog.Default())

	errCh := make(chan error, 1)
	run := &Run{ID: uuid.New(), WorkflowID: wf.ID, OrgID: orgID, UserID: "u1",
		Status: RunPending, TriggeredBy: "manual", CreatedAt: time.Now().UTC()}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	go func() { errCh <- engine.Execute(context.Background(), orgID, run.ID) }()

	runID := <-started
	if err := engine.Cancel(context.Background(), orgID, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := store.GetRun(context.Background(), orgID, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunCancelled {
		t.Fatalf("status = %s, want cancelled (never failed)", got.Status)
	}

	if err := engine.Cancel(context.Background(), orgID, runID); !errors.Is(err, ErrRunNotCancellable) {
		t.Errorf("second cancel = %v, want ErrRunNotCancellable", err)
	}
}

func TestEnginePromptCarriesGuardrail(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	child := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "enrich-contact", TriggerType: TriggerManual})
	parent := seedWorkflow(t, store, &Workflow{
		OrgID: orgID, Name: "pipeline-review", TriggerType: TriggerManual,
		Prompt:         "Review the pipeline.",
		ChildWorkflows: []uuid.UUID{child.ID},
	})

	var prompt string
	runner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		prompt = in.Prompt
		return &RunOutput{}, nil
	}}
	engine := NewEngine(store, nil, runner, slog.Default())

	if _, err := engine.Dispatch(context.Background(), orgID, parent.ID, "u1", "manual", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(prompt, "enrich-contact") {
		t.Error("prompt does not list declared child workflows")
	}
	if !strings.Contains(prompt, "ONLY when the task explicitly calls for it") {
		t.Error("prompt missing explicit-invocation guardrail")
	}
}

func TestRunWorkflowBudgetCap(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	child := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "child", TriggerType: TriggerManual})

	childRunner := &scriptedRunner{} // children complete trivially
	var engine *Engine

	spawnResults := make([]*tools.Result, 0, 6)
	parentRunner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		tool := NewRunWorkflowTool(engine)
		ctx = tools.ContextWithScope(ctx, tools.Scope{
			OrgID:      orgID,
			UserID:     in.Run.UserID,
			WorkflowID: in.Workflow.ID,
			RunID:      in.Run.ID,
		})
		for i := 0; i < 6; i++ {
			res, err := tool.Execute(ctx, map[string]any{"workflow_name": "child"})
			if err != nil {
				return nil, err
			}
			spawnResults = append(spawnResults, res)
		}
		return &RunOutput{}, nil
	}}

	// One runner that acts as parent for the parent workflow and trivially
	// for children.
	dispatching := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		if in.Workflow.Name == "parent" {
			return parentRunner.fn(ctx, in)
		}
		return childRunner.Run(ctx, in)
	}}
	engine = NewEngine(store, nil, dispatching, slog.Default())

	parent := seedWorkflow(t, store, &Workflow{
		OrgID: orgID, Name: "parent", TriggerType: TriggerManual,
		ChildWorkflows: []uuid.UUID{child.ID},
	})

	run, err := engine.Dispatch(context.Background(), orgID, parent.ID, "u1", "manual", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("parent run = %+v", run)
	}
	if len(spawnResults) != 6 {
		t.Fatalf("spawn attempts = %d", len(spawnResults))
	}

	// Exactly 5 spawns allowed; the 6th is a structured rejection.
	for i := 0; i < 5; i++ {
		if !spawnResults[i].Success {
			t.Errorf("spawn %d rejected below the cap: %s", i, spawnResults[i].Output)
		}
	}
	last := spawnResults[5]
	if last.Success {
		t.Fatal("6th spawn allowed past the cap")
	}
	if last.Metadata["status"] != "rejected" {
		t.Errorf("rejection metadata = %v, want status rejected", last.Metadata)
	}
}

func TestRunWorkflowUndeclaredChildRejected(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "other", TriggerType: TriggerManual})

	var engine *Engine
	runner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		if in.Workflow.Name != "parent" {
			return &RunOutput{}, nil
		}
		tool := NewRunWorkflowTool(engine)
		ctx = tools.ContextWithScope(ctx, tools.Scope{
			OrgID: orgID, UserID: "u1", WorkflowID: in.Workflow.ID, RunID: in.Run.ID,
		})
		res, err := tool.Execute(ctx, map[string]any{"workflow_name": "other"})
		if err != nil {
			return nil, err
		}
		if res.Success || res.Metadata["status"] != "rejected" {
			t.Errorf("undeclared child spawn = %+v, want rejection", res)
		}
		return &RunOutput{}, nil
	}}
	engine = NewEngine(store, nil, runner, slog.Default())

	parent := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "parent", TriggerType: TriggerManual})
	if _, err := engine.Dispatch(context.Background(), orgID, parent.ID, "u1", "manual", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestNestedRunInheritsIntersectedGrants(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	child := seedWorkflow(t, store, &Workflow{
		OrgID: orgID, Name: "child", TriggerType: TriggerManual,
		AutoApproveTools: []string{"send_slack", "send_email"},
	})

	var childEffective []string
	var engine *Engine
	runner := &scriptedRunner{fn: func(ctx context.Context, in *RunInput) (*RunOutput, error) {
		switch in.Workflow.Name {
		case "parent":
			tool := NewRunWorkflowTool(engine)
			ctx = tools.ContextWithScope(ctx, tools.Scope{
				OrgID: orgID, UserID: "u1", WorkflowID: in.Workflow.ID, RunID: in.Run.ID,
			})
			if _, err := tool.Execute(ctx, map[string]any{"workflow_name": "child"}); err != nil {
				return nil, err
			}
		case "child":
			childEffective = in.Scope.EffectiveAutoApprove
		}
		return &RunOutput{}, nil
	}}
	engine = NewEngine(store, nil, runner, slog.Default())

	parent := seedWorkflow(t, store, &Workflow{
		OrgID: orgID, Name: "parent", TriggerType: TriggerManual,
		AutoApproveTools: []string{"send_slack"},
		ChildWorkflows:   []uuid.UUID{child.ID},
	})

	if _, err := engine.Dispatch(context.Background(), orgID, parent.ID, "u1", "manual", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(childEffective) != 1 || childEffective[0] != "send_slack" {
		t.Fatalf("child effective = %v, want [send_slack]", childEffective)
	}
}

func TestNotesMutableAfterCompletion(t *testing.T) {
	store := NewMemoryStore()
	orgID := uuid.New()
	wf := seedWorkflow(t, store, &Workflow{OrgID: orgID, Name: "wf", TriggerType: TriggerManual})
	engine := NewEngine(store, nil, &scriptedRunner{}, slog.Default())

	run, err := engine.Dispatch(context.Background(), orgID, wf.ID, "u1", "manual", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("run = %+v", run)
	}

	ctx := context.Background()
	if err := store.AppendNote(ctx, orgID, run.ID, Note{Content: "remember: skip archived deals", CreatedAt: time.Now().UTC(), CreatedByUserID: "u1"}); err != nil {
		t.Fatalf("AppendNote after completion: %v", err)
	}
	notes, err := store.Notes(ctx, orgID, run.ID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("Notes = %v, %v", notes, err)
	}
	if err := store.DeleteNote(ctx, orgID, run.ID, 0); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if err := store.DeleteNote(ctx, orgID, run.ID, 0); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("DeleteNote on empty = %v, want ErrNoteNotFound", err)
	}
}

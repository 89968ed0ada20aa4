package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/tools"
	"github.com/jkaninda/mauzo/internal/workflow"
)

func fixture(t *testing.T) (*tools.Registry, workflow.Store, tools.Scope) {
	t.Helper()
	store := workflow.NewMemoryStore()
	registry := tools.NewRegistry()
	Register(registry, store)

	orgID := uuid.New()
	wf := &workflow.Workflow{ID: uuid.New(), OrgID: orgID, Name: "daily-digest", Enabled: true}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	run := &workflow.Run{ID: uuid.New(), WorkflowID: wf.ID, OrgID: orgID, Status: workflow.RunRunning}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	scope := tools.Scope{OrgID: orgID, UserID: "u1", WorkflowID: wf.ID, RunID: run.ID}
	return registry, store, scope
}

func TestNoteLifecycle(t *testing.T) {
	registry, store, scope := fixture(t)
	ctx := tools.ContextWithScope(context.Background(), scope)

	appendTool := registry.Get("append_workflow_note")
	for _, content := range []string{"23 deals touched", "2 duplicates skipped"} {
		res, err := appendTool.Execute(ctx, map[string]any{"content": content})
		if err != nil || !res.Success {
			t.Fatalf("append %q: res=%+v err=%v", content, res, err)
		}
	}

	listRes, err := registry.Get("list_workflow_notes").Execute(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if listRes.Metadata["count"] != 2 || !strings.Contains(listRes.Output, "duplicates skipped") {
		t.Fatalf("list result = %+v", listRes)
	}

	// JSON-decoded params carry numbers as float64.
	if _, err := registry.Get("delete_workflow_note").Execute(ctx, map[string]any{"index": float64(0)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	notes, err := store.Notes(ctx, scope.OrgID, scope.RunID)
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "2 duplicates skipped" {
		t.Fatalf("notes after delete = %+v", notes)
	}
	if notes[0].CreatedByUserID != "u1" {
		t.Errorf("CreatedByUserID = %q", notes[0].CreatedByUserID)
	}
}

func TestDeleteOutOfRange(t *testing.T) {
	registry, _, scope := fixture(t)
	ctx := tools.ContextWithScope(context.Background(), scope)

	if _, err := registry.Get("delete_workflow_note").Execute(ctx, map[string]any{"index": 5}); err == nil {
		t.Fatal("out-of-range delete succeeded")
	}
}

func TestToolsRequireRunScope(t *testing.T) {
	registry, _, _ := fixture(t)
	ctx := tools.ContextWithScope(context.Background(), tools.Scope{OrgID: uuid.New(), UserID: "u1"})

	for _, name := range []string{"append_workflow_note", "list_workflow_notes", "delete_workflow_note"} {
		tool := registry.Get(name)
		if wo, ok := tool.(tools.WorkflowOnly); !ok || !wo.WorkflowOnly() {
			t.Errorf("%s is not workflow-only", name)
		}
		params := map[string]any{"content": "x", "index": 0}
		if _, err := tool.Execute(ctx, params); err == nil {
			t.Errorf("%s executed without a run scope", name)
		}
	}
}

func TestValidate(t *testing.T) {
	registry, _, _ := fixture(t)

	if err := registry.Get("append_workflow_note").Validate(map[string]any{"content": "   "}); err == nil {
		t.Error("blank content accepted")
	}
	if err := registry.Get("delete_workflow_note").Validate(map[string]any{"index": -1}); err == nil {
		t.Error("negative index accepted")
	}
	if err := registry.Get("delete_workflow_note").Validate(map[string]any{"index": 1.5}); err == nil {
		t.Error("fractional index accepted")
	}
}

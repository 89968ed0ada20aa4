package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/domain"
	"github.com/jkaninda/mauzo/internal/tools"
)

type stubTool struct{ def tools.Definition }

func (s *stubTool) Definition() tools.Definition { return s.def }
func (s *stubTool) Validate(map[string]any) error { return nil }
func (s *stubTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	return &tools.Result{Success: true}, nil
}

type stubSettings struct {
	rows map[string]*domain.UserToolSetting
}

func (s *stubSettings) Get(_ context.Context, orgID uuid.UUID, userID, toolName string) (*domain.UserToolSetting, error) {
	return s.rows[orgID.String()+"/"+userID+"/"+toolName], nil
}

func newEvaluator(t *testing.T, settings UserSettingStore, defs ...tools.Definition) *Evaluator {
	t.Helper()
	registry := tools.NewRegistry()
	for _, def := range defs {
		registry.Register(&stubTool{def: def})
	}
	return NewEvaluator(registry, settings)
}

func TestEvaluateUnknownTool(t *testing.T) {
	e := newEvaluator(t, nil)
	if _, err := e.Evaluate(context.Background(), Request{ToolName: "nope"}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("Evaluate = %v, want ErrToolNotFound", err)
	}
}

func TestEvaluateReadNeverGated(t *testing.T) {
	// A read stays auto-executable even when its default claims otherwise.
	e := newEvaluator(t, nil, tools.Definition{
		Name: "search_records", Risk: tools.RiskLocalRead, DefaultRequiresApproval: true,
	})
	d, err := e.Evaluate(context.Background(), Request{ToolName: "search_records", UserID: "u1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RequiresApproval || d.Reason != "read_only" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluateToolDefault(t *testing.T) {
	e := newEvaluator(t, &stubSettings{},
		tools.Definition{Name: "send_email", Risk: tools.RiskExternalWrite, DefaultRequiresApproval: true},
		tools.Definition{Name: "update_contact", Risk: tools.RiskLocalWrite},
	)

	d, err := e.Evaluate(context.Background(), Request{ToolName: "send_email", UserID: "u1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.RequiresApproval || d.Reason != "tool_default" {
		t.Fatalf("send_email decision = %+v", d)
	}

	d, err = e.Evaluate(context.Background(), Request{ToolName: "update_contact", UserID: "u1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RequiresApproval {
		t.Fatalf("update_contact decision = %+v", d)
	}
}

func TestEvaluateUserAutoApprove(t *testing.T) {
	orgID := uuid.New()
	settings := &stubSettings{rows: map[string]*domain.UserToolSetting{
		orgID.String() + "/u1/send_email": {OrgID: orgID, UserID: "u1", ToolName: "send_email", AutoApprove: true},
	}}
	e := newEvaluator(t, settings,
		tools.Definition{Name: "send_email", Risk: tools.RiskExternalWrite, DefaultRequiresApproval: true},
	)

	d, err := e.Evaluate(context.Background(), Request{OrgID: orgID, UserID: "u1", ToolName: "send_email"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RequiresApproval || d.Reason != "user_setting" {
		t.Fatalf("decision = %+v", d)
	}

	// The setting belongs to u1 only.
	d, err = e.Evaluate(context.Background(), Request{OrgID: orgID, UserID: "u2", ToolName: "send_email"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.RequiresApproval {
		t.Fatal("another user's setting leaked")
	}
}

func TestEvaluateWorkflowGrant(t *testing.T) {
	e := newEvaluator(t, &stubSettings{},
		tools.Definition{Name: "update_deal", Risk: tools.RiskLocalWrite, DefaultRequiresApproval: true},
	)
	req := Request{OrgID: uuid.New(), UserID: "u1", ToolName: "update_deal"}

	// Without a grant the default applies.
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.RequiresApproval {
		t.Fatalf("decision = %+v", d)
	}

	req.Workflow = &WorkflowScope{EffectiveAutoApprove: []string{"update_deal"}}
	d, err = e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RequiresApproval || d.Reason != "workflow_grant" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluatePermissionGatedTool(t *testing.T) {
	e := newEvaluator(t, &stubSettings{},
		tools.Definition{Name: "send_email", Risk: tools.RiskExternalWrite, DefaultRequiresApproval: true},
	)
	req := Request{OrgID: uuid.New(), UserID: "u1", ToolName: "send_email"}

	// Listing a gated tool in auto_approve_tools is not enough.
	req.Workflow = &WorkflowScope{EffectiveAutoApprove: []string{"send_email"}}
	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.RequiresApproval {
		t.Fatal("gated tool auto-approved without its permission")
	}

	// The messaging_send permission unlocks it.
	req.Workflow = &WorkflowScope{Permissions: []string{"messaging_send"}}
	d, err = e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RequiresApproval || d.Reason != "workflow_grant" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluateWorkflowDenyList(t *testing.T) {
	e := newEvaluator(t, &stubSettings{},
		tools.Definition{Name: "append_workflow_note", Risk: tools.RiskLocalWrite, DefaultRequiresApproval: true},
	)
	d, err := e.Evaluate(context.Background(), Request{
		OrgID: uuid.New(), UserID: "u1", ToolName: "append_workflow_note",
		Workflow: &WorkflowScope{EffectiveAutoApprove: []string{"append_workflow_note"}},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.RequiresApproval {
		t.Fatal("deny-listed tool was auto-approved by a workflow grant")
	}
}

func TestEvaluateRestrictedToolNeedsUserAllow(t *testing.T) {
	orgID := uuid.New()
	def := tools.Definition{Name: "create_github_issue", Risk: tools.RiskExternalWrite, DefaultRequiresApproval: true}
	scope := &WorkflowScope{Permissions: []string{"github_issues_write"}}

	// Permission alone is not enough for a restricted tool.
	e := newEvaluator(t, &stubSettings{}, def)
	d, err := e.Evaluate(context.Background(), Request{
		OrgID: orgID, UserID: "u1", ToolName: "create_github_issue", Workflow: scope,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.RequiresApproval {
		t.Fatal("restricted tool auto-approved without a per-user allow row")
	}

	// With the explicit allow row it goes through.
	settings := &stubSettings{rows: map[string]*domain.UserToolSetting{
		orgID.String() + "/u1/create_github_issue": {OrgID: orgID, UserID: "u1", ToolName: "create_github_issue", Allowed: true},
	}}
	e = newEvaluator(t, settings, def)
	d, err = e.Evaluate(context.Background(), Request{
		OrgID: orgID, UserID: "u1", ToolName: "create_github_issue", Workflow: scope,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.RequiresApproval || d.Reason != "workflow_grant" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestInvocationBudgetSharedAcrossGoroutines(t *testing.T) {
	budget := NewInvocationBudget(5)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- budget.Spend()
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for err := range results {
		if err == nil {
			granted++
		}
	}
	if granted != 5 {
		t.Fatalf("granted = %d, want 5", granted)
	}
	if budget.Remaining() != 0 || budget.Used() != 5 {
		t.Errorf("remaining = %d, used = %d", budget.Remaining(), budget.Used())
	}
}

func TestInvocationBudgetDefaultLimit(t *testing.T) {
	budget := NewInvocationBudget(0)
	if budget.Remaining() != DefaultMaxChildWorkflows {
		t.Fatalf("remaining = %d, want %d", budget.Remaining(), DefaultMaxChildWorkflows)
	}
}

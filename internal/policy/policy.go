// Package policy decides, per tool invocation, whether the call may
// auto-execute or must pause for human approval.
//
// Decision order (first match wins):
//  1. read-only tools never require approval
//  2. workflow-scoped auto-approve grants (minus the static deny-list and
//     permission-gated tools without their grant)
//  3. per-user auto-approve settings (only for default-gated tools)
//  4. the tool's default
//
// The evaluator is pure: it never executes anything and never mutates state.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/domain"
	"github.com/jkaninda/mauzo/internal/tools"
)

// ErrToolNotFound is returned for unknown tool names. The dispatcher converts
// it into a tool-result error so the agent can recover conversationally.
var ErrToolNotFound = errors.New("tool not found")

// WorkflowPermission is a named grant unlocking a set of tools for workflow
// auto-approval. The catalog is a small fixed enumeration defined at compile
// time.
type WorkflowPermission struct {
	Key         string
	Label       string
	Description string
	Tools       []string
}

// Permissions is the static catalog of workflow permissions.
// Tools listed here are permission-gated: a workflow may only auto-approve
// them when it carries the corresponding permission key, regardless of its
// auto_approve_tools list.
var Permissions = []WorkflowPermission{
	{
		Key:         "github_issues_write",
		Label:       "GitHub issues",
		Description: "Create and update issues in the connected tracker.",
		Tools:       []string{"create_github_issue", "update_github_issue"},
	},
	{
		Key:         "messaging_send",
		Label:       "Outbound messaging",
		Description: "Send email and Slack messages on the user's behalf.",
		Tools:       []string{"send_email", "send_slack"},
	},
	{
		Key:         "crm_bulk_write",
		Label:       "Bulk CRM writes",
		Description: "Route bulk writes to external systems via write_to_system.",
		Tools:       []string{"write_to_system"},
	},
}

// PermissionByKey returns the catalog entry for a key.
func PermissionByKey(key string) (WorkflowPermission, bool) {
	for _, p := range Permissions {
		if p.Key == key {
			return p, true
		}
	}
	return WorkflowPermission{}, false
}

// permissionGate maps tool name → permission key for permission-gated tools.
var permissionGate = func() map[string]string {
	m := make(map[string]string)
	for _, p := range Permissions {
		for _, t := range p.Tools {
			m[t] = p.Key
		}
	}
	return m
}()

// workflowDenyList names tools that can never be auto-approved by a workflow
// grant, regardless of any permission. Checked before grant evaluation.
// Memory-mutation tools are here: a workflow author must not be able to make
// an agent silently rewrite cross-run memory.
var workflowDenyList = map[string]bool{
	"append_workflow_note": true,
	"delete_workflow_note": true,
}

// restrictedTools are removed from a workflow's effective auto-approve set
// unless the invoking human user has an explicit per-user allow row.
var restrictedTools = map[string]bool{
	"create_github_issue":  true,
	"update_github_issue":  true,
	"append_workflow_note": true,
	"delete_workflow_note": true,
}

// WorkflowDenied reports whether a tool is categorically excluded from
// workflow auto-approval.
func WorkflowDenied(toolName string) bool { return workflowDenyList[toolName] }

// Restricted reports whether a tool needs a per-user allow row to be
// auto-approved inside workflow runs.
func Restricted(toolName string) bool { return restrictedTools[toolName] }

// RequiredPermission returns the permission key gating a tool, if any.
func RequiredPermission(toolName string) (string, bool) {
	key, ok := permissionGate[toolName]
	return key, ok
}

// WorkflowScope carries the effective grants of the enclosing workflow run
// into policy evaluation. EffectiveAutoApprove is already intersected down the
// parent chain (see the workflow package); the evaluator never widens it.
type WorkflowScope struct {
	WorkflowID           uuid.UUID
	RunID                uuid.UUID
	InvokedBy            string // "user:<id>" or "workflow:<parent workflow id>".
	EffectiveAutoApprove []string
	Permissions          []string
	Budget               *InvocationBudget
}

func (s *WorkflowScope) hasPermission(key string) bool {
	for _, p := range s.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

func (s *WorkflowScope) autoApproves(toolName string) bool {
	for _, t := range s.EffectiveAutoApprove {
		if t == toolName {
			return true
		}
	}
	return false
}

// UserSettingStore looks up per-user tool settings.
// Get returns (nil, nil) when the user has no row for the tool.
type UserSettingStore interface {
	Get(ctx context.Context, orgID uuid.UUID, userID, toolName string) (*domain.UserToolSetting, error)
}

// Request is one policy evaluation.
type Request struct {
	OrgID    uuid.UUID
	UserID   string // Empty for runs without a human user.
	ToolName string
	Workflow *WorkflowScope // nil outside workflow runs.
}

// Decision is the evaluator's verdict for one invocation.
type Decision struct {
	RequiresApproval bool
	Reason           string // Which rule decided, for audit logs.
}

// Evaluator applies the decision order against the tool registry and the
// per-user settings store.
type Evaluator struct {
	registry *tools.Registry
	settings UserSettingStore
}

// NewEvaluator creates an Evaluator. settings may be nil (no per-user rules).
func NewEvaluator(registry *tools.Registry, settings UserSettingStore) *Evaluator {
	return &Evaluator{registry: registry, settings: settings}
}

// Evaluate decides whether an invocation requires approval.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	def, ok := e.registry.Definition(req.ToolName)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrToolNotFound, req.ToolName)
	}

	// Rule 1: reads never require approval.
	if !def.Risk.HasSideEffects() {
		return Decision{RequiresApproval: false, Reason: "read_only"}, nil
	}

	// Rule 2: workflow grant. The static deny-list is checked first, then
	// permission gates, then the effective auto-approve list.
	if req.Workflow != nil && !WorkflowDenied(req.ToolName) {
		granted := false
		if key, gated := RequiredPermission(req.ToolName); gated {
			granted = req.Workflow.hasPermission(key)
		} else {
			granted = req.Workflow.autoApproves(req.ToolName)
		}
		if granted && Restricted(req.ToolName) {
			allowed, err := e.userAllowed(ctx, req)
			if err != nil {
				return Decision{}, err
			}
			if !allowed {
				granted = false
			}
		}
		if granted {
			return Decision{RequiresApproval: false, Reason: "workflow_grant"}, nil
		}
	}

	// Rule 3: per-user auto-approve. Only approval-gated tools may be toggled.
	if def.DefaultRequiresApproval && req.UserID != "" && e.settings != nil {
		setting, err := e.settings.Get(ctx, req.OrgID, req.UserID, req.ToolName)
		if err != nil {
			return Decision{}, fmt.Errorf("loading user tool setting: %w", err)
		}
		if setting != nil && setting.AutoApprove {
			return Decision{RequiresApproval: false, Reason: "user_setting"}, nil
		}
	}

	// Rule 4: tool default.
	reason := "tool_default"
	return Decision{RequiresApproval: def.DefaultRequiresApproval, Reason: reason}, nil
}

// userAllowed checks the explicit per-user allow row required for restricted
// tools inside workflow runs.
func (e *Evaluator) userAllowed(ctx context.Context, req Request) (bool, error) {
	if req.UserID == "" || e.settings == nil {
		return false, nil
	}
	setting, err := e.settings.Get(ctx, req.OrgID, req.UserID, req.ToolName)
	if err != nil {
		return false, fmt.Errorf("loading user tool setting: %w", err)
	}
	return setting != nil && setting.Allowed, nil
}

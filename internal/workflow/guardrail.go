package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/policy"
)

// EffectiveAutoApprove computes the auto-approve set for a run. A root run
// keeps the workflow's own configured list; a nested run intersects it with
// the parent chain's effective set. The intersection is monotonic: a child
// can never auto-approve a tool its ancestors did not already carry.
func EffectiveAutoApprove(own []string, parent *ParentContext) []string {
	if parent == nil {
		return dedupe(own)
	}
	allowed := make(map[string]bool, len(parent.EffectiveAutoApprove))
	for _, t := range parent.EffectiveAutoApprove {
		allowed[t] = true
	}
	var out []string
	for _, t := range dedupe(own) {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}

// EffectivePermissions intersects granted permission keys the same way.
func EffectivePermissions(own []string, parent *ParentContext) []string {
	if parent == nil {
		return dedupe(own)
	}
	allowed := make(map[string]bool, len(parent.Permissions))
	for _, p := range parent.Permissions {
		allowed[p] = true
	}
	var out []string
	for _, p := range dedupe(own) {
		if allowed[p] {
			out = append(out, p)
		}
	}
	return out
}

// ApplyRestrictedOverride removes restricted tools from the effective set
// unless the acting user has an explicit per-user allow row. A workflow
// author's blanket grant never overrides the acting user's own gating.
func ApplyRestrictedOverride(ctx context.Context, set []string, orgID uuid.UUID, userID string, settings policy.UserSettingStore) ([]string, error) {
	var out []string
	for _, tool := range set {
		if !policy.Restricted(tool) {
			out = append(out, tool)
			continue
		}
		if userID == "" || settings == nil {
			continue
		}
		setting, err := settings.Get(ctx, orgID, userID, tool)
		if err != nil {
			return nil, fmt.Errorf("loading user setting for %s: %w", tool, err)
		}
		if setting != nil && setting.Allowed {
			out = append(out, tool)
		}
	}
	return out, nil
}

// BuildScope assembles the policy scope for one run: the intersected grants
// plus a fresh invocation budget.
func BuildScope(ctx context.Context, wf *Workflow, run *Run, settings policy.UserSettingStore, maxChildren int) (*policy.WorkflowScope, error) {
	parent := run.ParentContext()

	effective := EffectiveAutoApprove(wf.AutoApproveTools, parent)
	effective, err := ApplyRestrictedOverride(ctx, effective, run.OrgID, run.UserID, settings)
	if err != nil {
		return nil, err
	}

	invokedBy := "user:" + run.UserID
	if parent != nil {
		invokedBy = "workflow:" + parent.WorkflowID.String()
	} else if run.UserID == "" {
		invokedBy = run.TriggeredBy
	}

	return &policy.WorkflowScope{
		WorkflowID:           wf.ID,
		RunID:                run.ID,
		InvokedBy:            invokedBy,
		EffectiveAutoApprove: effective,
		Permissions:          EffectivePermissions(wf.AutoApprovePermissions, parent),
		Budget:               policy.NewInvocationBudget(maxChildren),
	}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

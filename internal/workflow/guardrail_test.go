package workflow

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/domain"
)

func TestEffectiveAutoApproveRoot(t *testing.T) {
	got := EffectiveAutoApprove([]string{"send_slack", "send_email", "send_slack"}, nil)
	if len(got) != 2 {
		t.Fatalf("root effective = %v, want deduped own list", got)
	}
}

func TestEffectiveAutoApproveIntersection(t *testing.T) {
	parent := &ParentContext{EffectiveAutoApprove: []string{"send_slack", "create_record"}}
	got := EffectiveAutoApprove([]string{"send_slack", "send_email"}, parent)
	if len(got) != 1 || got[0] != "send_slack" {
		t.Fatalf("effective = %v, want [send_slack]", got)
	}
}

func TestEffectiveAutoApproveEmptyParent(t *testing.T) {
	parent := &ParentContext{EffectiveAutoApprove: nil}
	got := EffectiveAutoApprove([]string{"send_slack", "send_email"}, parent)
	if len(got) != 0 {
		t.Fatalf("empty parent must mean empty child, got %v", got)
	}
}

// The intersection law: the child's effective set is always a subset of the
// parent's, for random tool-list pairs.
func TestEffectiveAutoApproveSubsetProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	pick := func() []string {
		var out []string
		for _, tool := range pool {
			if rng.Intn(2) == 1 {
				out = append(out, tool)
			}
		}
		return out
	}

	for i := 0; i < 200; i++ {
		parentSet := pick()
		childSet := pick()
		parent := &ParentContext{EffectiveAutoApprove: parentSet}

		effective := EffectiveAutoApprove(childSet, parent)

		allowed := make(map[string]bool)
		for _, tool := range parentSet {
			allowed[tool] = true
		}
		for _, tool := range effective {
			if !allowed[tool] {
				t.Fatalf("iteration %d: %q in effective set %v but not in parent %v", i, tool, effective, parentSet)
			}
		}
	}
}

func TestEffectivePermissionsIntersection(t *testing.T) {
	parent := &ParentContext{Permissions: []string{"messaging_send"}}
	got := EffectivePermissions([]string{"messaging_send", "github_issues_write"}, parent)
	if len(got) != 1 || got[0] != "messaging_send" {
		t.Fatalf("permissions = %v, want [messaging_send]", got)
	}
}

type allowSettings struct {
	allowed map[string]bool
}

func (s *allowSettings) Get(_ context.Context, _ uuid.UUID, userID, toolName string) (*domain.UserToolSetting, error) {
	if s.allowed[toolName] {
		return &domain.UserToolSetting{UserID: userID, ToolName: toolName, Allowed: true}, nil
	}
	return nil, nil
}

func TestApplyRestrictedOverride(t *testing.T) {
	// create_github_issue is restricted: it stays only with an explicit
	// per-user allow row. append_workflow_note is restricted and not allowed.
	set := []string{"send_slack", "create_github_issue", "append_workflow_note"}
	settings := &allowSettings{allowed: map[string]bool{"create_github_issue": true}}

	got, err := ApplyRestrictedOverride(context.Background(), set, uuid.New(), "u1", settings)
	if err != nil {
		t.Fatalf("ApplyRestrictedOverride: %v", err)
	}
	want := map[string]bool{"send_slack": true, "create_github_issue": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys %v", got, want)
	}
	for _, tool := range got {
		if !want[tool] {
			t.Errorf("unexpected tool %q in effective set", tool)
		}
	}
}

func TestApplyRestrictedOverrideNoUser(t *testing.T) {
	got, err := ApplyRestrictedOverride(context.Background(),
		[]string{"create_github_issue"}, uuid.New(), "", &allowSettings{})
	if err != nil {
		t.Fatalf("ApplyRestrictedOverride: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("restricted tool kept without an acting user: %v", got)
	}
}

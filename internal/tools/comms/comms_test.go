package comms

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/tools"
)

// fakeProvider records the actions executed against it.
type fakeProvider struct {
	name    string
	actions []string
	fail    error
}

func (p *fakeProvider) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Name:         p.name,
		DisplayName:  p.name,
		Capabilities: []connector.Capability{connector.CapAction},
	}
}

func (p *fakeProvider) ExecuteAction(_ context.Context, _ uuid.UUID, action string, params map[string]any) (map[string]any, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	p.actions = append(p.actions, action)
	return map[string]any{"provider_id": "msg-1"}, nil
}

func setup(t *testing.T, email, slack *fakeProvider) *tools.Registry {
	t.Helper()
	connectors := connector.NewRegistry()
	for _, p := range []*fakeProvider{email, slack} {
		if err := connectors.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.name, err)
		}
	}
	registry := tools.NewRegistry()
	Register(registry, connectors, email.name, slack.name)
	return registry
}

func scopedCtx() context.Context {
	return tools.ContextWithScope(context.Background(), tools.Scope{OrgID: uuid.New(), UserID: "u1"})
}

func TestSendEmail(t *testing.T) {
	email := &fakeProvider{name: "gmail"}
	registry := setup(t, email, &fakeProvider{name: "slack"})
	tool := registry.Get("send_email")

	params := map[string]any{"to": "ada@example.com", "subject": "Q3 report", "body": "attached"}
	if err := tool.Validate(params); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	res, err := tool.Execute(scopedCtx(), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Metadata["provider_id"] != "msg-1" {
		t.Fatalf("result = %+v", res)
	}
	if len(email.actions) != 1 || email.actions[0] != "send_email" {
		t.Errorf("actions = %v", email.actions)
	}

	if !tool.Definition().DefaultRequiresApproval {
		t.Error("send_email must default to requiring approval")
	}
}

func TestSendSlack(t *testing.T) {
	slack := &fakeProvider{name: "slack"}
	registry := setup(t, &fakeProvider{name: "gmail"}, slack)
	tool := registry.Get("send_slack")

	params := map[string]any{"channel": "#revops", "message": "pipeline updated"}
	res, err := tool.Execute(scopedCtx(), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(slack.actions) != 1 || slack.actions[0] != "send_message" {
		t.Errorf("actions = %v", slack.actions)
	}
}

func TestSendEmailProviderFailure(t *testing.T) {
	email := &fakeProvider{name: "gmail", fail: errors.New("smtp unavailable")}
	registry := setup(t, email, &fakeProvider{name: "slack"})
	tool := registry.Get("send_email")

	_, err := tool.Execute(scopedCtx(), map[string]any{"to": "a@b.c", "subject": "s", "body": "b"})
	if err == nil {
		t.Fatal("provider failure not propagated")
	}
}

func TestValidateRejects(t *testing.T) {
	registry := setup(t, &fakeProvider{name: "gmail"}, &fakeProvider{name: "slack"})

	if err := registry.Get("send_email").Validate(map[string]any{"to": "not-an-address", "subject": "s", "body": "b"}); err == nil {
		t.Error("bad email address accepted")
	}
	if err := registry.Get("send_slack").Validate(map[string]any{"channel": "#c"}); err == nil {
		t.Error("missing message accepted")
	}
}

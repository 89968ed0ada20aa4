// Package comms provides the outbound messaging tools. Both are external
// writes routed through connector actions and approval-gated by default.
package comms

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/tools"
)

// Register adds the messaging tools to the registry. emailConnector and
// slackConnector name the connectors carrying the action capability.
func Register(registry *tools.Registry, connectors *connector.Registry, emailConnector, slackConnector string) {
	registry.Register(&sendEmailTool{connectors: connectors, connector: emailConnector})
	registry.Register(&sendSlackTool{connectors: connectors, connector: slackConnector})
}

type sendEmailTool struct {
	connectors *connector.Registry
	connector  string
}

func (t *sendEmailTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "send_email",
		Description: "Send an email through the connected email provider. Requires approval.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"type": "string"},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			},
			"required": []string{"to", "subject", "body"},
		},
		Risk:                    tools.RiskExternalWrite,
		DefaultRequiresApproval: true,
	}
}

func (t *sendEmailTool) Validate(params map[string]any) error {
	to, _ := params["to"].(string)
	if to == "" || !strings.Contains(to, "@") {
		return fmt.Errorf("to must be an email address")
	}
	if s, _ := params["subject"].(string); s == "" {
		return fmt.Errorf("subject is required")
	}
	if b, _ := params["body"].(string); b == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}

func (t *sendEmailTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	exec, err := t.connectors.ActionExecutor(t.connector)
	if err != nil {
		return nil, err
	}
	out, err := exec.ExecuteAction(ctx, scope.OrgID, "send_email", params)
	if err != nil {
		return nil, fmt.Errorf("sending email: %w", err)
	}
	to, _ := params["to"].(string)
	return &tools.Result{
		Success:  true,
		Output:   fmt.Sprintf("email sent to %s", to),
		Metadata: out,
	}, nil
}

type sendSlackTool struct {
	connectors *connector.Registry
	connector  string
}

func (t *sendSlackTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "send_slack",
		Description: "Post a message to a Slack channel. Requires approval.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel": map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			},
			"required": []string{"channel", "message"},
		},
		Risk:                    tools.RiskExternalWrite,
		DefaultRequiresApproval: true,
	}
}

func (t *sendSlackTool) Validate(params map[string]any) error {
	if c, _ := params["channel"].(string); c == "" {
		return fmt.Errorf("channel is required")
	}
	if m, _ := params["message"].(string); m == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

func (t *sendSlackTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	exec, err := t.connectors.ActionExecutor(t.connector)
	if err != nil {
		return nil, err
	}
	out, err := exec.ExecuteAction(ctx, scope.OrgID, "send_message", params)
	if err != nil {
		return nil, fmt.Errorf("posting to slack: %w", err)
	}
	channel, _ := params["channel"].(string)
	return &tools.Result{
		Success:  true,
		Output:   fmt.Sprintf("message posted to %s", channel),
		Metadata: out,
	}, nil
}

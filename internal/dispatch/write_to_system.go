package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/tools"
)

// WriteToSystemTool is the batch-write router onto external systems.
const WriteToSystemTool = "write_to_system"

var writeOperations = map[string]bool{"create": true, "update": true, "delete": true}

// writeToSystem routes validated record batches onto the target system's
// Writer capability. External write, always approval-gated by default.
type writeToSystem struct {
	connectors *connector.Registry
}

// NewWriteToSystemTool creates the write_to_system tool.
func NewWriteToSystemTool(connectors *connector.Registry) tools.Tool {
	return &writeToSystem{connectors: connectors}
}

func (w *writeToSystem) Definition() tools.Definition {
	return tools.Definition{
		Name:        WriteToSystemTool,
		Description: "Create, update, or delete a batch of records in an external system (CRM, ticketing). Requires approval.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target_system": map[string]any{"type": "string", "description": "Connector name, e.g. hubspot."},
				"record_type":   map[string]any{"type": "string", "description": "Record type, e.g. contacts, deals."},
				"operation":     map[string]any{"type": "string", "enum": []string{"create", "update", "delete"}},
				"records":       map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			},
			"required": []string{"target_system", "record_type", "operation", "records"},
		},
		Risk:                    tools.RiskExternalWrite,
		DefaultRequiresApproval: true,
	}
}

func (w *writeToSystem) Validate(params map[string]any) error {
	target, _ := params["target_system"].(string)
	if target == "" {
		return fmt.Errorf("target_system is required")
	}
	if _, err := w.connectors.Writer(target); err != nil {
		return fmt.Errorf("target_system %q: %w", target, err)
	}
	if rt, _ := params["record_type"].(string); rt == "" {
		return fmt.Errorf("record_type is required")
	}
	op, _ := params["operation"].(string)
	if !writeOperations[op] {
		return fmt.Errorf("operation must be create, update, or delete, got %q", op)
	}
	records := recordsParam(params)
	if len(records) == 0 {
		return fmt.Errorf("records must be a non-empty array of objects")
	}
	if op != "create" {
		for i, rec := range records {
			if _, ok := rec["id"]; !ok {
				return fmt.Errorf("records[%d]: %s requires an id field", i, op)
			}
		}
	}
	return nil
}

// Execute handles the rare direct path where policy waved the call through
// (per-user auto-approve). The approval path never reaches here; it routes
// through the dispatcher's CrmWriteOperation handler instead.
func (w *writeToSystem) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	target, _ := params["target_system"].(string)
	writer, err := w.connectors.Writer(target)
	if err != nil {
		return nil, err
	}

	payload := crmWritePayload(params)
	wr, err := writer.Write(ctx, scope.OrgID, connector.WriteRequest{
		RecordType: payload.RecordType,
		Operation:  payload.Operation,
		Records:    payload.ValidatedRecords,
	})
	if err != nil {
		return nil, fmt.Errorf("writing to %s: %w", target, err)
	}

	output := fmt.Sprintf("%s %s on %s: %d succeeded, %d failed",
		payload.Operation, payload.RecordType, target, wr.SuccessCount, wr.FailureCount)
	if len(wr.Errors) > 0 {
		output += "\nerrors: " + strings.Join(wr.Errors, "; ")
	}
	return &tools.Result{
		Success: wr.FailureCount == 0,
		Output:  output,
		Metadata: map[string]any{
			"success_count": wr.SuccessCount,
			"failure_count": wr.FailureCount,
		},
	}, nil
}

func recordsParam(params map[string]any) []map[string]any {
	raw, _ := params["records"].([]any)
	records := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
		}
	}
	// Tests and internal callers may pass the concrete type directly.
	if len(records) == 0 {
		if typed, ok := params["records"].([]map[string]any); ok {
			records = typed
		}
	}
	return records
}

// Package crm provides the local CRM record tools: search, get, create,
// update, delete. Reads go through the connector's query capability; writes
// go through the record store and report every mutation to the conversation's
// change session so they can be rolled back as a unit.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/tools"
)

const defaultSearchLimit = 25

var recordTypes = map[string]bool{
	"contacts":  true,
	"companies": true,
	"deals":     true,
	"tickets":   true,
	"tasks":     true,
}

// Deps are the collaborators shared by all CRM tools.
type Deps struct {
	Records  session.RecordStore
	Querier  connector.Querier
	Sessions *session.Engine
}

// Register adds all CRM tools to the registry.
func Register(registry *tools.Registry, deps Deps) {
	registry.Register(&searchTool{deps})
	registry.Register(&getTool{deps})
	registry.Register(&createTool{deps})
	registry.Register(&updateTool{deps})
	registry.Register(&deleteTool{deps})
}

func validRecordType(params map[string]any) (string, error) {
	rt, _ := params["record_type"].(string)
	if rt == "" {
		return "", fmt.Errorf("record_type is required")
	}
	if !recordTypes[rt] {
		return "", fmt.Errorf("unknown record_type %q", rt)
	}
	return rt, nil
}

func recordID(params map[string]any) (string, error) {
	id, _ := params["record_id"].(string)
	if id == "" {
		return "", fmt.Errorf("record_id is required")
	}
	return id, nil
}

// record reports a local mutation to the turn's open change session.
// Outside a conversation (no session in context) nothing is recorded.
// A recording failure fails the tool call: an untracked write would break
// the rollback guarantee.
func (d Deps) record(ctx context.Context, table, id string, op session.Operation, before, after map[string]any) error {
	cs := session.FromContext(ctx)
	if cs == nil {
		return nil
	}
	if err := d.Sessions.Record(ctx, cs, table, id, op, before, after); err != nil {
		return fmt.Errorf("recording change: %w", err)
	}
	return nil
}

// searchTool queries records with optional filters.
type searchTool struct{ deps Deps }

func (t *searchTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "search_records",
		Description: "Search synced CRM records with optional field filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"record_type": map[string]any{"type": "string", "enum": recordTypeList()},
				"filters":     map[string]any{"type": "object"},
				"limit":       map[string]any{"type": "integer"},
			},
			"required": []string{"record_type"},
		},
		Risk: tools.RiskLocalRead,
	}
}

func (t *searchTool) Validate(params map[string]any) error {
	_, err := validRecordType(params)
	return err
}

func (t *searchTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	rt, _ := params["record_type"].(string)
	filters, _ := params["filters"].(map[string]any)
	limit := defaultSearchLimit
	if f, ok := params["limit"].(float64); ok && int(f) > 0 {
		limit = int(f)
	}

	res, err := t.deps.Querier.Query(ctx, scope.OrgID, connector.QueryRequest{
		RecordType: rt,
		Filters:    filters,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", rt, err)
	}

	encoded, _ := json.Marshal(map[string]any{"records": res.Records, "total": res.Total})
	return &tools.Result{
		Success:  true,
		Output:   tools.TruncateOutput(string(encoded), tools.MaxOutputBytes),
		Metadata: map[string]any{"total": res.Total},
	}, nil
}

// getTool fetches one record by ID.
type getTool struct{ deps Deps }

func (t *getTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "get_record",
		Description: "Fetch one CRM record by ID.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"record_type": map[string]any{"type": "string", "enum": recordTypeList()},
				"record_id":   map[string]any{"type": "string"},
			},
			"required": []string{"record_type", "record_id"},
		},
		Risk: tools.RiskLocalRead,
	}
}

func (t *getTool) Validate(params map[string]any) error {
	if _, err := validRecordType(params); err != nil {
		return err
	}
	_, err := recordID(params)
	return err
}

func (t *getTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	rt, _ := params["record_type"].(string)
	id, _ := params["record_id"].(string)

	rec, err := t.deps.Records.GetRecord(ctx, scope.OrgID, rt, id)
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", rt, id, err)
	}
	encoded, _ := json.Marshal(rec)
	return &tools.Result{Success: true, Output: string(encoded)}, nil
}

// createTool inserts a record.
type createTool struct{ deps Deps }

func (t *createTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "create_record",
		Description: "Create a CRM record in the local store.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"record_type": map[string]any{"type": "string", "enum": recordTypeList()},
				"data":        map[string]any{"type": "object"},
			},
			"required": []string{"record_type", "data"},
		},
		Risk: tools.RiskLocalWrite,
	}
}

func (t *createTool) Validate(params map[string]any) error {
	if _, err := validRecordType(params); err != nil {
		return err
	}
	if data, _ := params["data"].(map[string]any); len(data) == 0 {
		return fmt.Errorf("data must be a non-empty object")
	}
	return nil
}

func (t *createTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	rt, _ := params["record_type"].(string)
	data, _ := params["data"].(map[string]any)

	id := uuid.NewString()
	stored := make(map[string]any, len(data)+1)
	for k, v := range data {
		stored[k] = v
	}
	stored["id"] = id

	if err := t.deps.Records.InsertRecord(ctx, scope.OrgID, rt, id, stored); err != nil {
		return nil, fmt.Errorf("creating %s: %w", rt, err)
	}
	if err := t.deps.record(ctx, rt, id, session.OpCreate, nil, stored); err != nil {
		return nil, err
	}

	encoded, _ := json.Marshal(stored)
	return &tools.Result{
		Success:  true,
		Output:   string(encoded),
		Metadata: map[string]any{"record_id": id},
	}, nil
}

// updateTool merges fields into an existing record.
type updateTool struct{ deps Deps }

func (t *updateTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "update_record",
		Description: "Update fields on an existing CRM record.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"record_type": map[string]any{"type": "string", "enum": recordTypeList()},
				"record_id":   map[string]any{"type": "string"},
				"data":        map[string]any{"type": "object"},
			},
			"required": []string{"record_type", "record_id", "data"},
		},
		Risk: tools.RiskLocalWrite,
	}
}

func (t *updateTool) Validate(params map[string]any) error {
	if _, err := validRecordType(params); err != nil {
		return err
	}
	if _, err := recordID(params); err != nil {
		return err
	}
	if data, _ := params["data"].(map[string]any); len(data) == 0 {
		return fmt.Errorf("data must be a non-empty object")
	}
	return nil
}

func (t *updateTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	rt, _ := params["record_type"].(string)
	id, _ := params["record_id"].(string)
	data, _ := params["data"].(map[string]any)

	before, err := t.deps.Records.GetRecord(ctx, scope.OrgID, rt, id)
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", rt, id, err)
	}

	after := make(map[string]any, len(before)+len(data))
	for k, v := range before {
		after[k] = v
	}
	for k, v := range data {
		after[k] = v
	}
	after["id"] = id

	if err := t.deps.Records.UpdateRecord(ctx, scope.OrgID, rt, id, after); err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", rt, id, err)
	}
	if err := t.deps.record(ctx, rt, id, session.OpUpdate, before, after); err != nil {
		return nil, err
	}

	encoded, _ := json.Marshal(after)
	return &tools.Result{Success: true, Output: string(encoded)}, nil
}

// deleteTool removes a record.
type deleteTool struct{ deps Deps }

func (t *deleteTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "delete_record",
		Description: "Delete a CRM record from the local store.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"record_type": map[string]any{"type": "string", "enum": recordTypeList()},
				"record_id":   map[string]any{"type": "string"},
			},
			"required": []string{"record_type", "record_id"},
		},
		Risk: tools.RiskLocalWrite,
	}
}

func (t *deleteTool) Validate(params map[string]any) error {
	if _, err := validRecordType(params); err != nil {
		return err
	}
	_, err := recordID(params)
	return err
}

func (t *deleteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	rt, _ := params["record_type"].(string)
	id, _ := params["record_id"].(string)

	before, err := t.deps.Records.GetRecord(ctx, scope.OrgID, rt, id)
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", rt, id, err)
	}
	if err := t.deps.Records.DeleteRecord(ctx, scope.OrgID, rt, id); err != nil {
		return nil, fmt.Errorf("deleting %s/%s: %w", rt, id, err)
	}
	if err := t.deps.record(ctx, rt, id, session.OpDelete, before, nil); err != nil {
		return nil, err
	}

	return &tools.Result{
		Success:  true,
		Output:   fmt.Sprintf("deleted %s/%s", rt, id),
		Metadata: map[string]any{"record_id": id},
	}, nil
}

func recordTypeList() []string {
	out := make([]string, 0, len(recordTypes))
	for rt := range recordTypes {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

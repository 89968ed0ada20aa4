// Package memory provides the workflow note tools. Notes are the agent's
// scratchpad between runs of the same workflow: a run appends notes, and the
// next run sees them rendered into its prompt. The tools are hidden outside
// workflow runs.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/tools"
	"github.com/jkaninda/mauzo/internal/workflow"
)

// Register adds the note tools to the registry.
func Register(registry *tools.Registry, store workflow.Store) {
	registry.Register(&appendNoteTool{store: store})
	registry.Register(&listNotesTool{store: store})
	registry.Register(&deleteNoteTool{store: store})
}

type appendNoteTool struct {
	store workflow.Store
}

func (t *appendNoteTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "append_workflow_note",
		Description: "Append a note to the current workflow run. Notes are shown to future runs of this workflow.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"content"},
		},
		Risk: tools.RiskLocalWrite,
	}
}

func (t *appendNoteTool) WorkflowOnly() bool { return true }

func (t *appendNoteTool) Validate(params map[string]any) error {
	content, _ := params["content"].(string)
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

func (t *appendNoteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	if scope.RunID == uuid.Nil {
		return nil, fmt.Errorf("append_workflow_note is only available inside a workflow run")
	}
	content, _ := params["content"].(string)
	note := workflow.Note{
		Content:         strings.TrimSpace(content),
		CreatedAt:       time.Now().UTC(),
		CreatedByUserID: scope.UserID,
	}
	if err := t.store.AppendNote(ctx, scope.OrgID, scope.RunID, note); err != nil {
		return nil, fmt.Errorf("appending note: %w", err)
	}
	return &tools.Result{Success: true, Output: "note saved"}, nil
}

type listNotesTool struct {
	store workflow.Store
}

func (t *listNotesTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "list_workflow_notes",
		Description: "List the notes recorded so far in the current workflow run.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Risk: tools.RiskLocalRead,
	}
}

func (t *listNotesTool) WorkflowOnly() bool { return true }

func (t *listNotesTool) Validate(map[string]any) error { return nil }

func (t *listNotesTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	if scope.RunID == uuid.Nil {
		return nil, fmt.Errorf("list_workflow_notes is only available inside a workflow run")
	}
	notes, err := t.store.Notes(ctx, scope.OrgID, scope.RunID)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	if len(notes) == 0 {
		return &tools.Result{Success: true, Output: "no notes recorded"}, nil
	}
	var b strings.Builder
	for i, n := range notes {
		fmt.Fprintf(&b, "%d. %s\n", i, n.Content)
	}
	return &tools.Result{
		Success:  true,
		Output:   strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]any{"count": len(notes)},
	}, nil
}

type deleteNoteTool struct {
	store workflow.Store
}

func (t *deleteNoteTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "delete_workflow_note",
		Description: "Delete a note from the current workflow run by its index as shown by list_workflow_notes.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"index": map[string]any{"type": "integer", "minimum": 0},
			},
			"required": []string{"index"},
		},
		Risk: tools.RiskLocalWrite,
	}
}

func (t *deleteNoteTool) WorkflowOnly() bool { return true }

func (t *deleteNoteTool) Validate(params map[string]any) error {
	if _, err := noteIndex(params); err != nil {
		return err
	}
	return nil
}

func (t *deleteNoteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	scope := tools.ScopeFromContext(ctx)
	if scope.RunID == uuid.Nil {
		return nil, fmt.Errorf("delete_workflow_note is only available inside a workflow run")
	}
	index, err := noteIndex(params)
	if err != nil {
		return nil, err
	}
	if err := t.store.DeleteNote(ctx, scope.OrgID, scope.RunID, index); err != nil {
		return nil, fmt.Errorf("deleting note %d: %w", index, err)
	}
	return &tools.Result{Success: true, Output: fmt.Sprintf("note %d deleted", index)}, nil
}

// noteIndex accepts both JSON numbers (float64) and native ints.
func noteIndex(params map[string]any) (int, error) {
	switch v := params["index"].(type) {
	case float64:
		if v != float64(int(v)) || v < 0 {
			return 0, fmt.Errorf("index must be a non-negative integer")
		}
		return int(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("index must be a non-negative integer")
		}
		return v, nil
	default:
		return 0, fmt.Errorf("index is required")
	}
}

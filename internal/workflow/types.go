// Package workflow implements stored prompt-driven automations: their runs,
// the composition guardrails for nested invocation, and the run_workflow and
// loop_over tools.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("workflow run not found")
	ErrNoteNotFound     = errors.New("workflow note not found")
)

// TriggerType says how a workflow starts.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerManual   TriggerType = "manual"
)

// Workflow is a stored prompt-driven automation. The execution engine treats
// it as read-only; mutation happens through the CRUD surface.
type Workflow struct {
	ID                     uuid.UUID
	OrgID                  uuid.UUID
	Name                   string
	Description            string
	TriggerType            TriggerType
	TriggerConfig          map[string]any // For schedule: {"cron": "0 9 * * 1"}.
	Prompt                 string
	AutoApproveTools       []string
	AutoApprovePermissions []string
	InputSchema            map[string]any
	OutputSchema           map[string]any
	ChildWorkflows         []uuid.UUID // Workflows this one may invoke via run_workflow.
	Enabled                bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RunStatus is the workflow run state machine: pending -> running ->
// completed | failed | cancelled. Single forward path, no re-entry.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// parentContextKey is the trigger_data key carrying nested-run provenance.
const parentContextKey = "_parent_context"

// ParentContext identifies the invoking run for a nested workflow invocation
// and carries the grants the child's effective set is intersected against.
type ParentContext struct {
	WorkflowID           uuid.UUID `json:"workflow_id"`
	RunID                uuid.UUID `json:"run_id"`
	EffectiveAutoApprove []string  `json:"effective_auto_approve"`
	Permissions          []string  `json:"permissions"`
}

// Run is one execution instance of a Workflow.
type Run struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	OrgID          uuid.UUID
	UserID         string // Acting human user; empty for schedule/event runs.
	Status         RunStatus
	TriggeredBy    string // "manual", "schedule", "event", "run_workflow".
	TriggerData    map[string]any
	StepsCompleted int
	Output         map[string]any
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ParentContext extracts the nested-run provenance from trigger data, or nil
// for a root run.
func (r *Run) ParentContext() *ParentContext {
	raw, ok := r.TriggerData[parentContextKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case *ParentContext:
		return v
	case ParentContext:
		return &v
	case map[string]any:
		pc := &ParentContext{}
		if s, ok := v["workflow_id"].(string); ok {
			pc.WorkflowID, _ = uuid.Parse(s)
		}
		if s, ok := v["run_id"].(string); ok {
			pc.RunID, _ = uuid.Parse(s)
		}
		pc.EffectiveAutoApprove = stringSlice(v["effective_auto_approve"])
		pc.Permissions = stringSlice(v["permissions"])
		return pc
	default:
		return nil
	}
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Note is one append-only workflow note. Notes are the only part of a run
// mutable after completion; agents use them as cross-run memory.
type Note struct {
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedByUserID string    `json:"created_by_user_id,omitempty"`
}

// Store persists workflows, runs, and notes.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, orgID, id uuid.UUID) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, orgID uuid.UUID, name string) (*Workflow, error)
	ListWorkflows(ctx context.Context, orgID uuid.UUID) ([]Workflow, error)
	// ListScheduled returns enabled schedule-triggered workflows across all orgs,
	// for the scheduler's polling loop.
	ListScheduled(ctx context.Context) ([]Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	DeleteWorkflow(ctx context.Context, orgID, id uuid.UUID) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, orgID, id uuid.UUID) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, orgID, workflowID uuid.UUID, limit int) ([]Run, error)
	// LastCompletedAt returns when the workflow last completed a run, or nil.
	LastCompletedAt(ctx context.Context, orgID, workflowID uuid.UUID) (*time.Time, error)

	AppendNote(ctx context.Context, orgID, runID uuid.UUID, note Note) error
	Notes(ctx context.Context, orgID, runID uuid.UUID) ([]Note, error)
	// DeleteNote removes the note at the given index (0-based).
	DeleteNote(ctx context.Context, orgID, runID uuid.UUID, index int) error
}

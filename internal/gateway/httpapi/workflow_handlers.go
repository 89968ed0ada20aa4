package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/scheduler"
	"github.com/jkaninda/mauzo/internal/workflow"
	"github.com/jkaninda/okapi"
)

// defaultRunListLimit bounds the run listing endpoint.
const defaultRunListLimit = 50

// WorkflowRequest is the JSON body for creating or updating a workflow.
type WorkflowRequest struct {
	Name                   string         `json:"name"`
	Description            string         `json:"description,omitempty"`
	TriggerType            string         `json:"trigger_type"`
	TriggerConfig          map[string]any `json:"trigger_config,omitempty"`
	Prompt                 string         `json:"prompt"`
	AutoApproveTools       []string       `json:"auto_approve_tools,omitempty"`
	AutoApprovePermissions []string       `json:"auto_approve_permissions,omitempty"`
	InputSchema            map[string]any `json:"input_schema,omitempty"`
	OutputSchema           map[string]any `json:"output_schema,omitempty"`
	ChildWorkflows         []string       `json:"child_workflows,omitempty"`
	Enabled                *bool          `json:"enabled,omitempty"`
}

// WorkflowResponse is the JSON representation of a workflow.
type WorkflowResponse struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	Description            string         `json:"description,omitempty"`
	TriggerType            string         `json:"trigger_type"`
	TriggerConfig          map[string]any `json:"trigger_config,omitempty"`
	Prompt                 string         `json:"prompt"`
	AutoApproveTools       []string       `json:"auto_approve_tools,omitempty"`
	AutoApprovePermissions []string       `json:"auto_approve_permissions,omitempty"`
	InputSchema            map[string]any `json:"input_schema,omitempty"`
	OutputSchema           map[string]any `json:"output_schema,omitempty"`
	ChildWorkflows         []string       `json:"child_workflows,omitempty"`
	Enabled                bool           `json:"enabled"`
	NextRunAt              *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// RunRequest is the JSON body for triggering a workflow run.
type RunRequest struct {
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// RunResponse is the JSON representation of a workflow run.
type RunResponse struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	UserID         string         `json:"user_id,omitempty"`
	Status         string         `json:"status"`
	TriggeredBy    string         `json:"triggered_by"`
	StepsCompleted int            `json:"steps_completed"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// NoteRequest is the JSON body for appending a run note.
type NoteRequest struct {
	Content string `json:"content"`
}

func (g *Gateway) registerWorkflowRoutes() {
	g.group.Post("/workflows", g.handleWorkflowCreate,
		okapi.DocSummary("Create a workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocRequestBody(WorkflowRequest{}),
		okapi.DocResponse(http.StatusCreated, WorkflowResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/workflows", g.handleWorkflowList,
		okapi.DocSummary("List workflows"),
		okapi.DocTags("Workflows"),
		okapi.DocResponse([]WorkflowResponse{}),
	)
	g.group.Get("/workflows/{id}", g.handleWorkflowGet,
		okapi.DocSummary("Get a workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID (UUID)"),
		okapi.DocResponse(WorkflowResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/workflows/{id}", g.handleWorkflowUpdate,
		okapi.DocSummary("Update a workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID (UUID)"),
		okapi.DocRequestBody(WorkflowRequest{}),
		okapi.DocResponse(WorkflowResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/workflows/{id}", g.handleWorkflowDelete,
		okapi.DocSummary("Delete a workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/workflows/{id}/runs", g.handleRunTrigger,
		okapi.DocSummary("Trigger a workflow run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Workflow ID (UUID)"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(http.StatusAccepted, RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/workflows/{id}/runs", g.handleRunList,
		okapi.DocSummary("List runs of a workflow"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Workflow ID (UUID)"),
		okapi.DocResponse([]RunResponse{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a workflow run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/runs/{id}/cancel", g.handleRunCancel,
		okapi.DocSummary("Cancel a pending or running workflow run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/notes", g.handleNoteList,
		okapi.DocSummary("List notes on a workflow run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse([]workflow.Note{}),
	)
	g.group.Post("/runs/{id}/notes", g.handleNoteAppend,
		okapi.DocSummary("Append a note to a workflow run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocRequestBody(NoteRequest{}),
		okapi.DocResponse(http.StatusCreated, workflow.Note{}),
	)
	g.group.Delete("/runs/{id}/notes/{index}", g.handleNoteDelete,
		okapi.DocSummary("Delete a note from a workflow run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocPathParam("index", "integer", "Zero-based note index"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleWorkflowCreate(c *okapi.Context) error {
	var req WorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	wf, err := g.workflowFromRequest(&req, nil)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	wf.ID = uuid.New()
	wf.OrgID = g.orgID
	wf.CreatedAt = time.Now().UTC()
	wf.UpdatedAt = wf.CreatedAt

	if err := g.wfStore.CreateWorkflow(c.Context(), wf); err != nil {
		g.logger.Error("creating workflow", slog.String("error", err.Error()))
		return c.AbortInternalServerError("creating workflow failed")
	}

	g.logger.Info("workflow created",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("name", wf.Name),
	)
	return c.JSON(http.StatusCreated, g.toWorkflowResponse(wf))
}

func (g *Gateway) handleWorkflowList(c *okapi.Context) error {
	wfs, err := g.wfStore.ListWorkflows(c.Context(), g.orgID)
	if err != nil {
		g.logger.Error("listing workflows", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing workflows failed")
	}
	out := make([]WorkflowResponse, 0, len(wfs))
	for i := range wfs {
		out = append(out, g.toWorkflowResponse(&wfs[i]))
	}
	return c.OK(out)
}

func (g *Gateway) handleWorkflowGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid workflow ID")
	}
	wf, err := g.wfStore.GetWorkflow(c.Context(), g.orgID, id)
	if err != nil {
		return workflowError(c, err)
	}
	return c.OK(g.toWorkflowResponse(wf))
}

func (g *Gateway) handleWorkflowUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid workflow ID")
	}
	existing, err := g.wfStore.GetWorkflow(c.Context(), g.orgID, id)
	if err != nil {
		return workflowError(c, err)
	}

	var req WorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	wf, err := g.workflowFromRequest(&req, existing)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := g.wfStore.UpdateWorkflow(c.Context(), wf); err != nil {
		return workflowError(c, err)
	}
	return c.OK(g.toWorkflowResponse(wf))
}

func (g *Gateway) handleWorkflowDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid workflow ID")
	}
	if err := g.wfStore.DeleteWorkflow(c.Context(), g.orgID, id); err != nil {
		return workflowError(c, err)
	}
	g.logger.Info("workflow deleted", slog.String("workflow_id", id.String()))
	return c.OK(map[string]string{"workflow_id": id.String(), "status": "deleted"})
}

func (g *Gateway) handleRunTrigger(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(userID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid workflow ID")
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	g.logger.Info("http run trigger",
		slog.String("user_id", userID),
		slog.String("workflow_id", id.String()),
	)

	run, err := g.engine.Dispatch(c.Context(), g.orgID, id, userID, "manual", req.TriggerData)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "workflow not found"})
		}
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, toRunResponse(run))
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid workflow ID")
	}
	runs, err := g.wfStore.ListRuns(c.Context(), g.orgID, id, defaultRunListLimit)
	if err != nil {
		g.logger.Error("listing runs", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	out := make([]RunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}
	return c.OK(out)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	run, err := g.wfStore.GetRun(c.Context(), g.orgID, id)
	if err != nil {
		return workflowError(c, err)
	}
	return c.OK(toRunResponse(run))
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	userID := c.GetString("userID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	g.logger.Info("http run cancel",
		slog.String("user_id", userID),
		slog.String("run_id", id.String()),
	)

	if err := g.engine.Cancel(c.Context(), g.orgID, id); err != nil {
		if errors.Is(err, workflow.ErrRunNotCancellable) {
			return c.JSON(http.StatusConflict, okapi.M{"error": "run is not cancellable"})
		}
		return workflowError(c, err)
	}
	return c.OK(map[string]string{"run_id": id.String(), "status": "cancelled"})
}

func (g *Gateway) handleNoteList(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	notes, err := g.wfStore.Notes(c.Context(), g.orgID, id)
	if err != nil {
		return workflowError(c, err)
	}
	return c.OK(notes)
}

func (g *Gateway) handleNoteAppend(c *okapi.Context) error {
	userID := c.GetString("userID")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	var req NoteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return c.AbortBadRequest("content is required")
	}

	note := workflow.Note{
		Content:         content,
		CreatedAt:       time.Now().UTC(),
		CreatedByUserID: userID,
	}
	if err := g.wfStore.AppendNote(c.Context(), g.orgID, id, note); err != nil {
		return workflowError(c, err)
	}
	return c.JSON(http.StatusCreated, note)
}

func (g *Gateway) handleNoteDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		return c.AbortBadRequest("invalid note index")
	}
	if err := g.wfStore.DeleteNote(c.Context(), g.orgID, id, index); err != nil {
		return workflowError(c, err)
	}
	return c.OK(map[string]string{"run_id": id.String(), "status": "deleted"})
}

// workflowFromRequest builds a Workflow from a request body, validating the
// trigger. When existing is non-nil the request is treated as an update and
// identity fields carry over.
func (g *Gateway) workflowFromRequest(req *WorkflowRequest, existing *workflow.Workflow) (*workflow.Workflow, error) {
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	trigger := workflow.TriggerType(req.TriggerType)
	switch trigger {
	case workflow.TriggerSchedule:
		expr, _ := req.TriggerConfig["cron"].(string)
		if expr == "" {
			return nil, errors.New("schedule trigger requires trigger_config.cron")
		}
		if _, err := scheduler.NextRunFrom(expr, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
	case workflow.TriggerEvent, workflow.TriggerManual:
	default:
		return nil, fmt.Errorf("unknown trigger_type: %q", req.TriggerType)
	}

	children := make([]uuid.UUID, 0, len(req.ChildWorkflows))
	for _, raw := range req.ChildWorkflows {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid child workflow ID: %s", raw)
		}
		children = append(children, id)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	wf := &workflow.Workflow{
		Name:                   req.Name,
		Description:            req.Description,
		TriggerType:            trigger,
		TriggerConfig:          req.TriggerConfig,
		Prompt:                 req.Prompt,
		AutoApproveTools:       req.AutoApproveTools,
		AutoApprovePermissions: req.AutoApprovePermissions,
		InputSchema:            req.InputSchema,
		OutputSchema:           req.OutputSchema,
		ChildWorkflows:         children,
		Enabled:                enabled,
	}
	if existing != nil {
		wf.ID = existing.ID
		wf.OrgID = existing.OrgID
		wf.CreatedAt = existing.CreatedAt
	}
	return wf, nil
}

func (g *Gateway) toWorkflowResponse(wf *workflow.Workflow) WorkflowResponse {
	children := make([]string, 0, len(wf.ChildWorkflows))
	for _, id := range wf.ChildWorkflows {
		children = append(children, id.String())
	}
	resp := WorkflowResponse{
		ID:                     wf.ID.String(),
		Name:                   wf.Name,
		Description:            wf.Description,
		TriggerType:            string(wf.TriggerType),
		TriggerConfig:          wf.TriggerConfig,
		Prompt:                 wf.Prompt,
		AutoApproveTools:       wf.AutoApproveTools,
		AutoApprovePermissions: wf.AutoApprovePermissions,
		InputSchema:            wf.InputSchema,
		OutputSchema:           wf.OutputSchema,
		ChildWorkflows:         children,
		Enabled:                wf.Enabled,
		CreatedAt:              wf.CreatedAt,
		UpdatedAt:              wf.UpdatedAt,
	}
	if wf.Enabled && wf.TriggerType == workflow.TriggerSchedule {
		if expr, ok := wf.TriggerConfig["cron"].(string); ok {
			if next, err := scheduler.NextRunFrom(expr, time.Now().UTC()); err == nil {
				resp.NextRunAt = &next
			}
		}
	}
	return resp
}

func toRunResponse(run *workflow.Run) RunResponse {
	return RunResponse{
		ID:             run.ID.String(),
		WorkflowID:     run.WorkflowID.String(),
		UserID:         run.UserID,
		Status:         string(run.Status),
		TriggeredBy:    run.TriggeredBy,
		StepsCompleted: run.StepsCompleted,
		Output:         run.Output,
		Error:          run.Error,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
}

// workflowError maps workflow store errors to HTTP responses.
func workflowError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "workflow not found"})
	case errors.Is(err, workflow.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "workflow run not found"})
	case errors.Is(err, workflow.ErrNoteNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "note not found"})
	default:
		return c.AbortInternalServerError("workflow error")
	}
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/observability"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/queue"
)

// ErrRunNotCancellable is returned when cancelling a terminal run.
var ErrRunNotCancellable = errors.New("workflow run is not cancellable")

// AgentRunner executes the agent conversation for one run. It must observe
// ctx at tool-call boundaries: cancellation is cooperative, an in-flight
// external side effect is allowed to complete.
type AgentRunner interface {
	Run(ctx context.Context, in *RunInput) (*RunOutput, error)
}

// RunInput is everything the agent runner needs for one run.
type RunInput struct {
	Workflow *Workflow
	Run      *Run
	Prompt   string
	Context  map[string]any
	Scope    *policy.WorkflowScope
}

// RunOutput is what the agent runner produced.
type RunOutput struct {
	Output         map[string]any
	StepsCompleted int
}

type activeRun struct {
	scope  *policy.WorkflowScope
	cancel context.CancelFunc
}

// Engine drives workflow runs through their state machine. Runs execute
// asynchronously through the task queue when one is attached, otherwise
// synchronously in the caller's goroutine.
type Engine struct {
	store       Store
	settings    policy.UserSettingStore
	runner      AgentRunner
	tasks       queue.TaskQueue
	maxChildren int
	metrics     *observability.MetricsCollector
	logger      *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
	taskID map[uuid.UUID]uuid.UUID // run ID -> queue task ID.
}

// NewEngine creates an Engine. settings may be nil (no restricted-tool
// overrides apply then).
func NewEngine(store Store, settings policy.UserSettingStore, runner AgentRunner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		settings: settings,
		runner:   runner,
		logger:   logger.With(slog.String("component", "workflow")),
		active:   make(map[uuid.UUID]*activeRun),
		taskID:   make(map[uuid.UUID]uuid.UUID),
	}
}

// SetQueue attaches the task queue for asynchronous execution.
func (e *Engine) SetQueue(q queue.TaskQueue) { e.tasks = q }

// SetMetrics attaches the metrics collector.
func (e *Engine) SetMetrics(m *observability.MetricsCollector) { e.metrics = m }

// SetMaxChildren overrides the per-run child spawn cap. 0 keeps the default.
func (e *Engine) SetMaxChildren(n int) { e.maxChildren = n }

// QueueHandler returns the handler the worker pool calls for workflow tasks.
func (e *Engine) QueueHandler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) error {
		orgID, err := uuid.Parse(stringParam(task.Payload, "org_id"))
		if err != nil {
			return fmt.Errorf("task payload org_id: %w", err)
		}
		runID, err := uuid.Parse(stringParam(task.Payload, "run_id"))
		if err != nil {
			return fmt.Errorf("task payload run_id: %w", err)
		}
		return e.Execute(ctx, orgID, runID)
	}
}

// Dispatch creates a run and hands it to the queue (or executes it inline
// when no queue is attached). The returned run is in pending or, for inline
// execution, its terminal state.
func (e *Engine) Dispatch(ctx context.Context, orgID, workflowID uuid.UUID, userID, triggeredBy string, triggerData map[string]any) (*Run, error) {
	wf, err := e.store.GetWorkflow(ctx, orgID, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		return nil, fmt.Errorf("workflow %s is disabled", wf.Name)
	}

	run := &Run{
		ID:          uuid.New(),
		WorkflowID:  wf.ID,
		OrgID:       orgID,
		UserID:      userID,
		Status:      RunPending,
		TriggeredBy: triggeredBy,
		TriggerData: triggerData,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	e.logger.InfoContext(ctx, "workflow run dispatched",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("run_id", run.ID.String()),
		slog.String("triggered_by", triggeredBy),
	)

	if e.tasks != nil {
		taskID, err := e.tasks.Enqueue(ctx, "workflow_run", map[string]any{
			"org_id": orgID.String(),
			"run_id": run.ID.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("enqueueing run: %w", err)
		}
		e.mu.Lock()
		e.taskID[run.ID] = taskID
		e.mu.Unlock()
		return run, nil
	}

	if err := e.Execute(ctx, orgID, run.ID); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, orgID, run.ID)
}

// Execute runs a pending run to a terminal state. Errors from the agent are
// recorded on the run; the returned error covers infrastructure failures
// only (store unavailable, run missing).
func (e *Engine) Execute(ctx context.Context, orgID, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, orgID, runID)
	if err != nil {
		return err
	}
	if run.Status != RunPending {
		return fmt.Errorf("run %s is %s, not pending", runID, run.Status)
	}

	wf, err := e.store.GetWorkflow(ctx, orgID, run.WorkflowID)
	if err != nil {
		return err
	}

	scope, err := BuildScope(ctx, wf, run, e.settings, e.maxChildren)
	if err != nil {
		return fmt.Errorf("building run scope: %w", err)
	}

	lastRunAt, err := e.store.LastCompletedAt(ctx, orgID, wf.ID)
	if err != nil {
		return fmt.Errorf("loading last run time: %w", err)
	}

	now := time.Now().UTC()
	run.Status = RunRunning
	run.StartedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[run.ID] = &activeRun{scope: scope, cancel: cancel}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
	}
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.active, run.ID)
		delete(e.taskID, run.ID)
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ActiveRuns.Dec()
		}
	}()

	rc := RunContext{
		WorkflowID:         wf.ID.String(),
		RunID:              run.ID.String(),
		InvokedBy:          scope.InvokedBy,
		CurrentDatetime:    now,
		ExecutionStartedAt: now,
		LastRunAt:          lastRunAt,
	}
	notes, childNames := e.promptExtras(ctx, wf)
	in := &RunInput{
		Workflow: wf,
		Run:      run,
		Prompt:   RenderPrompt(wf, rc, childNames, notes),
		Context:  rc.Map(),
		Scope:    scope,
	}

	out, runErr := e.runner.Run(runCtx, in)

	done := time.Now().UTC()
	run.CompletedAt = &done
	switch {
	case runCtx.Err() != nil:
		// Hard or cooperative cancellation is reported as cancelled, never
		// failed: a human stopped the run, the run did not break.
		run.Status = RunCancelled
		if runErr != nil {
			run.Error = runErr.Error()
		}
	case runErr != nil:
		run.Status = RunFailed
		run.Error = runErr.Error()
	default:
		run.Status = RunCompleted
		if out != nil {
			run.Output = out.Output
			run.StepsCompleted = out.StepsCompleted
		}
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	if e.metrics != nil {
		e.metrics.WorkflowRunsTotal.WithLabelValues(string(run.Status), string(wf.TriggerType)).Inc()
		e.metrics.WorkflowRunDuration.WithLabelValues(string(wf.TriggerType)).Observe(done.Sub(now).Seconds())
	}
	e.logger.InfoContext(ctx, "workflow run finished",
		slog.String("run_id", run.ID.String()),
		slog.String("status", string(run.Status)),
		slog.Int("steps_completed", run.StepsCompleted),
		slog.String("error", run.Error),
	)
	return nil
}

// Cancel force-stops a run. A pending run is cancelled in place; a running
// run has its context cancelled (observed at the next tool boundary) and its
// queue task revoked.
func (e *Engine) Cancel(ctx context.Context, orgID, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, orgID, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunNotCancellable
	}

	e.mu.Lock()
	ar := e.active[runID]
	taskID, hasTask := e.taskID[runID]
	e.mu.Unlock()

	if ar != nil {
		ar.cancel()
		return nil
	}
	if hasTask && e.tasks != nil {
		_ = e.tasks.Revoke(ctx, taskID)
	}

	now := time.Now().UTC()
	run.Status = RunCancelled
	run.CompletedAt = &now
	return e.store.UpdateRun(ctx, run)
}

// Scope returns the live policy scope of an executing run, or nil. The
// run_workflow and loop_over tools use it to share the run's budget.
func (e *Engine) Scope(runID uuid.UUID) *policy.WorkflowScope {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ar, ok := e.active[runID]; ok {
		return ar.scope
	}
	return nil
}

// promptExtras gathers notes from the workflow's most recent terminal run and
// resolves declared child workflow names for the prompt.
func (e *Engine) promptExtras(ctx context.Context, wf *Workflow) ([]Note, []string) {
	var notes []Note
	runs, err := e.store.ListRuns(ctx, wf.OrgID, wf.ID, 5)
	if err == nil {
		for _, r := range runs {
			if r.Status.Terminal() {
				if n, err := e.store.Notes(ctx, wf.OrgID, r.ID); err == nil && len(n) > 0 {
					notes = n
					break
				}
			}
		}
	}

	var childNames []string
	for _, childID := range wf.ChildWorkflows {
		if child, err := e.store.GetWorkflow(ctx, wf.OrgID, childID); err == nil {
			childNames = append(childNames, child.Name)
		}
	}
	return notes, childNames
}

func stringParam(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

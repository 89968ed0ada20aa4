// Package dispatch routes tool invocations through validation, risk policy,
// and the approval gate, and executes the ones that may proceed.
//
// The dispatcher is the only place side effects are triggered from. A call
// either executes immediately, or is parked as a pending operation whose
// later approval re-enters here through ExecuteApproved. Tool failures are
// returned as structured results, never as panics or dropped turns.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/observability"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/tools"
)

// Outcome status values.
const (
	OutcomeExecuted        = "executed"
	OutcomeApprovalPending = "approval_pending"
	OutcomeError           = "error"
)

// Error codes attached to structured error results.
const (
	CodeToolNotFound   = "tool_not_found"
	CodeInvalidParams  = "invalid_params"
	CodePolicyError    = "policy_error"
	CodeExecutionError = "execution_error"
)

// Request is one tool invocation.
type Request struct {
	OrgID          uuid.UUID
	UserID         string // Empty for runs without a human user.
	ConversationID uuid.UUID
	ToolName       string
	Params         map[string]any
	Workflow       *policy.WorkflowScope // nil outside workflow runs.
}

// Outcome is what the caller (the agent loop) gets back. Exactly one of
// Result and Preview is set; Status says which path was taken.
type Outcome struct {
	Status  string
	Result  *tools.Result
	Preview *approval.Preview
}

// Dispatcher wires the tool registry, policy evaluator, approval manager,
// change-session engine, and connector registry together.
type Dispatcher struct {
	registry   *tools.Registry
	evaluator  *policy.Evaluator
	approvals  *approval.Manager
	sessions   *session.Engine
	connectors *connector.Registry
	metrics    *observability.MetricsCollector // nil = no metrics.
	tracer     trace.Tracer                    // nil = no tracing.
	ttl        time.Duration                   // 0 = approval.DefaultTTL.
	logger     *slog.Logger
}

// New creates a Dispatcher. metrics and tracer may be nil.
func New(
	registry *tools.Registry,
	evaluator *policy.Evaluator,
	approvals *approval.Manager,
	sessions *session.Engine,
	connectors *connector.Registry,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		evaluator:  evaluator,
		approvals:  approvals,
		sessions:   sessions,
		connectors: connectors,
		logger:     logger.With(slog.String("component", "dispatch")),
	}
}

// SetMetrics attaches the metrics collector.
func (d *Dispatcher) SetMetrics(m *observability.MetricsCollector) { d.metrics = m }

// SetTracer attaches a tracer for per-invocation spans.
func (d *Dispatcher) SetTracer(t trace.Tracer) { d.tracer = t }

// SetApprovalTTL overrides how long created operations wait for approval.
func (d *Dispatcher) SetApprovalTTL(ttl time.Duration) { d.ttl = ttl }

// ExecuteTool runs the full dispatch pipeline for one invocation:
// lookup, parameter validation, policy decision, then either immediate
// execution or creation of a pending operation with no side effects.
func (d *Dispatcher) ExecuteTool(ctx context.Context, req Request) (*Outcome, error) {
	tool := d.registry.Get(req.ToolName)
	if tool == nil {
		return errorOutcome(CodeToolNotFound, fmt.Sprintf("unknown tool: %s", req.ToolName)), nil
	}
	def := tool.Definition()

	if err := tool.Validate(req.Params); err != nil {
		return errorOutcome(CodeInvalidParams, err.Error()), nil
	}

	decision, err := d.evaluator.Evaluate(ctx, policy.Request{
		OrgID:    req.OrgID,
		UserID:   req.UserID,
		ToolName: req.ToolName,
		Workflow: req.Workflow,
	})
	if err != nil {
		return errorOutcome(CodePolicyError, err.Error()), nil
	}

	d.logger.InfoContext(ctx, "tool dispatched",
		slog.String("tool", req.ToolName),
		slog.String("org_id", req.OrgID.String()),
		slog.String("risk", def.Risk.String()),
		slog.Bool("requires_approval", decision.RequiresApproval),
		slog.String("policy_reason", decision.Reason),
	)

	if decision.RequiresApproval {
		preview, err := d.approvals.Create(ctx, &approval.CreateRequest{
			OrgID:          req.OrgID,
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			Payload:        d.buildPayload(req),
			TTL:            d.ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("creating pending operation: %w", err)
		}
		if d.metrics != nil {
			d.metrics.OperationsCreatedTotal.WithLabelValues(req.ToolName).Inc()
		}
		return &Outcome{Status: OutcomeApprovalPending, Preview: preview}, nil
	}

	result := d.execute(ctx, tool, req)
	return &Outcome{Status: outcomeFor(result), Result: result}, nil
}

// ExecuteApproved re-enters the pipeline for an operation that has been
// approved. Validation and policy already happened at creation time; this
// path only executes. Implements approval.Executor.
func (d *Dispatcher) ExecuteApproved(ctx context.Context, op *approval.PendingOperation) (*approval.ExecutionResult, error) {
	switch payload := op.Payload.(type) {
	case approval.GenericOperation:
		tool := d.registry.Get(payload.Tool)
		if tool == nil {
			return nil, fmt.Errorf("tool %s no longer registered", payload.Tool)
		}
		req := Request{
			OrgID:          op.OrgID,
			UserID:         op.UserID,
			ConversationID: op.ConversationID,
			ToolName:       payload.Tool,
			Params:         payload.Params,
		}
		result := d.execute(ctx, tool, req)
		res := &approval.ExecutionResult{
			Success: result.Success,
			Result:  map[string]any{"output": result.Output},
		}
		if len(result.Metadata) > 0 {
			res.Result["metadata"] = result.Metadata
		}
		if !result.Success {
			res.ErrorMessage = result.Output
		}
		return res, nil

	case approval.CrmWriteOperation:
		return d.executeCrmWrite(ctx, op.OrgID, payload)

	default:
		return nil, fmt.Errorf("unknown payload kind %q", op.Payload.Kind())
	}
}

// executeCrmWrite routes a validated batch write onto the target system's
// Writer capability.
func (d *Dispatcher) executeCrmWrite(ctx context.Context, orgID uuid.UUID, payload approval.CrmWriteOperation) (*approval.ExecutionResult, error) {
	writer, err := d.connectors.Writer(payload.TargetSystem)
	if err != nil {
		return nil, fmt.Errorf("resolving writer for %s: %w", payload.TargetSystem, err)
	}

	records := payload.ValidatedRecords
	if len(records) == 0 {
		records = payload.InputRecords
	}
	wr, err := writer.Write(ctx, orgID, connector.WriteRequest{
		RecordType: payload.RecordType,
		Operation:  payload.Operation,
		Records:    records,
	})
	if d.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.ConnectorCallsTotal.WithLabelValues(payload.TargetSystem, string(connector.CapWrite), status).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("writing to %s: %w", payload.TargetSystem, err)
	}

	res := &approval.ExecutionResult{
		Success:      wr.FailureCount == 0,
		SuccessCount: wr.SuccessCount,
		FailureCount: wr.FailureCount,
		Result: map[string]any{
			"target_system": payload.TargetSystem,
			"record_type":   payload.RecordType,
			"operation":     payload.Operation,
		},
	}
	if len(wr.Records) > 0 {
		res.Result["records"] = wr.Records
	}
	if len(wr.Errors) > 0 {
		res.ErrorMessage = strings.Join(wr.Errors, "; ")
	}
	return res, nil
}

// execute runs the tool with scope, tracing, metrics, change-session wrapping
// for local writes, and panic containment. Always returns a result.
func (d *Dispatcher) execute(ctx context.Context, tool tools.Tool, req Request) (result *tools.Result) {
	def := tool.Definition()

	scope := tools.Scope{
		OrgID:          req.OrgID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	}
	if req.Workflow != nil {
		scope.WorkflowID = req.Workflow.WorkflowID
		scope.RunID = req.Workflow.RunID
	}
	ctx = tools.ContextWithScope(ctx, scope)

	// Local writes report through the conversation's open change session.
	if def.Risk == tools.RiskLocalWrite && d.sessions != nil && req.ConversationID != uuid.Nil {
		cs, err := d.sessions.Begin(ctx, req.OrgID, req.UserID, req.ConversationID)
		if err != nil {
			return errorResult(CodeExecutionError, fmt.Sprintf("opening change session: %v", err))
		}
		ctx = session.ContextWithSession(ctx, cs)
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", def.Name),
				attribute.String("tool.risk", def.Risk.String()),
			))
		defer span.End()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "tool panicked",
				slog.String("tool", def.Name),
				slog.Any("panic", r),
			)
			result = errorResult(CodeExecutionError, fmt.Sprintf("tool %s panicked: %v", def.Name, r))
		}
		if d.metrics != nil {
			status := "ok"
			if !result.Success {
				status = "error"
			}
			d.metrics.ToolExecutionsTotal.WithLabelValues(def.Name, status).Inc()
			d.metrics.ToolExecutionDuration.WithLabelValues(def.Name).Observe(time.Since(start).Seconds())
		}
	}()

	res, err := tool.Execute(ctx, req.Params)
	if err != nil {
		d.logger.WarnContext(ctx, "tool execution failed",
			slog.String("tool", def.Name),
			slog.String("error", err.Error()),
		)
		return errorResult(CodeExecutionError, err.Error())
	}
	if res == nil {
		return errorResult(CodeExecutionError, fmt.Sprintf("tool %s returned no result", def.Name))
	}
	res.Output = tools.TruncateOutput(res.Output, tools.MaxOutputBytes)
	return res
}

// buildPayload chooses the payload shape for a deferred operation. The
// write_to_system call keeps its legacy batch-write shape so the approval
// preview can show per-record detail; everything else is generic.
func (d *Dispatcher) buildPayload(req Request) approval.Payload {
	if req.ToolName == WriteToSystemTool {
		return crmWritePayload(req.Params)
	}
	return approval.GenericOperation{Tool: req.ToolName, Params: req.Params}
}

func outcomeFor(res *tools.Result) string {
	if res.Success {
		return OutcomeExecuted
	}
	return OutcomeError
}

func errorResult(code, message string) *tools.Result {
	return &tools.Result{
		Success:  false,
		Output:   message,
		Metadata: map[string]any{"error_code": code},
	}
}

func errorOutcome(code, message string) *Outcome {
	return &Outcome{Status: OutcomeError, Result: errorResult(code, message)}
}

var _ approval.Executor = (*Dispatcher)(nil)
